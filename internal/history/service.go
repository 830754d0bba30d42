// Package history keeps every committed revision of the document as a git
// commit, tagged by revision number.
package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"shopfloor/internal/docstore"
)

const (
	snapshotFile  = "database.json"
	branchName    = "main"
	revisionLabel = "Revision: "
	tagPrefix     = "rev-"
)

var ErrUnknownRevision = errors.New("history: unknown revision")

type Entry struct {
	Hash      string    `json:"hash"`
	Revision  int64     `json:"revision"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	dir    string
	author string
	now    func() time.Time

	mu   sync.Mutex
	repo *git.Repository
}

func New(dir string) *Service {
	return &Service{dir: dir, author: "shopfloor", now: time.Now}
}

func (s *Service) Name() string { return "history" }

// Apply records commit as the next snapshot unless that revision is
// already in the repository with the same content. A recorded revision
// with different content means the store has restarted its numbering, so
// the tags from that revision on are dropped and a new line of snapshots
// begins on top of the old commits.
func (s *Service) Apply(ctx context.Context, commit docstore.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recorded, err := s.Has(commit.Revision)
	if err != nil {
		return err
	}
	summary := summarize(commit)
	if recorded {
		same, err := s.holds(commit.Revision, commit.Document)
		if err != nil || same {
			return err
		}
		if err := s.dropTagsFrom(commit.Revision); err != nil {
			return err
		}
		summary = "restart at " + summary
	}
	_, err = s.Record(commit.Revision, commit.Document, summary)
	return err
}

// holds reports whether revision is recorded with exactly doc's content.
func (s *Service) holds(revision int64, doc *docstore.Document) (bool, error) {
	stored, err := s.SnapshotAt(revision)
	if errors.Is(err, ErrUnknownRevision) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	want, err := docstore.Encode(doc)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	got, err := docstore.Encode(stored)
	if err != nil {
		return false, fmt.Errorf("encode stored snapshot: %w", err)
	}
	return bytes.Equal(got, want), nil
}

// dropTagsFrom removes the revision tags at or above revision. The commits
// stay in the branch log.
func (s *Service) dropTagsFrom(revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return err
	}
	iter, err := repo.Tags()
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	var stale []plumbing.ReferenceName
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		rest, ok := strings.CutPrefix(ref.Name().Short(), tagPrefix)
		if !ok {
			return nil
		}
		if n, err := strconv.ParseInt(rest, 10, 64); err == nil && n >= revision {
			stale = append(stale, ref.Name())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate tags: %w", err)
	}
	for _, name := range stale {
		if err := repo.Storer.RemoveReference(name); err != nil {
			return fmt.Errorf("remove tag %s: %w", name.Short(), err)
		}
	}
	return nil
}

func (s *Service) Has(revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewTagReferenceName(tagName(revision)), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve revision %d: %w", revision, err)
	}
	return true, nil
}

// Record writes doc to the repository and commits it under revision.
func (s *Service) Record(revision int64, doc *docstore.Document, summary string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return Entry{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := docstore.Encode(doc)
	if err != nil {
		return Entry{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, snapshotFile), payload, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Entry{}, fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("%s\n\n%s%d", summary, revisionLabel, revision)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.author,
			Email: s.author + "@localhost",
			When:  s.now(),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit snapshot: %w", err)
	}
	tag := tagName(revision)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewTagReferenceName(tag), hash)); err != nil {
		return Entry{}, fmt.Errorf("tag %s: %w", tag, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj), nil
}

// History lists recorded snapshots, newest first. limit <= 0 means all.
func (s *Service) History(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toEntry(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt returns the document as committed at revision.
func (s *Service) SnapshotAt(revision int64) (*docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewTagReferenceName(tagName(revision)), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrUnknownRevision
		}
		return nil, fmt.Errorf("resolve revision %d: %w", revision, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	return readSnapshot(commitObj)
}

// open lazily opens or initializes the repository. Callers hold s.mu.
func (s *Service) open() (*git.Repository, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	repo, err := git.PlainOpen(s.dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = s.initRepo()
	}
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}
	s.repo = repo
	return repo, nil
}

func (s *Service) initRepo() (*git.Repository, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func readSnapshot(commitObj *object.Commit) (*docstore.Document, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return docstore.Decode(data)
}

func toEntry(commitObj *object.Commit) Entry {
	entry := Entry{
		Hash:      commitObj.Hash.String()[:7],
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if rest, ok := strings.CutPrefix(line, revisionLabel); ok {
			entry.Revision, _ = strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			continue
		}
		if entry.Message == "" && strings.TrimSpace(line) != "" {
			entry.Message = line
		}
	}
	return entry
}

func summarize(commit docstore.Commit) string {
	if len(commit.Added)+len(commit.Changed)+len(commit.Removed) == 0 {
		return fmt.Sprintf("revision %d", commit.Revision)
	}
	return fmt.Sprintf("revision %d: cards +%d ~%d -%d",
		commit.Revision, len(commit.Added), len(commit.Changed), len(commit.Removed))
}

func tagName(revision int64) string {
	return tagPrefix + strconv.FormatInt(revision, 10)
}
