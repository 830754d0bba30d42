// Package backup uploads periodic snapshots of the document to object
// storage.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"shopfloor/internal/docstore"
)

var ErrNoBackup = errors.New("backup: no snapshot stored")

const keyPrefix = "snapshots/"

// ObjectStore is the subset of an object storage client the uploader needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// Every uploads revisions that are a multiple of Every. Values below 1
	// upload every revision.
	Every int
	// Keep bounds stored snapshots; zero keeps all.
	Keep int
}

type Uploader struct {
	store ObjectStore
	every int64
	keep  int
}

func NewUploader(store ObjectStore, opts Options) *Uploader {
	every := int64(opts.Every)
	if every < 1 {
		every = 1
	}
	return &Uploader{store: store, every: every, keep: opts.Keep}
}

func (u *Uploader) Name() string { return "backup" }

// Due reports whether revision is one the uploader keeps.
func (u *Uploader) Due(revision int64) bool {
	return revision > 0 && revision%u.every == 0
}

func (u *Uploader) Apply(ctx context.Context, commit docstore.Commit) error {
	if !u.Due(commit.Revision) || commit.Document == nil {
		return nil
	}
	_, err := u.Upload(ctx, commit.Document)
	return err
}

// Upload stores doc under its revision regardless of the interval and
// returns the object key.
func (u *Uploader) Upload(ctx context.Context, doc *docstore.Document) (string, error) {
	payload, err := docstore.Encode(doc)
	if err != nil {
		return "", fmt.Errorf("backup: encode: %w", err)
	}
	key := Key(doc.Meta.Revision)
	if err := u.store.Put(ctx, key, payload); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if u.keep > 0 {
		if err := u.prune(ctx); err != nil {
			return key, err
		}
	}
	return key, nil
}

// Latest returns the newest stored snapshot.
func (u *Uploader) Latest(ctx context.Context) (*docstore.Document, string, error) {
	keys, err := u.keys(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(keys) == 0 {
		return nil, "", ErrNoBackup
	}
	key := keys[len(keys)-1]
	data, err := u.store.Get(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("backup: %w", err)
	}
	doc, err := docstore.Decode(data)
	if err != nil {
		return nil, key, fmt.Errorf("backup: %s: %w", key, err)
	}
	return doc, key, nil
}

// keys lists snapshot keys oldest first.
func (u *Uploader) keys(ctx context.Context) ([]string, error) {
	all, err := u.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	keys := all[:0]
	for _, key := range all {
		if _, ok := RevisionOf(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (u *Uploader) prune(ctx context.Context) error {
	keys, err := u.keys(ctx)
	if err != nil {
		return err
	}
	for len(keys) > u.keep {
		if err := u.store.Delete(ctx, keys[0]); err != nil {
			return fmt.Errorf("backup: prune: %w", err)
		}
		keys = keys[1:]
	}
	return nil
}

// Key is the object key for revision. Zero padding keeps lexical order equal
// to revision order.
func Key(revision int64) string {
	return fmt.Sprintf("%s%012d.json", keyPrefix, revision)
}

func RevisionOf(key string) (int64, bool) {
	name, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	name, ok = strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	rev, err := strconv.ParseInt(name, 10, 64)
	if err != nil || rev < 1 {
		return 0, false
	}
	return rev, true
}
