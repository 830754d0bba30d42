package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMutationTimeout bounds a single mutator call.
const DefaultMutationTimeout = 30 * time.Second

// Mutator receives a private deep copy of the committed document and
// returns the next document. Returning (nil, nil) commits the draft as
// modified in place.
type Mutator func(ctx context.Context, draft *Document) (*Document, error)

// Seeder produces the initial document when nothing usable is stored.
type Seeder func(ctx context.Context) (*Document, error)

// Commit describes one successfully persisted mutation.
type Commit struct {
	Revision int64
	Previous *Document
	Document *Document
	Added    []string
	Changed  []string
	Removed  []string
	At       time.Time
}

// Options configures a Store.
type Options struct {
	// MutationTimeout bounds each mutator. Zero selects
	// DefaultMutationTimeout; a negative value disables the bound.
	MutationTimeout time.Duration
	// StrictLoad makes Init fail on an unreadable data file instead of
	// reseeding over it.
	StrictLoad bool
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type quarantiner interface {
	Quarantine() (string, error)
}

// Store holds the last committed document and serializes every change to
// it through a Queue.
type Store struct {
	persister Persister
	queue     *Queue
	committed atomic.Pointer[Document]
	timeout   time.Duration
	strict    bool
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	hooks     []func(Commit)
	loadIssue error
}

// New creates a store persisting through p. Init must be called before
// Read returns anything or Mutate succeeds.
func New(p Persister, opts Options) *Store {
	timeout := opts.MutationTimeout
	if timeout == 0 {
		timeout = DefaultMutationTimeout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		persister: p,
		queue:     NewQueue(),
		timeout:   timeout,
		strict:    opts.StrictLoad,
		log:       logger.With().Str("component", "docstore").Logger(),
		now:       now,
	}
}

// Open is New with a FileWriter for path.
func Open(path string, opts Options) *Store {
	return New(NewFileWriter(path), opts)
}

// Init loads the stored document, or seeds and persists a new one when the
// storage is empty or unreadable. seed runs at most once per call.
func (s *Store) Init(ctx context.Context, seed Seeder) (*Document, error) {
	var out *Document
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		doc, err := s.initLocked(ctx, seed)
		if err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

func (s *Store) initLocked(ctx context.Context, seed Seeder) (*Document, error) {
	raw, err := s.persister.Load(ctx)
	if err == nil {
		doc := Normalize(raw)
		s.committed.Store(doc)
		s.setLoadIssue(nil)
		s.log.Info().
			Int64("revision", doc.Meta.Revision).
			Int("cards", len(doc.Cards)).
			Msg("document loaded")
		return doc, nil
	}

	switch {
	case errors.Is(err, ErrNotFound):
		s.setLoadIssue(nil)
		s.log.Info().Msg("no stored document, seeding")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		var corrupt *CorruptError
		if !errors.As(err, &corrupt) {
			err = &CorruptError{Err: err}
		}
		s.setLoadIssue(err)
		if s.strict {
			return nil, err
		}
		s.log.Warn().Err(err).Msg("stored document unreadable, reseeding")
		if q, ok := s.persister.(quarantiner); ok {
			dest, qerr := q.Quarantine()
			if qerr != nil {
				s.log.Warn().Err(qerr).Msg("could not move unreadable document aside")
			} else if dest != "" {
				s.log.Warn().Str("path", dest).Msg("unreadable document moved aside")
			}
		}
	}

	var seeded *Document
	if seed != nil {
		seeded, err = seed(ctx)
		if err != nil {
			return nil, fmt.Errorf("docstore: seed: %w", err)
		}
	}
	doc := ApplyRevisions(nil, normalizeDocument(seeded))
	if doc.Meta.Revision < 1 {
		doc.Meta.Revision = 1
	}
	if err := s.persister.Save(ctx, doc); err != nil {
		return nil, &MutationError{Stage: StagePersist, Err: err}
	}
	s.committed.Store(doc)
	s.log.Info().Int64("revision", doc.Meta.Revision).Msg("seed document persisted")
	return doc, nil
}

// Read returns the committed document without waiting on the queue. The
// result is shared; treat it as read-only and change it only via Mutate.
func (s *Store) Read() *Document {
	return s.committed.Load()
}

// Revision returns meta.revision of the committed document, or 0 before Init.
func (s *Store) Revision() int64 {
	doc := s.committed.Load()
	if doc == nil {
		return 0
	}
	return doc.Meta.Revision
}

// Mutate applies fn to a private copy of the committed document and commits
// the result once it is persisted. Mutations run strictly one at a time in
// submission order.
func (s *Store) Mutate(ctx context.Context, fn Mutator) (*Document, error) {
	if fn == nil {
		return nil, &MutationError{Stage: StageMutator, Err: errors.New("nil mutator")}
	}
	var out *Document
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		current := s.committed.Load()
		if current == nil {
			return ErrNotInitialized
		}

		next, err := s.runMutator(ctx, current.Clone(), fn)
		if err != nil {
			return &MutationError{Stage: StageMutator, Err: err}
		}

		next = ApplyRevisions(current, normalizeDocument(next))
		next.Meta.Revision = current.Meta.Revision + 1

		// Results that cannot be encoded fail in the mutator stage.
		if _, err := Encode(next); err != nil {
			return &MutationError{Stage: StageMutator, Err: err}
		}
		if err := s.persister.Save(ctx, next); err != nil {
			s.log.Error().Err(err).Int64("revision", next.Meta.Revision).Msg("persist failed, keeping previous document")
			return &MutationError{Stage: StagePersist, Err: err}
		}
		s.committed.Store(next)
		s.publish(current, next)
		out = next
		return nil
	})
	return out, err
}

func (s *Store) runMutator(ctx context.Context, draft *Document, fn Mutator) (*Document, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type result struct {
		doc *Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("mutator panicked: %v", r)}
			}
		}()
		doc, err := fn(ctx, draft)
		done <- result{doc: doc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.doc == nil {
			return draft, nil
		}
		return r.doc, nil
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("mutator abandoned")
		return nil, ctx.Err()
	}
}

// OnCommit registers fn to run after every successful mutation, in commit
// order, on the queue's goroutine. fn must not call Mutate or Init.
func (s *Store) OnCommit(fn func(Commit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) publish(prev, next *Document) {
	s.mu.RLock()
	hooks := slices.Clone(s.hooks)
	s.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	added, changed, removed := diffCards(prev, next)
	commit := Commit{
		Revision: next.Meta.Revision,
		Previous: prev,
		Document: next,
		Added:    added,
		Changed:  changed,
		Removed:  removed,
		At:       s.now(),
	}
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Msg("commit hook panicked")
				}
			}()
			hook(commit)
		}()
	}
}

// LoadIssue returns the read or parse error seen by the last Init, if the
// stored document could not be used.
func (s *Store) LoadIssue() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadIssue
}

func (s *Store) setLoadIssue(err error) {
	s.mu.Lock()
	s.loadIssue = err
	s.mu.Unlock()
}

// Pending reports how many submissions are waiting behind the running one.
func (s *Store) Pending() int {
	return s.queue.Len()
}

// Persister returns the store's persistence backend.
func (s *Store) Persister() Persister {
	return s.persister
}

// Close stops accepting submissions.
func (s *Store) Close() {
	s.queue.Close()
}
