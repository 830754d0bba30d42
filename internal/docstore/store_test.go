package docstore

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyPersister wraps a FileWriter and fails saves while failSaves is set.
type flakyPersister struct {
	*FileWriter
	failSaves atomic.Bool
	saves     atomic.Int32
}

func (p *flakyPersister) Save(ctx context.Context, doc *Document) error {
	p.saves.Add(1)
	if p.failSaves.Load() {
		return errors.New("disk full")
	}
	return p.FileWriter.Save(ctx, doc)
}

func countingSeed(calls *int32, doc *Document) Seeder {
	return func(context.Context) (*Document, error) {
		atomic.AddInt32(calls, 1)
		return doc.Clone(), nil
	}
}

func newTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "database.json")
	s := Open(path, opts)
	t.Cleanup(s.Close)
	return s, path
}

func initEmpty(t *testing.T, s *Store) *Document {
	t.Helper()
	doc, err := s.Init(context.Background(), nil)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return doc
}

func putCard(card Record) Mutator {
	return func(_ context.Context, draft *Document) (*Document, error) {
		id, _ := RecordID(card)
		for i, existing := range draft.Cards {
			if existingID, _ := RecordID(existing); existingID == id {
				draft.Cards[i] = card
				return draft, nil
			}
		}
		draft.Cards = append(draft.Cards, card)
		return draft, nil
	}
}

func noop(_ context.Context, draft *Document) (*Document, error) {
	return draft, nil
}

func TestInitSeedsOnceAndPersistsBeforeReturning(t *testing.T) {
	s, path := newTestStore(t, Options{})
	seed := Normalize(nil)
	seed.Cards = []Record{{"id": "C1", "qty": 5}}
	seed.AccessLevels = []Record{{"id": "admin"}}

	var calls int32
	doc, err := s.Init(context.Background(), countingSeed(&calls, seed))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("seed called %d times, want 1", calls)
	}
	if CardRev(doc.Cards[0]) != 1 {
		t.Fatalf("seeded card rev = %d, want 1", CardRev(doc.Cards[0]))
	}
	if doc.Meta.Revision != 1 {
		t.Fatalf("seeded revision = %d, want 1", doc.Meta.Revision)
	}
	if s.Read() != doc {
		t.Fatal("Read() did not return the committed seed")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("seed not persisted: %v", err)
	}
	stored, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(stored.AccessLevels) != 1 || len(stored.Cards) != 1 {
		t.Fatalf("persisted seed = %#v", stored)
	}

	// A second process start loads instead of seeding.
	again := Open(path, Options{})
	defer again.Close()
	if _, err := again.Init(context.Background(), countingSeed(&calls, seed)); err != nil {
		t.Fatalf("Init() on existing file error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("seed called again for an existing file (%d calls)", calls)
	}
	if again.LoadIssue() != nil {
		t.Fatalf("LoadIssue() = %v, want nil", again.LoadIssue())
	}
}

func TestInitCorruptFileMatchesMissingFile(t *testing.T) {
	seed := Normalize(nil)
	seed.Centers = []Record{{"id": "press-1"}}

	missing, _ := newTestStore(t, Options{})
	var missingCalls int32
	fromMissing, err := missing.Init(context.Background(), countingSeed(&missingCalls, seed))
	if err != nil {
		t.Fatalf("Init() missing error = %v", err)
	}

	corrupt, path := newTestStore(t, Options{})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	var corruptCalls int32
	fromCorrupt, err := corrupt.Init(context.Background(), countingSeed(&corruptCalls, seed))
	if err != nil {
		t.Fatalf("Init() corrupt error = %v", err)
	}

	if missingCalls != 1 || corruptCalls != 1 {
		t.Fatalf("seed calls missing=%d corrupt=%d, want 1 each", missingCalls, corruptCalls)
	}
	if !reflect.DeepEqual(fromMissing, fromCorrupt) {
		t.Fatalf("documents differ:\nmissing=%#v\ncorrupt=%#v", fromMissing, fromCorrupt)
	}

	var corruptErr *CorruptError
	if !errors.As(corrupt.LoadIssue(), &corruptErr) {
		t.Fatalf("LoadIssue() = %v, want *CorruptError", corrupt.LoadIssue())
	}
	if missing.LoadIssue() != nil {
		t.Fatalf("missing LoadIssue() = %v, want nil", missing.LoadIssue())
	}

	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected quarantined copy, got %v (%v)", matches, err)
	}
}

func TestInitStrictLoadRefusesCorruptFile(t *testing.T) {
	s, path := newTestStore(t, Options{StrictLoad: true})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("]["), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	var calls int32
	_, err := s.Init(context.Background(), countingSeed(&calls, Normalize(nil)))
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Init() error = %v, want *CorruptError", err)
	}
	if calls != 0 {
		t.Fatalf("seed called %d times under strict load", calls)
	}
	if s.Read() != nil {
		t.Fatal("Read() should be nil after a failed Init")
	}
}

func TestInitSeedError(t *testing.T) {
	s, path := newTestStore(t, Options{})
	boom := errors.New("no seed today")
	_, err := s.Init(context.Background(), func(context.Context) (*Document, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Init() error = %v, want seed error", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("nothing should be persisted, stat = %v", statErr)
	}
}

func TestMutateBeforeInit(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	if s.Read() != nil {
		t.Fatal("Read() before Init should be nil")
	}
	if _, err := s.Mutate(context.Background(), noop); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Mutate() error = %v, want ErrNotInitialized", err)
	}
}

func TestMutateCardRevisionSequence(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	ctx := context.Background()

	doc, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 5}))
	if err != nil {
		t.Fatalf("Mutate(1) error = %v", err)
	}
	card, _ := doc.FindCard("C1")
	if CardRev(card) != 1 {
		t.Fatalf("rev after insert = %d, want 1", CardRev(card))
	}

	doc, err = s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 5}))
	if err != nil {
		t.Fatalf("Mutate(2) error = %v", err)
	}
	card, _ = doc.FindCard("C1")
	if CardRev(card) != 1 {
		t.Fatalf("rev after identical resubmit = %d, want 1", CardRev(card))
	}

	doc, err = s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 6}))
	if err != nil {
		t.Fatalf("Mutate(3) error = %v", err)
	}
	card, _ = doc.FindCard("C1")
	if CardRev(card) != 2 {
		t.Fatalf("rev after change = %d, want 2", CardRev(card))
	}
}

func TestMutateRevisionIsMonotonic(t *testing.T) {
	s, path := newTestStore(t, Options{})
	initial := initEmpty(t, s).Meta.Revision
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := s.Mutate(ctx, noop); err != nil {
			t.Fatalf("Mutate(%d) error = %v", i, err)
		}
	}
	if got := s.Revision(); got != initial+n {
		t.Fatalf("revision = %d, want %d", got, initial+n)
	}

	// The draft cannot move the clock on its own.
	if _, err := s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
		draft.Meta.Revision = 1000
		return draft, nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if got := s.Revision(); got != initial+n+1 {
		t.Fatalf("revision = %d, want %d", got, initial+n+1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	stored, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if stored.Meta.Revision != s.Revision() {
		t.Fatalf("persisted revision = %d, want %d", stored.Meta.Revision, s.Revision())
	}
}

func TestMutateInPlaceDraft(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	doc, err := s.Mutate(context.Background(), func(_ context.Context, draft *Document) (*Document, error) {
		draft.Ops = append(draft.Ops, Record{"id": "O1"})
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if len(doc.Ops) != 1 {
		t.Fatalf("ops = %#v, want draft changes committed", doc.Ops)
	}
}

func TestMutateNormalizesResult(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	doc, err := s.Mutate(context.Background(), func(context.Context, *Document) (*Document, error) {
		return &Document{Users: []Record{{"id": " u1 ", "departmentId": ""}, nil}}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if doc.Cards == nil || doc.ChatStates == nil {
		t.Fatal("collections missing after mutation")
	}
	if len(doc.Users) != 1 || doc.Users[0]["id"] != "u1" || doc.Users[0]["departmentId"] != nil {
		t.Fatalf("users = %#v", doc.Users)
	}
}

func TestMutateFIFO(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
			close(started)
			<-release
			return draft, nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	const n = 6
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
				time.Sleep(time.Duration(n-i) * time.Millisecond)
				draft.UserActions = append(draft.UserActions, Record{"seq": float64(i)})
				return draft, nil
			})
			if err != nil {
				t.Errorf("Mutate(%d) error = %v", i, err)
			}
		}()
		waitForPending(t, s.Pending, i+1)
	}
	close(release)
	wg.Wait()

	actions := s.Read().UserActions
	if len(actions) != n {
		t.Fatalf("actions = %d, want %d", len(actions), n)
	}
	for i, action := range actions {
		if action["seq"] != float64(i) {
			t.Fatalf("action %d = %v, want seq %d", i, action["seq"], i)
		}
	}
}

func TestMutateFailureIsolation(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	before := initEmpty(t, s)
	ctx := context.Background()

	boom := errors.New("bad input")
	_, err := s.Mutate(ctx, func(context.Context, *Document) (*Document, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate() error = %v, want bad input", err)
	}
	if stage, _ := FailedStage(err); stage != StageMutator {
		t.Fatalf("stage = %q, want mutator", stage)
	}

	_, err = s.Mutate(ctx, func(context.Context, *Document) (*Document, error) { panic("oops") })
	if stage, _ := FailedStage(err); stage != StageMutator {
		t.Fatalf("panic stage = %q (err %v), want mutator", stage, err)
	}
	if s.Read() != before {
		t.Fatal("failed mutations changed the committed document")
	}

	doc, err := s.Mutate(ctx, putCard(Record{"id": "C9"}))
	if err != nil {
		t.Fatalf("Mutate() after failures error = %v", err)
	}
	if doc.Meta.Revision != before.Meta.Revision+1 {
		t.Fatalf("revision = %d, want %d", doc.Meta.Revision, before.Meta.Revision+1)
	}
}

func TestMutateDraftIsPrivate(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	ctx := context.Background()
	if _, err := s.Mutate(ctx, putCard(Record{"id": "C1", "dims": map[string]any{"w": 1.0}})); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	committed := s.Read()

	_, err := s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
		draft.Cards[0]["dims"].(map[string]any)["w"] = 99.0
		return nil, errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected mutator error")
	}
	if committed.Cards[0]["dims"].(map[string]any)["w"] != 1.0 {
		t.Fatal("draft edits leaked into the committed document")
	}
}

func TestMutatePersistFailureKeepsPreviousDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	p := &flakyPersister{FileWriter: NewFileWriter(path)}
	s := New(p, Options{})
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Init(ctx, nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	committed, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 1}))
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	p.failSaves.Store(true)
	_, err = s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 2}))
	if stage, _ := FailedStage(err); stage != StagePersist {
		t.Fatalf("stage = %q (err %v), want persist", stage, err)
	}
	if s.Read() != committed {
		t.Fatal("Read() advanced past the last persisted document")
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	onDisk, _ := Decode(stored)
	if onDisk.Meta.Revision != committed.Meta.Revision {
		t.Fatalf("disk revision = %d, memory revision = %d", onDisk.Meta.Revision, committed.Meta.Revision)
	}

	p.failSaves.Store(false)
	next, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 2}))
	if err != nil {
		t.Fatalf("Mutate() after recovery error = %v", err)
	}
	if next.Meta.Revision != committed.Meta.Revision+1 {
		t.Fatalf("revision = %d, want %d", next.Meta.Revision, committed.Meta.Revision+1)
	}
	card, _ := next.FindCard("C1")
	if CardRev(card) != 2 {
		t.Fatalf("card rev = %d, want 2", CardRev(card))
	}
}

func TestMutateUnencodableResultIsMutatorFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	p := &flakyPersister{FileWriter: NewFileWriter(path)}
	s := New(p, Options{})
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Init(ctx, nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	before := s.Read()
	savesBefore := p.saves.Load()

	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": value}))
		stage, ok := FailedStage(err)
		if !ok || stage != StageMutator {
			t.Fatalf("qty %v: stage = %q (err %v), want mutator", value, stage, err)
		}
	}
	if p.saves.Load() != savesBefore {
		t.Fatal("unencodable document reached the persister")
	}
	if s.Read() != before {
		t.Fatal("Read() changed after a rejected mutation")
	}

	next, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 1}))
	if err != nil {
		t.Fatalf("Mutate() after rejection error = %v", err)
	}
	if next.Meta.Revision != before.Meta.Revision+1 {
		t.Fatalf("revision = %d, want %d", next.Meta.Revision, before.Meta.Revision+1)
	}
}

func TestMutateTimeoutReleasesQueue(t *testing.T) {
	s, _ := newTestStore(t, Options{MutationTimeout: 20 * time.Millisecond})
	initEmpty(t, s)
	ctx := context.Background()

	stuck := make(chan struct{})
	defer close(stuck)
	_, err := s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
		<-stuck
		return draft, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Mutate() error = %v, want deadline exceeded", err)
	}
	if stage, _ := FailedStage(err); stage != StageMutator {
		t.Fatalf("stage = %q, want mutator", stage)
	}

	if _, err := s.Mutate(ctx, noop); err != nil {
		t.Fatalf("Mutate() after timeout error = %v", err)
	}
}

func TestReadDuringMutationSeesCommittedState(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	before := initEmpty(t, s)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Mutate(context.Background(), func(_ context.Context, draft *Document) (*Document, error) {
			draft.Cards = append(draft.Cards, Record{"id": "C1"})
			close(inside)
			<-release
			return draft, nil
		})
	}()
	<-inside
	if s.Read() != before || len(s.Read().Cards) != 0 {
		t.Fatal("reader observed an uncommitted draft")
	}
	close(release)
	<-done
	if len(s.Read().Cards) != 1 {
		t.Fatal("mutation not committed")
	}
}

func TestOnCommitReportsCardChanges(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	ctx := context.Background()

	var commits []Commit
	s.OnCommit(func(c Commit) { commits = append(commits, c) })
	s.OnCommit(func(Commit) { panic("hook failure must not break commits") })

	if _, err := s.Mutate(ctx, putCard(Record{"id": "C1", "qty": 1})); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if _, err := s.Mutate(ctx, func(_ context.Context, draft *Document) (*Document, error) {
		draft.Cards = []Record{{"id": "C2"}}
		return draft, nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if len(commits) != 2 {
		t.Fatalf("commits = %d, want 2", len(commits))
	}
	if !reflect.DeepEqual(commits[0].Added, []string{"C1"}) || commits[0].Revision != 2 {
		t.Fatalf("first commit = %+v", commits[0])
	}
	if !reflect.DeepEqual(commits[1].Added, []string{"C2"}) || !reflect.DeepEqual(commits[1].Removed, []string{"C1"}) {
		t.Fatalf("second commit = %+v", commits[1])
	}
	if commits[1].Previous != commits[0].Document {
		t.Fatal("commit chain broken")
	}
}

func TestClosedStoreRejectsMutations(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	initEmpty(t, s)
	s.Close()
	if _, err := s.Mutate(context.Background(), noop); !errors.Is(err, ErrClosed) {
		t.Fatalf("Mutate() error = %v, want ErrClosed", err)
	}
}
