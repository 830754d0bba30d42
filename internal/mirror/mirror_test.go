package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shopfloor/internal/docstore"
)

func openTestMirror(t *testing.T, opts Options) *Mirror {
	t.Helper()
	m, err := Connect(context.Background(), filepath.Join(t.TempDir(), "mirror", "shopfloor.db"), opts)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// recordCommits runs the mutations against a fresh store and returns the
// commits it published.
func recordCommits(t *testing.T, mutations ...docstore.Mutator) []docstore.Commit {
	t.Helper()
	store := docstore.Open(filepath.Join(t.TempDir(), "db.json"), docstore.Options{})
	t.Cleanup(store.Close)
	if _, err := store.Init(context.Background(), nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	var commits []docstore.Commit
	store.OnCommit(func(c docstore.Commit) { commits = append(commits, c) })
	for _, fn := range mutations {
		if _, err := store.Mutate(context.Background(), fn); err != nil {
			t.Fatalf("Mutate() error = %v", err)
		}
	}
	return commits
}

func setCards(cards ...docstore.Record) docstore.Mutator {
	return func(_ context.Context, draft *docstore.Document) (*docstore.Document, error) {
		draft.Cards = cards
		return draft, nil
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://u:p@localhost:5432/shopfloor": Postgres,
		"postgresql://localhost/shopfloor":        Postgres,
		"./data/mirror.db":                        SQLite,
		"sqlite:///var/lib/shopfloor/mirror.db":   SQLite,
		":memory:":                                SQLite,
	}
	for raw, want := range cases {
		if got := DialectFor(raw); got != want {
			t.Errorf("DialectFor(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestRebind(t *testing.T) {
	query := `UPDATE cards SET rev = ? WHERE id = ?`
	if got := SQLite.rebind(query); got != query {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	if got := Postgres.rebind(query); got != `UPDATE cards SET rev = $1 WHERE id = $2` {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	m := openTestMirror(t, Options{})
	ctx := context.Background()
	if err := ApplyMigrations(ctx, m.db, m.dialect); err != nil {
		t.Fatalf("second ApplyMigrations() error = %v", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("schema_migrations rows = %d, want 2", n)
	}
}

func TestMirrorFollowsCommits(t *testing.T) {
	commits := recordCommits(t,
		setCards(
			docstore.Record{"id": "c1", "name": "Bracket"},
			docstore.Record{"id": "c2", "name": "Hinge"},
		),
		setCards(
			docstore.Record{"id": "c1", "name": "Bracket v2"},
			docstore.Record{"id": "c2", "name": "Hinge"},
		),
		setCards(docstore.Record{"id": "c1", "name": "Bracket v2"}),
	)
	m := openTestMirror(t, Options{})
	ctx := context.Background()
	for _, c := range commits {
		if err := m.Apply(ctx, c); err != nil {
			t.Fatalf("Apply(%d) error = %v", c.Revision, err)
		}
	}

	latest, err := m.LatestRevision(ctx)
	if err != nil || latest != 4 {
		t.Fatalf("LatestRevision() = %d, %v", latest, err)
	}
	row, err := m.Card(ctx, "c1")
	if err != nil {
		t.Fatalf("Card(c1) error = %v", err)
	}
	if row.Rev != 2 || row.Revision != 3 || row.Card["name"] != "Bracket v2" {
		t.Fatalf("c1 row = %+v", row)
	}
	if _, err := m.Card(ctx, "c2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Card(c2) error = %v, want ErrNotFound", err)
	}
	if n, err := m.CountCards(ctx); err != nil || n != 1 {
		t.Fatalf("CountCards() = %d, %v", n, err)
	}

	snap, err := m.Snapshot(ctx, 2)
	if err != nil {
		t.Fatalf("Snapshot(2) error = %v", err)
	}
	if len(snap.Cards) != 2 || snap.Meta.Revision != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMirrorResyncsAfterGap(t *testing.T) {
	commits := recordCommits(t,
		setCards(docstore.Record{"id": "c1"}, docstore.Record{"id": "c2"}),
		setCards(docstore.Record{"id": "c2"}, docstore.Record{"id": "c3"}),
	)
	m := openTestMirror(t, Options{})
	ctx := context.Background()

	// Only the last commit arrives; its own diff would leave c2 unmirrored.
	if err := m.Apply(ctx, commits[len(commits)-1]); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n, _ := m.CountCards(ctx); n != 2 {
		t.Fatalf("CountCards() = %d, want 2", n)
	}
	if _, err := m.Card(ctx, "c2"); err != nil {
		t.Fatalf("Card(c2) error = %v", err)
	}

	// Delivering the same commit again is a no-op.
	if err := m.Apply(ctx, commits[len(commits)-1]); err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if n, _ := m.CountCards(ctx); n != 2 {
		t.Fatalf("CountCards() after replay = %d, want 2", n)
	}
}

// storeCommits returns the baseline commit of a store seeded by seed,
// followed by the commits of the mutations.
func storeCommits(t *testing.T, seed docstore.Seeder, mutations ...docstore.Mutator) []docstore.Commit {
	t.Helper()
	store := docstore.Open(filepath.Join(t.TempDir(), "db.json"), docstore.Options{})
	t.Cleanup(store.Close)
	doc, err := store.Init(context.Background(), seed)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	commits := []docstore.Commit{{Revision: doc.Meta.Revision, Document: doc}}
	store.OnCommit(func(c docstore.Commit) { commits = append(commits, c) })
	for _, fn := range mutations {
		if _, err := store.Mutate(context.Background(), fn); err != nil {
			t.Fatalf("Mutate() error = %v", err)
		}
	}
	return commits
}

func TestMirrorFollowsReseededStore(t *testing.T) {
	before := storeCommits(t, nil,
		setCards(docstore.Record{"id": "c1"}),
		setCards(docstore.Record{"id": "c1"}, docstore.Record{"id": "c2"}),
		setCards(docstore.Record{"id": "c2"}, docstore.Record{"id": "c3"}),
	)
	reseeded := func(context.Context) (*docstore.Document, error) {
		doc := docstore.Normalize(nil)
		doc.Cards = []docstore.Record{{"id": "fresh"}}
		return doc, nil
	}
	after := storeCommits(t, reseeded,
		setCards(docstore.Record{"id": "fresh"}, docstore.Record{"id": "n1"}),
	)

	m := openTestMirror(t, Options{})
	ctx := context.Background()
	for _, c := range append(before, after...) {
		if err := m.Apply(ctx, c); err != nil {
			t.Fatalf("Apply(%d) error = %v", c.Revision, err)
		}
	}

	latest, err := m.LatestRevision(ctx)
	if err != nil || latest != 2 {
		t.Fatalf("LatestRevision() = %d, %v; want 2", latest, err)
	}
	if _, err := m.Snapshot(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Snapshot(4) error = %v, want ErrNotFound", err)
	}
	snap, err := m.Snapshot(ctx, 1)
	if err != nil || len(snap.Cards) != 1 || snap.Cards[0]["id"] != "fresh" {
		t.Fatalf("Snapshot(1) = %+v, %v", snap, err)
	}
	if n, _ := m.CountCards(ctx); n != 2 {
		t.Fatalf("CountCards() = %d, want 2", n)
	}
	for _, id := range []string{"c2", "c3"} {
		if _, err := m.Card(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Card(%s) error = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := m.Card(ctx, "n1"); err != nil {
		t.Fatalf("Card(n1) error = %v", err)
	}
}

func TestMirrorPrunesSnapshots(t *testing.T) {
	var mutations []docstore.Mutator
	for i := 0; i < 4; i++ {
		mutations = append(mutations, setCards(docstore.Record{"id": "c1", "step": i}))
	}
	commits := recordCommits(t, mutations...)
	m := openTestMirror(t, Options{Retain: 2})
	ctx := context.Background()
	for _, c := range commits {
		if err := m.Apply(ctx, c); err != nil {
			t.Fatalf("Apply(%d) error = %v", c.Revision, err)
		}
	}
	if _, err := m.Snapshot(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Snapshot(2) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Snapshot(ctx, 5); err != nil {
		t.Fatalf("Snapshot(5) error = %v", err)
	}
}

func TestMirrorPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("SHOPFLOOR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SHOPFLOOR_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	m, err := Connect(ctx, dsn, Options{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Close()
	if _, err := m.db.ExecContext(ctx, `DELETE FROM cards; DELETE FROM snapshots`); err != nil {
		t.Fatalf("reset tables: %v", err)
	}

	commits := recordCommits(t, setCards(docstore.Record{"id": "pg-1", "name": "Flange"}))
	for _, c := range commits {
		if err := m.Apply(ctx, c); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	row, err := m.Card(ctx, "pg-1")
	if err != nil || row.Rev != 1 {
		t.Fatalf("Card() = %+v, %v", row, err)
	}
}
