// Package mirror copies committed documents into a SQL database so that
// reporting tools can query cards and past snapshots without touching the
// data file.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shopfloor/internal/docstore"
)

var ErrNotFound = errors.New("mirror: not found")

// DefaultRetain is the number of snapshots kept when Options.Retain is zero.
const DefaultRetain = 200

type Options struct {
	// Retain bounds the snapshots table; negative keeps everything.
	Retain int
}

type Mirror struct {
	db      *sql.DB
	dialect Dialect
	retain  int
}

type CardRow struct {
	ID       string
	Rev      int64
	Revision int64
	Card     docstore.Record
}

// New wraps an open database. ApplyMigrations must have run.
func New(db *sql.DB, dialect Dialect, opts Options) *Mirror {
	retain := opts.Retain
	if retain == 0 {
		retain = DefaultRetain
	}
	return &Mirror{db: db, dialect: dialect, retain: retain}
}

// Connect opens databaseURL, migrates it and returns a ready Mirror.
func Connect(ctx context.Context, databaseURL string, opts Options) (*Mirror, error) {
	db, dialect, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, dialect, opts), nil
}

func (m *Mirror) Name() string { return "mirror" }

func (m *Mirror) Close() error { return m.db.Close() }

func (m *Mirror) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

// Apply stores the commit's snapshot and brings the cards table in line
// with it. When the mirror already holds the previous revision only the
// cards named in the commit are touched; otherwise every card is rewritten.
func (m *Mirror) Apply(ctx context.Context, commit docstore.Commit) error {
	doc := commit.Document
	if doc == nil {
		return fmt.Errorf("mirror: commit %d has no document", commit.Revision)
	}
	payload, err := docstore.Encode(doc)
	if err != nil {
		return fmt.Errorf("mirror: encode snapshot: %w", err)
	}
	at := commit.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest, err := latestRevision(ctx, tx)
	if err != nil {
		return err
	}
	restarted := false
	if latest >= commit.Revision {
		held, err := m.snapshotPayload(ctx, tx, commit.Revision)
		if err != nil {
			return err
		}
		if held == string(payload) {
			// Already mirrored, e.g. a retry after a lost commit acknowledgement.
			return nil
		}
		// The store numbers revisions from the seed again after reseeding
		// over an unreadable file. Everything from here on is stale.
		if _, err := tx.ExecContext(ctx, m.dialect.rebind(`DELETE FROM snapshots WHERE revision >= ?`), commit.Revision); err != nil {
			return fmt.Errorf("mirror: drop stale snapshots: %w", err)
		}
		restarted = true
	}

	if _, err := tx.ExecContext(ctx, m.dialect.rebind(`
		INSERT INTO snapshots (revision, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT (revision) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
	`), commit.Revision, string(payload), at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("mirror: insert snapshot %d: %w", commit.Revision, err)
	}

	if !restarted && latest == commit.Revision-1 && commit.Previous != nil {
		err = m.syncChanged(ctx, tx, commit)
	} else {
		err = m.syncAll(ctx, tx, commit.Revision, doc)
	}
	if err != nil {
		return err
	}

	if m.retain > 0 {
		if _, err := tx.ExecContext(ctx, m.dialect.rebind(`DELETE FROM snapshots WHERE revision <= ?`), commit.Revision-int64(m.retain)); err != nil {
			return fmt.Errorf("mirror: prune snapshots: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror: commit tx: %w", err)
	}
	return nil
}

func (m *Mirror) syncChanged(ctx context.Context, tx *sql.Tx, commit docstore.Commit) error {
	for _, id := range commit.Removed {
		if _, err := tx.ExecContext(ctx, m.dialect.rebind(`DELETE FROM cards WHERE id = ?`), id); err != nil {
			return fmt.Errorf("mirror: delete card %s: %w", id, err)
		}
	}
	for _, ids := range [][]string{commit.Added, commit.Changed} {
		for _, id := range ids {
			card, ok := commit.Document.FindCard(id)
			if !ok {
				continue
			}
			if err := m.upsertCard(ctx, tx, commit.Revision, id, card); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mirror) syncAll(ctx context.Context, tx *sql.Tx, revision int64, doc *docstore.Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards`); err != nil {
		return fmt.Errorf("mirror: clear cards: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Cards))
	for _, card := range doc.Cards {
		id, ok := docstore.RecordID(card)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := m.upsertCard(ctx, tx, revision, id, card); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) upsertCard(ctx context.Context, tx *sql.Tx, revision int64, id string, card docstore.Record) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("mirror: encode card %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, m.dialect.rebind(`
		INSERT INTO cards (id, rev, payload, revision) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET rev = excluded.rev, payload = excluded.payload, revision = excluded.revision
	`), id, docstore.CardRev(card), string(payload), revision)
	if err != nil {
		return fmt.Errorf("mirror: upsert card %s: %w", id, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// snapshotPayload returns the stored payload of revision, or "" when there
// is none.
func (m *Mirror) snapshotPayload(ctx context.Context, q querier, revision int64) (string, error) {
	var payload string
	err := q.QueryRowContext(ctx, m.dialect.rebind(`SELECT payload FROM snapshots WHERE revision = ?`), revision).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mirror: read snapshot %d: %w", revision, err)
	}
	return payload, nil
}

func latestRevision(ctx context.Context, q querier) (int64, error) {
	var latest sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(revision) FROM snapshots`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("mirror: read latest revision: %w", err)
	}
	return latest.Int64, nil
}

// LatestRevision returns the newest mirrored revision, or 0.
func (m *Mirror) LatestRevision(ctx context.Context) (int64, error) {
	return latestRevision(ctx, m.db)
}

func (m *Mirror) Snapshot(ctx context.Context, revision int64) (*docstore.Document, error) {
	var payload string
	err := m.db.QueryRowContext(ctx, m.dialect.rebind(`SELECT payload FROM snapshots WHERE revision = ?`), revision).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: read snapshot %d: %w", revision, err)
	}
	return docstore.Decode([]byte(payload))
}

func (m *Mirror) Card(ctx context.Context, id string) (CardRow, error) {
	row := CardRow{ID: id}
	var payload string
	err := m.db.QueryRowContext(ctx, m.dialect.rebind(`SELECT rev, payload, revision FROM cards WHERE id = ?`), id).
		Scan(&row.Rev, &payload, &row.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return CardRow{}, ErrNotFound
	}
	if err != nil {
		return CardRow{}, fmt.Errorf("mirror: read card %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &row.Card); err != nil {
		return CardRow{}, fmt.Errorf("mirror: decode card %s: %w", id, err)
	}
	return row, nil
}

func (m *Mirror) CountCards(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`).Scan(&n); err != nil {
		return 0, fmt.Errorf("mirror: count cards: %w", err)
	}
	return n, nil
}
