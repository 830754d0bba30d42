package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"shopfloor/internal/docstore"
)

func docAt(revision int64, cards ...docstore.Record) *docstore.Document {
	doc := docstore.Normalize(nil)
	doc.Cards = cards
	doc.Meta.Revision = revision
	return doc
}

func TestRecordAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	svc := New(dir)

	first, err := svc.Record(1, docAt(1), "seed")
	if err != nil {
		t.Fatalf("Record(1) error = %v", err)
	}
	if first.Revision != 1 || first.Message != "seed" || first.Hash == "" {
		t.Fatalf("entry = %+v", first)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("repository not initialized: %v", err)
	}

	card := docstore.Record{"id": "c1", "name": "Bracket", "rev": int64(1)}
	if _, err := svc.Record(2, docAt(2, card), "add card"); err != nil {
		t.Fatalf("Record(2) error = %v", err)
	}

	entries, err := svc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Revision != 2 || entries[1].Revision != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	limited, err := svc.History(1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(1) = %v, %v", limited, err)
	}

	snap, err := svc.SnapshotAt(2)
	if err != nil {
		t.Fatalf("SnapshotAt(2) error = %v", err)
	}
	if snap.Meta.Revision != 2 || len(snap.Cards) != 1 || snap.Cards[0]["name"] != "Bracket" {
		t.Fatalf("snapshot = %+v", snap)
	}
	old, err := svc.SnapshotAt(1)
	if err != nil || len(old.Cards) != 0 {
		t.Fatalf("SnapshotAt(1) = %+v, %v", old, err)
	}
	if _, err := svc.SnapshotAt(9); !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("SnapshotAt(9) error = %v", err)
	}
}

func TestHistoryReopensExistingRepository(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir).Record(1, docAt(1), "seed"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entries, err := New(dir).History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Revision != 1 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHistoryEmptyRepository(t *testing.T) {
	entries, err := New(t.TempDir()).History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestApplySummarizesCommit(t *testing.T) {
	svc := New(t.TempDir())
	commit := docstore.Commit{
		Revision: 4,
		Document: docAt(4, docstore.Record{"id": "c1", "rev": int64(1)}),
		Added:    []string{"c1"},
	}
	if err := svc.Apply(context.Background(), commit); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// Replays of a recorded revision are ignored.
	if err := svc.Apply(context.Background(), commit); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	entries, err := svc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Message != "revision 4: cards +1 ~0 -0" || entries[0].Revision != 4 {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestApplyStartsNewLineAfterReseed(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	for rev := int64(1); rev <= 3; rev++ {
		doc := docAt(rev, docstore.Record{"id": "old", "step": float64(rev)})
		if err := svc.Apply(ctx, docstore.Commit{Revision: rev, Document: doc}); err != nil {
			t.Fatalf("Apply(%d) error = %v", rev, err)
		}
	}

	// The store was reseeded and counts from 1 again with other content.
	baseline := docAt(1, docstore.Record{"id": "fresh", "rev": int64(1)})
	if err := svc.Apply(ctx, docstore.Commit{Revision: 1, Document: baseline}); err != nil {
		t.Fatalf("Apply(baseline) error = %v", err)
	}
	next := docAt(2, docstore.Record{"id": "fresh", "rev": int64(1)}, docstore.Record{"id": "n1", "rev": int64(1)})
	if err := svc.Apply(ctx, docstore.Commit{Revision: 2, Previous: baseline, Document: next, Added: []string{"n1"}}); err != nil {
		t.Fatalf("Apply(2) error = %v", err)
	}

	snap, err := svc.SnapshotAt(1)
	if err != nil || len(snap.Cards) != 1 || snap.Cards[0]["id"] != "fresh" {
		t.Fatalf("SnapshotAt(1) = %+v, %v", snap, err)
	}
	snap, err = svc.SnapshotAt(2)
	if err != nil || len(snap.Cards) != 2 {
		t.Fatalf("SnapshotAt(2) = %+v, %v", snap, err)
	}
	if _, err := svc.SnapshotAt(3); !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("SnapshotAt(3) error = %v, want ErrUnknownRevision", err)
	}

	entries, err := svc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 5 || entries[0].Revision != 2 || entries[1].Message != "restart at revision 1" {
		t.Fatalf("entries = %+v", entries)
	}

	// Delivering the latest commit again changes nothing.
	if err := svc.Apply(ctx, docstore.Commit{Revision: 2, Previous: baseline, Document: next, Added: []string{"n1"}}); err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if again, _ := svc.History(0); len(again) != 5 {
		t.Fatalf("replay recorded a commit: %+v", again)
	}
}
