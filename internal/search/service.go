package search

import (
	"context"

	"github.com/rs/zerolog"

	"shopfloor/internal/docstore"
)

// Service is the facade that tries Meilisearch first and falls back to
// scanning the committed document.
type Service struct {
	meili  *Meili
	memory *Memory
	log    zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, memory *Memory, logger zerolog.Logger) *Service {
	s := &Service{
		meili:  meili,
		memory: memory,
		log:    logger.With().Str("component", "search").Logger(),
	}
	if meili != nil && memory != nil {
		meili.OnRecover(func() { s.ReindexAll(memory.source()) })
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to the
// in-memory scan.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to memory scan")
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("memory search failed")
		return Response{Results: []Result{}, Query: q.Text, Backend: "memory"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "memory"}
}

func (s *Service) Name() string { return "search" }

// Apply pushes the commit's added and changed cards to Meilisearch and drops
// removed ones. A commit without a previous document reindexes every card.
// Without a healthy index it does nothing; ReindexAll catches up once the
// index is back.
func (s *Service) Apply(_ context.Context, commit docstore.Commit) error {
	if s.meili == nil || !s.meili.Healthy() || commit.Document == nil {
		return nil
	}
	if commit.Previous == nil {
		return s.indexAll(commit.Document)
	}
	var cards []CardRecord
	for _, ids := range [][]string{commit.Added, commit.Changed} {
		for _, id := range ids {
			card, ok := commit.Document.FindCard(id)
			if !ok {
				continue
			}
			if rec, ok := CardRecordFrom(card); ok {
				cards = append(cards, rec)
			}
		}
	}
	if err := s.meili.IndexCards(cards); err != nil {
		return err
	}
	return s.meili.DeleteCards(commit.Removed)
}

// ReindexAll pushes every card of doc to Meilisearch.
func (s *Service) ReindexAll(doc *docstore.Document) {
	if s.meili == nil || !s.meili.Healthy() || doc == nil {
		return
	}
	if err := s.indexAll(doc); err != nil {
		s.log.Error().Err(err).Int("cards", len(doc.Cards)).Msg("reindex cards")
	}
}

func (s *Service) indexAll(doc *docstore.Document) error {
	cards := make([]CardRecord, 0, len(doc.Cards))
	for _, card := range doc.Cards {
		if rec, ok := CardRecordFrom(card); ok {
			cards = append(cards, rec)
		}
	}
	return s.meili.IndexCards(cards)
}

func (s *Service) Backend() string {
	if s.meili != nil && s.meili.Healthy() {
		return "meilisearch"
	}
	return "memory"
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
