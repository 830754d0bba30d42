package search

import (
	"strings"

	"shopfloor/internal/docstore"
)

// Memory scans the committed document's cards. It is always available and
// serves queries whenever Meilisearch is not.
type Memory struct {
	source func() *docstore.Document
}

func NewMemory(source func() *docstore.Document) *Memory {
	return &Memory{source: source}
}

func (m *Memory) Healthy() bool {
	return true
}

// Search matches every whitespace-separated term, case-insensitively,
// against the card's flattened text. Results keep document order.
func (m *Memory) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	doc := m.source()
	if doc == nil {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var results []Result
	total := 0
	for _, card := range doc.Cards {
		rec, ok := CardRecordFrom(card)
		if !ok {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		haystack := strings.ToLower(rec.Text + " " + rec.ID)
		if !containsAll(haystack, terms) {
			continue
		}
		total++
		if total <= offset || len(results) >= limit {
			continue
		}
		results = append(results, Result{
			ID:      rec.ID,
			Rev:     rec.Rev,
			Title:   rec.Title,
			Number:  rec.Number,
			Status:  rec.Status,
			Snippet: snippet(rec.Text, terms[0]),
		})
	}
	return results, total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// snippet returns up to 30 words of text around the first match of term.
func snippet(text, term string) string {
	words := strings.Fields(text)
	at := 0
	for i, word := range words {
		if strings.Contains(strings.ToLower(word), term) {
			at = i
			break
		}
	}
	start := at - 10
	if start < 0 {
		start = 0
	}
	end := start + 30
	if end > len(words) {
		end = len(words)
	}
	return strings.Join(words[start:end], " ")
}
