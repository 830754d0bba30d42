package search

import (
	"sort"
	"strings"

	"shopfloor/internal/docstore"
)

// Result is a single card hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Rev     int64  `json:"rev"`
	Title   string `json:"title"`
	Number  string `json:"number,omitempty"`
	Status  string `json:"status,omitempty"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Status string // empty = any status
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID     string `json:"id"`
	Rev    int64  `json:"rev"`
	Title  string `json:"title"`
	Number string `json:"number"`
	Status string `json:"status"`
	Text   string `json:"text"`
}

var (
	titleFields  = []string{"name", "title", "itemName", "number"}
	numberFields = []string{"number", "orderNo", "barcode"}
)

// CardRecordFrom flattens a stored card into its indexed form. Cards
// without an id are not indexable.
func CardRecordFrom(card docstore.Record) (CardRecord, bool) {
	id, ok := docstore.RecordID(card)
	if !ok {
		return CardRecord{}, false
	}
	rec := CardRecord{
		ID:     id,
		Rev:    docstore.CardRev(card),
		Title:  firstField(card, titleFields),
		Number: firstField(card, numberFields),
		Status: firstField(card, []string{"status"}),
	}
	if rec.Title == "" {
		rec.Title = id
	}

	keys := make([]string, 0, len(card))
	for key := range card {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		if s, ok := card[key].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	rec.Text = strings.Join(parts, " ")
	return rec, true
}

func firstField(card docstore.Record, keys []string) string {
	for _, key := range keys {
		if s, ok := card[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
