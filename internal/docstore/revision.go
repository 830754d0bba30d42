package docstore

import (
	"encoding/json"
	"fmt"
)

// RevField is the per-card content revision maintained by ApplyRevisions.
const RevField = "rev"

// Signature is the content signature of a record: its canonical JSON form
// without the rev field. encoding/json sorts map keys, so equal content
// always yields the same signature regardless of insertion order.
func Signature(rec Record) string {
	return signatureExcluding(rec, RevField)
}

func signatureExcluding(rec Record, skip string) string {
	stripped := make(map[string]any, len(rec))
	for key, value := range rec {
		if key == skip {
			continue
		}
		stripped[key] = value
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Sprintf("%v", stripped)
	}
	return string(data)
}

// ApplyRevisions sets rev on every card of next by comparing it with the
// card of the same id in prev. next is updated in place and returned.
func ApplyRevisions(prev, next *Document) *Document {
	if next == nil {
		return nil
	}
	previous := indexCards(prev)
	for _, card := range next.Cards {
		id, ok := RecordID(card)
		var old Record
		if ok {
			old = previous[id]
		}
		if old == nil {
			card[RevField] = int64(1)
			continue
		}

		prevRev, ok := numberValue(old[RevField])
		if !ok {
			prevRev = 1
		}
		if Signature(old) != Signature(card) {
			card[RevField] = prevRev + 1
			continue
		}
		if own, ok := numberValue(card[RevField]); ok {
			card[RevField] = own
		} else {
			card[RevField] = prevRev
		}
	}
	return next
}

// CardRev reports the rev of a card, defaulting to 0 when unset.
func CardRev(card Record) int64 {
	rev, _ := numberValue(card[RevField])
	return rev
}

func indexCards(doc *Document) map[string]Record {
	if doc == nil {
		return map[string]Record{}
	}
	index := make(map[string]Record, len(doc.Cards))
	for _, card := range doc.Cards {
		id, ok := RecordID(card)
		if !ok {
			continue
		}
		if _, seen := index[id]; seen {
			continue
		}
		index[id] = card
	}
	return index
}

// diffCards lists card ids that appeared, changed rev, or disappeared
// between two committed documents.
func diffCards(prev, next *Document) (added, changed, removed []string) {
	before := indexCards(prev)
	seen := make(map[string]struct{}, len(next.Cards))
	for _, card := range next.Cards {
		id, ok := RecordID(card)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		old, existed := before[id]
		switch {
		case !existed:
			added = append(added, id)
		case CardRev(old) != CardRev(card):
			changed = append(changed, id)
		}
	}
	if prev == nil {
		return added, changed, removed
	}
	for _, card := range prev.Cards {
		id, ok := RecordID(card)
		if !ok {
			continue
		}
		if _, still := seen[id]; still {
			continue
		}
		seen[id] = struct{}{}
		removed = append(removed, id)
	}
	return added, changed, removed
}
