package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	revisionField   = "revision"
	idField         = "id"
	departmentField = "departmentId"
)

// recordFixups holds the per-collection record rules. Collections without an
// entry are kept as they are.
var recordFixups = map[string]func(Record){
	CollectionUsers: normalizeUser,
}

// Normalize coerces an arbitrary parsed payload into a canonical Document.
// It never fails: anything missing or malformed resolves to a default.
func Normalize(raw any) *Document {
	obj, _ := raw.(map[string]any)
	doc := &Document{}
	for _, c := range collections {
		*c.field(doc) = normalizeRecords(c.name, obj[c.name])
	}
	doc.Meta = normalizeMeta(obj[metaField])
	return doc
}

// Normalize returns a canonical copy of d.
func (d *Document) Normalize() *Document {
	return normalizeDocument(d)
}

// normalizeDocument applies the same rules as Normalize to a typed document,
// typically the value a mutator handed back. The result never aliases the
// input's slices or top-level record maps.
func normalizeDocument(d *Document) *Document {
	if d == nil {
		return Normalize(nil)
	}
	doc := &Document{}
	for _, c := range collections {
		*c.field(doc) = normalizeRecords(c.name, *c.field(d))
	}
	doc.Meta = Meta{Revision: d.Meta.Revision}
	if len(d.Meta.Extra) > 0 {
		extra := make(map[string]any, len(d.Meta.Extra))
		for key, value := range d.Meta.Extra {
			if key == revisionField {
				continue
			}
			extra[key] = value
		}
		if len(extra) > 0 {
			doc.Meta.Extra = extra
		}
	}
	return doc
}

func normalizeRecords(name string, raw any) []Record {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []Record:
		items = make([]any, len(v))
		for i, rec := range v {
			if rec != nil {
				items[i] = rec
			}
		}
	default:
		return []Record{}
	}

	fixup := recordFixups[name]
	out := make([]Record, 0, len(items))
	for _, item := range items {
		src, ok := item.(map[string]any)
		if !ok || src == nil {
			continue
		}
		rec := make(Record, len(src))
		for key, value := range src {
			rec[key] = value
		}
		if fixup != nil {
			fixup(rec)
		}
		out = append(out, rec)
	}
	return out
}

func normalizeMeta(raw any) Meta {
	meta := Meta{Revision: 1}
	obj, ok := raw.(map[string]any)
	if !ok {
		return meta
	}
	if rev, ok := numberValue(obj[revisionField]); ok {
		meta.Revision = rev
	}
	for key, value := range obj {
		if key == revisionField {
			continue
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]any, len(obj))
		}
		meta.Extra[key] = value
	}
	return meta
}

func normalizeUser(rec Record) {
	if dept, ok := stringValue(rec[departmentField]); ok && dept != "" {
		rec[departmentField] = dept
	} else {
		rec[departmentField] = nil
	}

	if id, ok := stringValue(rec[idField]); ok && id != "" {
		rec[idField] = id
		return
	}
	delete(rec, idField)
	rec[idField] = derivedUserID(rec)
}

// derivedUserID gives id-less users a stable identity computed from their
// content, so repeated normalization keeps producing the same value.
func derivedUserID(rec Record) string {
	sum := sha256.Sum256([]byte(signatureExcluding(rec, idField)))
	return "user-" + hex.EncodeToString(sum[:])[:12]
}

// RecordID returns the record's identity as a non-empty string.
func RecordID(rec Record) (string, bool) {
	id, ok := stringValue(rec[idField])
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func stringValue(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

func numberValue(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
		if math.IsNaN(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return numberValue(float64(v))
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return numberValue(f)
		}
		return 0, false
	default:
		return 0, false
	}
}
