// Package docstore is the persistence layer behind every shopfloor
// collection. The whole data set lives in one JSON document that is held in
// memory, replaced one mutation at a time, and written through to disk
// before any reader can observe the new version.
package docstore

import (
	"encoding/json"
)

// Record is one entry of a collection.
type Record = map[string]any

// Meta carries the store-wide write clock plus any extra fields found on
// disk. Extra fields survive normalization untouched.
type Meta struct {
	Revision int64
	Extra    map[string]any
}

func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for key, value := range m.Extra {
		out[key] = value
	}
	out[revisionField] = m.Revision
	return json.Marshal(out)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = normalizeMeta(raw)
	return nil
}

// Document is the root aggregate persisted by the store.
type Document struct {
	Cards                []Record `json:"cards"`
	Ops                  []Record `json:"ops"`
	Centers              []Record `json:"centers"`
	Areas                []Record `json:"areas"`
	Users                []Record `json:"users"`
	AccessLevels         []Record `json:"accessLevels"`
	Messages             []Record `json:"messages"`
	ChatConversations    []Record `json:"chatConversations"`
	ChatMessages         []Record `json:"chatMessages"`
	ChatStates           []Record `json:"chatStates"`
	UserVisits           []Record `json:"userVisits"`
	UserActions          []Record `json:"userActions"`
	ProductionSchedule   []Record `json:"productionSchedule"`
	ProductionShiftTimes []Record `json:"productionShiftTimes"`
	ProductionShiftTasks []Record `json:"productionShiftTasks"`
	ProductionShifts     []Record `json:"productionShifts"`
	Meta                 Meta     `json:"meta"`
}

const (
	CollectionCards                = "cards"
	CollectionOps                  = "ops"
	CollectionCenters              = "centers"
	CollectionAreas                = "areas"
	CollectionUsers                = "users"
	CollectionAccessLevels         = "accessLevels"
	CollectionMessages             = "messages"
	CollectionChatConversations    = "chatConversations"
	CollectionChatMessages         = "chatMessages"
	CollectionChatStates           = "chatStates"
	CollectionUserVisits           = "userVisits"
	CollectionUserActions          = "userActions"
	CollectionProductionSchedule   = "productionSchedule"
	CollectionProductionShiftTimes = "productionShiftTimes"
	CollectionProductionShiftTasks = "productionShiftTasks"
	CollectionProductionShifts     = "productionShifts"
)

const metaField = "meta"

type collection struct {
	name  string
	field func(*Document) *[]Record
}

// collections lists every known collection in persisted order.
var collections = []collection{
	{CollectionCards, func(d *Document) *[]Record { return &d.Cards }},
	{CollectionOps, func(d *Document) *[]Record { return &d.Ops }},
	{CollectionCenters, func(d *Document) *[]Record { return &d.Centers }},
	{CollectionAreas, func(d *Document) *[]Record { return &d.Areas }},
	{CollectionUsers, func(d *Document) *[]Record { return &d.Users }},
	{CollectionAccessLevels, func(d *Document) *[]Record { return &d.AccessLevels }},
	{CollectionMessages, func(d *Document) *[]Record { return &d.Messages }},
	{CollectionChatConversations, func(d *Document) *[]Record { return &d.ChatConversations }},
	{CollectionChatMessages, func(d *Document) *[]Record { return &d.ChatMessages }},
	{CollectionChatStates, func(d *Document) *[]Record { return &d.ChatStates }},
	{CollectionUserVisits, func(d *Document) *[]Record { return &d.UserVisits }},
	{CollectionUserActions, func(d *Document) *[]Record { return &d.UserActions }},
	{CollectionProductionSchedule, func(d *Document) *[]Record { return &d.ProductionSchedule }},
	{CollectionProductionShiftTimes, func(d *Document) *[]Record { return &d.ProductionShiftTimes }},
	{CollectionProductionShiftTasks, func(d *Document) *[]Record { return &d.ProductionShiftTasks }},
	{CollectionProductionShifts, func(d *Document) *[]Record { return &d.ProductionShifts }},
}

// CollectionNames returns the known collection names in persisted order.
func CollectionNames() []string {
	names := make([]string, 0, len(collections))
	for _, c := range collections {
		names = append(names, c.name)
	}
	return names
}

// Collection returns the named collection. The slice is the document's own
// storage; callers holding a committed document must not modify it.
func (d *Document) Collection(name string) ([]Record, bool) {
	if d == nil {
		return nil, false
	}
	for _, c := range collections {
		if c.name == name {
			return *c.field(d), true
		}
	}
	return nil, false
}

// SetCollection replaces the named collection on a draft.
func (d *Document) SetCollection(name string, records []Record) bool {
	for _, c := range collections {
		if c.name == name {
			*c.field(d) = records
			return true
		}
	}
	return false
}

// FindCard returns the first card whose id matches.
func (d *Document) FindCard(id string) (Record, bool) {
	if d == nil {
		return nil, false
	}
	for _, card := range d.Cards {
		if cardID, ok := RecordID(card); ok && cardID == id {
			return card, true
		}
	}
	return nil, false
}

// Clone returns a structural deep copy sharing no mutable state with d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		Meta: Meta{Revision: d.Meta.Revision},
	}
	if d.Meta.Extra != nil {
		out.Meta.Extra = cloneMap(d.Meta.Extra)
	}
	for _, c := range collections {
		src := *c.field(d)
		if src == nil {
			continue
		}
		dst := make([]Record, len(src))
		for i, rec := range src {
			if rec != nil {
				dst[i] = cloneMap(rec)
			}
		}
		*c.field(out) = dst
	}
	return out
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = cloneValue(value)
	}
	return dst
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	default:
		// Anything else is copied through its JSON form, which is what
		// the document turns into on disk anyway.
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return v
		}
		return out
	}
}
