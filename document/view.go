package document

import (
	"encoding/json"
	"sort"
)

// View is the read-only projection handed to the UI: live values only,
// tombstones hidden, no timestamps. Two documents with equal views
// marshal to identical JSON.
type View struct {
	Books          map[string]Entry           `json:"books"`
	Annotations    map[string]Entry           `json:"annotations"`
	LexiconRules   []Rule                     `json:"lexiconRules"`
	ReadingHistory []HistoryEntry             `json:"readingHistory"`
	Preferences    map[string]json.RawMessage `json:"preferences"`
}

// Entry maps field names to their current values.
type Entry map[string]json.RawMessage

// Rule is a lexicon rule in display order.
type Rule struct {
	ID     string `json:"id"`
	Fields Entry  `json:"fields"`
}

// Position returns the rule's order key, or "" when it has none.
func (r Rule) Position() string {
	return positionOf(r.Fields[PositionField])
}

// HistoryEntry is a visible reading history visit.
type HistoryEntry struct {
	ID    string          `json:"id"`
	At    int64           `json:"at"`
	Value json.RawMessage `json:"value"`
}

// View projects d for readers.
func (d *Document) View() View {
	if d == nil {
		d = New()
	}
	v := View{
		Books:          entries(d.Books),
		Annotations:    entries(d.Annotations),
		LexiconRules:   []Rule{},
		ReadingHistory: []HistoryEntry{},
		Preferences:    map[string]json.RawMessage{},
	}

	for id, rec := range d.LexiconRules {
		if rec.Deleted() {
			continue
		}
		v.LexiconRules = append(v.LexiconRules, Rule{ID: id, Fields: liveFields(rec)})
	}
	SortRules(v.LexiconRules)

	type visitKey struct {
		id string
		at Timestamp
	}
	var keys []visitKey
	for id, visit := range d.ReadingHistory {
		if visit.Removed() || visit.Value == nil {
			continue
		}
		keys = append(keys, visitKey{id, visit.At})
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].at.Compare(keys[j].at); c != 0 {
			return c < 0
		}
		return keys[i].id < keys[j].id
	})
	for _, k := range keys {
		visit := d.ReadingHistory[k.id]
		v.ReadingHistory = append(v.ReadingHistory, HistoryEntry{ID: k.id, At: visit.At.Time, Value: copyRaw(visit.Value)})
	}

	for key, reg := range d.Preferences {
		if reg.Live() {
			v.Preferences[key] = copyRaw(reg.Value)
		}
	}
	return v
}

// SortRules orders rules by position key, breaking ties by id so that
// concurrent moves to the same slot settle identically on every device.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		pi, pj := rules[i].Position(), rules[j].Position()
		if pi != pj {
			return pi < pj
		}
		return rules[i].ID < rules[j].ID
	})
}

func entries(recs map[string]Record) map[string]Entry {
	out := make(map[string]Entry, len(recs))
	for id, rec := range recs {
		if rec.Deleted() {
			continue
		}
		out[id] = liveFields(rec)
	}
	return out
}

func liveFields(rec Record) Entry {
	e := Entry{}
	for name, reg := range rec.Fields {
		if reg.Live() {
			e[name] = copyRaw(reg.Value)
		}
	}
	return e
}

// copyRaw gives views their own bytes so callers cannot write into the
// document.
func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func positionOf(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
