package document

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/rohanthewiz/serr"
)

// Collection names the top-level sections of a document.
type Collection string

const (
	Books          Collection = "books"
	Annotations    Collection = "annotations"
	LexiconRules   Collection = "lexiconRules"
	ReadingHistory Collection = "readingHistory"
	Preferences    Collection = "preferences"
)

// Collections lists every collection in serialization order.
var Collections = []Collection{Books, Annotations, LexiconRules, ReadingHistory, Preferences}

// PositionField is the lexicon rule field holding the fractional order key.
const PositionField = "position"

// StateField addresses the removal register of a reading history visit.
const StateField = "state"

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Books, Annotations, LexiconRules, ReadingHistory, Preferences:
		return true
	}
	return false
}

func (c Collection) keyed() bool {
	return c == Books || c == Annotations || c == LexiconRules
}

// Record is a keyed entry: books, annotations and lexicon rules.
// Life records entry deletion; a zero Life means the entry was never
// deleted. Each field is merged independently.
type Record struct {
	Life   Register            `json:"life" msgpack:"life"`
	Fields map[string]Register `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// Deleted reports whether the entry is tombstoned.
func (r Record) Deleted() bool {
	return r.Life.Tombstone
}

func (r Record) clone() Record {
	out := Record{Life: r.Life.clone()}
	if r.Fields != nil {
		out.Fields = make(map[string]Register, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v.clone()
		}
	}
	return out
}

// Visit is one reading history entry. At and Value never change after
// creation; State carries removal and can be revived by a newer write.
type Visit struct {
	At    Timestamp       `json:"at" msgpack:"at"`
	Value json.RawMessage `json:"v,omitempty" msgpack:"v,omitempty"`
	State Register        `json:"state" msgpack:"state"`
}

// Removed reports whether the visit is hidden.
func (v Visit) Removed() bool {
	return v.State.Tombstone
}

// ContentBefore reports whether a's content takes precedence over b's when
// both claim the same visit id. Content beats a bare removal; otherwise the
// earlier visit wins and bytes break ties.
func ContentBefore(a, b Visit) bool {
	if a.Value == nil && b.Value == nil {
		return a.At.Compare(b.At) < 0
	}
	if a.Value == nil || b.Value == nil {
		return b.Value == nil
	}
	if c := a.At.Compare(b.At); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

// Document is the mergeable container for all synchronized user data.
// Treat a *Document as immutable once published: Apply, Merge and Compact
// return new documents and never modify their inputs.
type Document struct {
	Books          map[string]Record   `json:"books" msgpack:"books"`
	Annotations    map[string]Record   `json:"annotations" msgpack:"annotations"`
	LexiconRules   map[string]Record   `json:"lexiconRules" msgpack:"lexiconRules"`
	ReadingHistory map[string]Visit    `json:"readingHistory" msgpack:"readingHistory"`
	Preferences    map[string]Register `json:"preferences" msgpack:"preferences"`
}

// New returns an empty document.
func New() *Document {
	return &Document{
		Books:          map[string]Record{},
		Annotations:    map[string]Record{},
		LexiconRules:   map[string]Record{},
		ReadingHistory: map[string]Visit{},
		Preferences:    map[string]Register{},
	}
}

// Records returns the keyed map for c, or nil for non-keyed collections.
func (d *Document) Records(c Collection) map[string]Record {
	switch c {
	case Books:
		return d.Books
	case Annotations:
		return d.Annotations
	case LexiconRules:
		return d.LexiconRules
	}
	return nil
}

// Clone returns a deep copy of d. A nil document clones to an empty one.
func (d *Document) Clone() *Document {
	out := New()
	if d == nil {
		return out
	}
	for _, c := range []Collection{Books, Annotations, LexiconRules} {
		dst := out.Records(c)
		for id, rec := range d.Records(c) {
			dst[id] = rec.clone()
		}
	}
	for id, v := range d.ReadingHistory {
		if v.Value != nil {
			v.Value = append(json.RawMessage{}, v.Value...)
		}
		v.State = v.State.clone()
		out.ReadingHistory[id] = v
	}
	for k, r := range d.Preferences {
		out.Preferences[k] = r.clone()
	}
	return out
}

// normalize replaces nil maps after decoding.
func (d *Document) normalize() {
	if d.Books == nil {
		d.Books = map[string]Record{}
	}
	if d.Annotations == nil {
		d.Annotations = map[string]Record{}
	}
	if d.LexiconRules == nil {
		d.LexiconRules = map[string]Record{}
	}
	if d.ReadingHistory == nil {
		d.ReadingHistory = map[string]Visit{}
	}
	if d.Preferences == nil {
		d.Preferences = map[string]Register{}
	}
}

// Equal reports whether a and b hold identical state, timestamps included.
func Equal(a, b *Document) bool {
	ab, err := json.Marshal(a.Clone())
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b.Clone())
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// ============================================================================
// Updates
// ============================================================================

// Update is one immutable field-level change. Field addresses:
//   - keyed collections: "" is the entry itself (delete / revive), any other
//     name is a field of the entry
//   - readingHistory: "" creates the visit with Value as its content,
//     StateField removes or revives it
//   - preferences: EntryID is the key, Field is unused
type Update struct {
	Collection Collection      `json:"c" msgpack:"c"`
	EntryID    string          `json:"id" msgpack:"id"`
	Field      string          `json:"f,omitempty" msgpack:"f,omitempty"`
	Value      json.RawMessage `json:"v,omitempty" msgpack:"v,omitempty"`
	Tombstone  bool            `json:"x,omitempty" msgpack:"x,omitempty"`
	TS         Timestamp       `json:"ts" msgpack:"ts"`
}

// Origin returns the id of the device that produced the update.
func (u Update) Origin() string {
	return u.TS.Device
}

// Validate checks that the update addresses something that exists.
func (u Update) Validate() error {
	if !u.Collection.Valid() {
		return serr.New("unknown collection: " + string(u.Collection))
	}
	if u.EntryID == "" {
		return serr.New("entry id is required")
	}
	if u.TS.IsZero() {
		return serr.New("update timestamp is required")
	}
	if u.Collection == ReadingHistory && u.Field != "" && u.Field != StateField {
		return serr.New("reading history visits are immutable, field: " + u.Field)
	}
	if u.Collection == ReadingHistory && u.Field == "" && u.Value == nil {
		return serr.New("reading history visit needs content")
	}
	if !u.Tombstone && u.Value != nil && !json.Valid(u.Value) {
		return serr.New("update value is not valid JSON")
	}
	return nil
}

func (u Update) register() Register {
	r := Register{TS: u.TS, Tombstone: u.Tombstone}
	if !u.Tombstone {
		r.Value = append(json.RawMessage(nil), u.Value...)
	}
	return r
}

// Apply returns a new document with the updates applied and the number
// of updates that changed anything. An update whose timestamp is not newer
// than the register it targets is dropped, so replays are no-ops.
// When nothing applies, d itself is returned.
func (d *Document) Apply(updates ...Update) (*Document, int) {
	out := d.Clone()
	applied := 0
	for _, u := range updates {
		if out.applyInPlace(u) {
			applied++
		}
	}
	if applied == 0 && d != nil {
		return d, 0
	}
	return out, applied
}

func (d *Document) applyInPlace(u Update) bool {
	if u.Validate() != nil {
		return false
	}
	reg := u.register()

	switch {
	case u.Collection.keyed():
		recs := d.Records(u.Collection)
		rec := recs[u.EntryID]
		if u.Field == "" {
			if !reg.Wins(rec.Life) {
				return false
			}
			reg.Value = nil
			rec.Life = reg
		} else {
			if cur, ok := rec.Fields[u.Field]; ok && !reg.Wins(cur) {
				return false
			}
			if rec.Fields == nil {
				rec.Fields = map[string]Register{}
			}
			rec.Fields[u.Field] = reg
		}
		recs[u.EntryID] = rec
		return true

	case u.Collection == ReadingHistory:
		v, exists := d.ReadingHistory[u.EntryID]
		if u.Field == "" {
			created := Visit{
				At:    u.TS,
				Value: append(json.RawMessage{}, u.Value...),
				State: Register{TS: u.TS, Tombstone: u.Tombstone},
			}
			if !exists {
				d.ReadingHistory[u.EntryID] = created
				return true
			}
			changed := false
			if ContentBefore(created, v) {
				v.At, v.Value = created.At, created.Value
				changed = true
			}
			if created.State.Wins(v.State) {
				v.State = created.State
				changed = true
			}
			if changed {
				d.ReadingHistory[u.EntryID] = v
			}
			return changed
		}

		reg.Value = nil
		if !exists {
			// A removal can arrive before the visit it removes; keep the
			// state so the later creation stays hidden.
			d.ReadingHistory[u.EntryID] = Visit{At: u.TS, State: reg}
			return true
		}
		changed := false
		if v.Value == nil && u.TS.Compare(v.At) < 0 {
			v.At = u.TS
			changed = true
		}
		if reg.Wins(v.State) {
			v.State = reg
			changed = true
		}
		if changed {
			d.ReadingHistory[u.EntryID] = v
		}
		return changed

	case u.Collection == Preferences:
		if cur, ok := d.Preferences[u.EntryID]; ok && !reg.Wins(cur) {
			return false
		}
		d.Preferences[u.EntryID] = reg
		return true
	}
	return false
}

// Diff returns the updates present in b that a has not seen: applying them
// to a yields the same document as merging b into a. The result is sorted
// by timestamp and then by address so it is stable across runs.
func Diff(a, b *Document) []Update {
	if a == nil {
		a = New()
	}
	if b == nil {
		return nil
	}
	var out []Update

	for _, c := range []Collection{Books, Annotations, LexiconRules} {
		have := a.Records(c)
		for id, rec := range b.Records(c) {
			cur := have[id]
			if !rec.Life.TS.IsZero() && rec.Life.Wins(cur.Life) {
				out = append(out, Update{Collection: c, EntryID: id, Tombstone: rec.Life.Tombstone, TS: rec.Life.TS})
			}
			for field, reg := range rec.Fields {
				if old, ok := cur.Fields[field]; ok && !reg.Wins(old) {
					continue
				}
				out = append(out, updateFor(c, id, field, reg))
			}
		}
	}

	for id, v := range b.ReadingHistory {
		cur, ok := a.ReadingHistory[id]
		if v.Value != nil && (!ok || cur.Value == nil) {
			out = append(out, Update{Collection: ReadingHistory, EntryID: id, Value: v.Value, TS: v.At})
		}
		if v.State.TS != v.At || v.State.Tombstone {
			if !ok || v.State.Wins(cur.State) {
				out = append(out, Update{Collection: ReadingHistory, EntryID: id, Field: StateField, Tombstone: v.State.Tombstone, TS: v.State.TS})
			}
		}
	}

	for key, reg := range b.Preferences {
		if old, ok := a.Preferences[key]; ok && !reg.Wins(old) {
			continue
		}
		out = append(out, updateFor(Preferences, key, "", reg))
	}

	SortUpdates(out)
	return out
}

func updateFor(c Collection, id, field string, reg Register) Update {
	return Update{Collection: c, EntryID: id, Field: field, Value: reg.Value, Tombstone: reg.Tombstone, TS: reg.TS}
}

// SortUpdates orders updates by timestamp, then collection, entry and field.
func SortUpdates(updates []Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i], updates[j]
		if c := a.TS.Compare(b.TS); c != 0 {
			return c < 0
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		if a.EntryID != b.EntryID {
			return a.EntryID < b.EntryID
		}
		return a.Field < b.Field
	})
}
