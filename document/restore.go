package document

import (
	"bytes"
	"sort"
)

// RestoreUpdates returns the updates that turn the visible state of live
// into the visible state of target. Each update is stamped by next, so the
// restore travels to other devices as ordinary newer writes.
func RestoreUpdates(live, target *Document, next func() Timestamp) []Update {
	if live == nil {
		live = New()
	}
	if target == nil {
		target = New()
	}
	var out []Update

	for _, c := range []Collection{Books, Annotations, LexiconRules} {
		have, want := live.Records(c), target.Records(c)
		for _, id := range sortedKeys(have) {
			rec := have[id]
			if w, ok := want[id]; (!ok || w.Deleted()) && !rec.Deleted() {
				out = append(out, Update{Collection: c, EntryID: id, Tombstone: true, TS: next()})
			}
		}
		for _, id := range sortedKeys(want) {
			w := want[id]
			if w.Deleted() {
				continue
			}
			rec, exists := have[id]
			if !exists || rec.Deleted() {
				out = append(out, Update{Collection: c, EntryID: id, TS: next()})
			}
			wantFields, haveFields := liveFields(w), liveFields(rec)
			for _, name := range sortedKeys(wantFields) {
				if cur, ok := haveFields[name]; ok && bytes.Equal(cur, wantFields[name]) {
					continue
				}
				out = append(out, Update{Collection: c, EntryID: id, Field: name, Value: wantFields[name], TS: next()})
			}
			for _, name := range sortedKeys(haveFields) {
				if _, ok := wantFields[name]; !ok {
					out = append(out, Update{Collection: c, EntryID: id, Field: name, Tombstone: true, TS: next()})
				}
			}
		}
	}

	for _, id := range sortedKeys(live.ReadingHistory) {
		v := live.ReadingHistory[id]
		if v.Removed() || v.Value == nil {
			continue
		}
		if w, ok := target.ReadingHistory[id]; !ok || w.Removed() || w.Value == nil {
			out = append(out, Update{Collection: ReadingHistory, EntryID: id, Field: StateField, Tombstone: true, TS: next()})
		}
	}
	for _, id := range sortedKeys(target.ReadingHistory) {
		w := target.ReadingHistory[id]
		if w.Removed() || w.Value == nil {
			continue
		}
		v, ok := live.ReadingHistory[id]
		if !ok || v.Value == nil {
			out = append(out, Update{Collection: ReadingHistory, EntryID: id, Value: w.Value, TS: w.At})
			out = append(out, Update{Collection: ReadingHistory, EntryID: id, Field: StateField, TS: next()})
			continue
		}
		if v.Removed() {
			out = append(out, Update{Collection: ReadingHistory, EntryID: id, Field: StateField, TS: next()})
		}
	}

	for _, key := range sortedKeys(live.Preferences) {
		if !live.Preferences[key].Live() {
			continue
		}
		if w, ok := target.Preferences[key]; !ok || !w.Live() {
			out = append(out, Update{Collection: Preferences, EntryID: key, Tombstone: true, TS: next()})
		}
	}
	for _, key := range sortedKeys(target.Preferences) {
		w := target.Preferences[key]
		if !w.Live() {
			continue
		}
		if cur, ok := live.Preferences[key]; ok && cur.Live() && bytes.Equal(cur.Value, w.Value) {
			continue
		}
		out = append(out, Update{Collection: Preferences, EntryID: key, Value: w.Value, TS: next()})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
