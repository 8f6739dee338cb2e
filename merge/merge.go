// Package merge combines document replicas. Merge is deterministic,
// commutative and associative: every device that has seen the same set of
// writes ends with the same document, whatever order they arrived in.
package merge

import (
	"readsync/document"
)

// Merge returns the union of local and remote. Neither input is modified.
//   - keyed entries: per-field last-writer-wins; fields missing on one side
//     are kept; the entry's deletion register merges like any field
//   - reading history: union by id; visit content is immutable, removal is
//     a register
//   - preferences: per-key last-writer-wins
func Merge(local, remote *document.Document) *document.Document {
	if local == nil {
		return remote.Clone()
	}
	if remote == nil {
		return local.Clone()
	}

	out := local.Clone()
	for _, c := range []document.Collection{document.Books, document.Annotations, document.LexiconRules} {
		mergeRecords(out.Records(c), remote.Records(c))
	}
	mergeHistory(out.ReadingHistory, remote.ReadingHistory)
	for key, reg := range remote.Preferences {
		cur, ok := out.Preferences[key]
		if !ok {
			out.Preferences[key] = copyRegister(reg)
			continue
		}
		out.Preferences[key] = copyRegister(document.Max(cur, reg))
	}
	return out
}

// Snapshots merges the documents of two snapshots. Either may be nil.
func Snapshots(local, remote *document.Snapshot) *document.Document {
	var l, r *document.Document
	if local != nil {
		l = local.Document
	}
	if remote != nil {
		r = remote.Document
	}
	return Merge(l, r)
}

func mergeRecords(dst, src map[string]document.Record) {
	for id, theirs := range src {
		ours, ok := dst[id]
		if !ok {
			dst[id] = copyRecord(theirs)
			continue
		}
		ours.Life = copyRegister(document.Max(ours.Life, theirs.Life))
		for name, reg := range theirs.Fields {
			if ours.Fields == nil {
				ours.Fields = map[string]document.Register{}
			}
			cur, ok := ours.Fields[name]
			if !ok {
				ours.Fields[name] = copyRegister(reg)
				continue
			}
			ours.Fields[name] = copyRegister(document.Max(cur, reg))
		}
		dst[id] = ours
	}
}

func mergeHistory(dst, src map[string]document.Visit) {
	for id, theirs := range src {
		ours, ok := dst[id]
		if !ok {
			if theirs.Value != nil {
				theirs.Value = append([]byte{}, theirs.Value...)
			}
			theirs.State = copyRegister(theirs.State)
			dst[id] = theirs
			continue
		}
		merged := ours
		if document.ContentBefore(theirs, ours) {
			merged.At = theirs.At
			merged.Value = nil
			if theirs.Value != nil {
				merged.Value = append([]byte{}, theirs.Value...)
			}
		}
		merged.State = copyRegister(document.Max(ours.State, theirs.State))
		dst[id] = merged
	}
}

func copyRegister(r document.Register) document.Register {
	if r.Value != nil {
		r.Value = append([]byte{}, r.Value...)
	}
	return r
}

func copyRecord(r document.Record) document.Record {
	out := document.Record{Life: copyRegister(r.Life)}
	if r.Fields != nil {
		out.Fields = make(map[string]document.Register, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = copyRegister(v)
		}
	}
	return out
}
