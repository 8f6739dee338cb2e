package document

// Compact drops tombstones written before cutoff (milliseconds on the
// logical clock) and returns the new document with the number of tombstones
// removed. A device that stayed offline longer than the retention window can
// resurrect entries compacted here; that is the accepted cost of bounded
// growth.
func Compact(d *Document, cutoff int64) (*Document, int) {
	if d == nil {
		return New(), 0
	}
	if countExpired(d, cutoff) == 0 {
		return d, 0
	}

	out := d.Clone()
	removed := 0
	for _, c := range []Collection{Books, Annotations, LexiconRules} {
		recs := out.Records(c)
		for id, rec := range recs {
			if rec.Life.Tombstone && rec.Life.TS.Time < cutoff {
				delete(recs, id)
				removed++
				continue
			}
			for name, reg := range rec.Fields {
				if reg.Tombstone && reg.TS.Time < cutoff {
					delete(rec.Fields, name)
					removed++
				}
			}
		}
	}
	for id, v := range out.ReadingHistory {
		if v.State.Tombstone && v.State.TS.Time < cutoff {
			delete(out.ReadingHistory, id)
			removed++
		}
	}
	for key, reg := range out.Preferences {
		if reg.Tombstone && reg.TS.Time < cutoff {
			delete(out.Preferences, key)
			removed++
		}
	}
	return out, removed
}

func countExpired(d *Document, cutoff int64) int {
	n := 0
	for _, c := range []Collection{Books, Annotations, LexiconRules} {
		for _, rec := range d.Records(c) {
			if rec.Life.Tombstone && rec.Life.TS.Time < cutoff {
				n++
				continue
			}
			for _, reg := range rec.Fields {
				if reg.Tombstone && reg.TS.Time < cutoff {
					n++
				}
			}
		}
	}
	for _, v := range d.ReadingHistory {
		if v.State.Tombstone && v.State.TS.Time < cutoff {
			n++
		}
	}
	for _, reg := range d.Preferences {
		if reg.Tombstone && reg.TS.Time < cutoff {
			n++
		}
	}
	return n
}
