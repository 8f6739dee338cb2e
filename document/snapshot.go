package document

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the unit exchanged with providers and kept as a checkpoint.
// Version increases with every push; DeviceIDs lists every device whose
// writes are reflected in Document.
type Snapshot struct {
	Version   uint64    `json:"version" msgpack:"version"`
	DeviceIDs []string  `json:"deviceIds" msgpack:"deviceIds"`
	UpdatedAt time.Time `json:"updatedAt" msgpack:"updatedAt"`
	Document  *Document `json:"document" msgpack:"document"`
}

// NewSnapshot wraps doc at the given version, recording every device that
// authored a register in it.
func NewSnapshot(doc *Document, version uint64, updatedAt time.Time) *Snapshot {
	return &Snapshot{
		Version:   version,
		DeviceIDs: Devices(doc),
		UpdatedAt: updatedAt.UTC(),
		Document:  doc,
	}
}

// Devices returns the sorted set of device ids that wrote into doc.
func Devices(doc *Document) []string {
	seen := map[string]bool{}
	add := func(ts Timestamp) {
		if ts.Device != "" {
			seen[ts.Device] = true
		}
	}
	if doc != nil {
		for _, c := range []Collection{Books, Annotations, LexiconRules} {
			for _, rec := range doc.Records(c) {
				add(rec.Life.TS)
				for _, reg := range rec.Fields {
					add(reg.TS)
				}
			}
		}
		for _, v := range doc.ReadingHistory {
			add(v.At)
			add(v.State.TS)
		}
		for _, reg := range doc.Preferences {
			add(reg.TS)
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate rejects snapshots that decoded but cannot be trusted.
func (s *Snapshot) Validate() error {
	if s == nil {
		return serr.New("snapshot is nil")
	}
	if s.Document == nil {
		return serr.New("snapshot has no document")
	}
	for _, c := range Collections {
		if c == ReadingHistory || c == Preferences {
			continue
		}
		for id, rec := range s.Document.Records(c) {
			if id == "" {
				return serr.New("snapshot has an entry without id in " + string(c))
			}
			for _, reg := range rec.Fields {
				if reg.Live() && !json.Valid(reg.Value) {
					return serr.New("snapshot has an invalid field value in " + string(c) + "/" + id)
				}
			}
		}
	}
	return nil
}

// EncodeJSON serializes the snapshot in its wire form:
// {version, deviceIds, updatedAt, document}.
func EncodeJSON(s *Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode snapshot as JSON")
	}
	return b, nil
}

// DecodeJSON parses and validates a wire-form snapshot.
func DecodeJSON(b []byte) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&s); err != nil {
		return nil, serr.Wrap(err, "failed to decode snapshot JSON")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Document.normalize()
	return &s, nil
}

// EncodeMsgpack serializes the snapshot for local persistence.
// Map keys are sorted so equal snapshots encode to equal bytes.
func EncodeMsgpack(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(s); err != nil {
		return nil, serr.Wrap(err, "failed to encode snapshot as msgpack")
	}
	return buf.Bytes(), nil
}

// DecodeMsgpack parses and validates a msgpack snapshot.
func DecodeMsgpack(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, serr.Wrap(err, "failed to decode snapshot msgpack")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Document.normalize()
	return &s, nil
}
