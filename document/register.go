package document

import (
	"bytes"
	"encoding/json"
)

// ============================================================================
// Timestamps and Registers
//
// Every mutable value in the document lives in a last-writer-wins register.
// The register carries the logical timestamp of the write that produced it
// and the id of the device that made the write. Two timestamps are ordered
// by time first and device id second, which gives a total order across all
// devices without any coordination.
// ============================================================================

// Timestamp is a logical write time. Time is milliseconds from the
// hybrid clock in the change log; Device breaks ties between devices.
type Timestamp struct {
	Time   int64  `json:"t" msgpack:"t"`
	Device string `json:"d" msgpack:"d"`
}

// Compare returns -1, 0 or +1 ordering ts against other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.Time < other.Time:
		return -1
	case ts.Time > other.Time:
		return 1
	}
	switch {
	case ts.Device < other.Device:
		return -1
	case ts.Device > other.Device:
		return 1
	}
	return 0
}

// After reports whether ts is strictly newer than other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.Compare(other) > 0
}

// IsZero reports whether the timestamp was never set.
func (ts Timestamp) IsZero() bool {
	return ts.Time == 0 && ts.Device == ""
}

// Register is a single last-writer-wins value.
// A tombstoned register keeps its timestamp so that older writes arriving
// later cannot resurrect the value.
type Register struct {
	Value     json.RawMessage `json:"v,omitempty" msgpack:"v,omitempty"`
	TS        Timestamp       `json:"ts" msgpack:"ts"`
	Tombstone bool            `json:"x,omitempty" msgpack:"x,omitempty"`
}

// Live reports whether the register holds a visible value.
func (r Register) Live() bool {
	return !r.TS.IsZero() && !r.Tombstone
}

// Wins reports whether r should replace other under the register order.
// Identical timestamps only occur for the same write replayed, or for
// corrupted input; content decides in that case so the result stays
// deterministic on every device.
func (r Register) Wins(other Register) bool {
	if c := r.TS.Compare(other.TS); c != 0 {
		return c > 0
	}
	if r.Tombstone != other.Tombstone {
		return r.Tombstone
	}
	return bytes.Compare(r.Value, other.Value) > 0
}

// Max returns the winning register of a and b.
func Max(a, b Register) Register {
	if b.Wins(a) {
		return b
	}
	return a
}

func (r Register) clone() Register {
	if r.Value != nil {
		r.Value = append(json.RawMessage{}, r.Value...)
	}
	return r
}
