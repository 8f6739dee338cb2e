// Package changelog turns local mutations into timestamped updates and
// keeps the updates not yet folded into a persisted snapshot.
package changelog

import (
	"encoding/json"
	"sync"

	"github.com/rohanthewiz/serr"

	"readsync/document"
)

// Log encodes local mutations as updates. Updates stay pending until the
// snapshot that contains them is on disk.
type Log struct {
	mu      sync.Mutex
	clock   *Clock
	pending []document.Update
}

// NewLog returns an empty log stamping updates with clock.
func NewLog(clock *Clock) *Log {
	return &Log{clock: clock}
}

// Clock returns the log's timestamp source.
func (l *Log) Clock() *Clock {
	return l.clock
}

// Set records a field write. Value is marshaled to JSON; for preferences
// field is ignored and entryID is the preference key.
func (l *Log) Set(c document.Collection, entryID, field string, value any) (document.Update, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return document.Update{}, serr.Wrap(err, "failed to encode mutation value")
	}
	if c == document.Preferences {
		field = ""
	}
	if c == document.ReadingHistory {
		return document.Update{}, serr.New("reading history visits are appended, not set")
	}
	if c != document.Preferences && field == "" {
		return document.Update{}, serr.New("field is required for " + string(c))
	}
	return l.record(document.Update{Collection: c, EntryID: entryID, Field: field, Value: raw})
}

// Delete tombstones an entry, or a single field when field is non-empty.
// For reading history it removes the visit.
func (l *Log) Delete(c document.Collection, entryID, field string) (document.Update, error) {
	u := document.Update{Collection: c, EntryID: entryID, Field: field, Tombstone: true}
	switch c {
	case document.ReadingHistory:
		u.Field = document.StateField
	case document.Preferences:
		u.Field = ""
	}
	return l.record(u)
}

// Visit appends a reading history entry.
func (l *Log) Visit(visitID string, value any) (document.Update, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return document.Update{}, serr.Wrap(err, "failed to encode visit")
	}
	return l.record(document.Update{Collection: document.ReadingHistory, EntryID: visitID, Value: raw})
}

// Stamp timestamps an update built elsewhere, such as a checkpoint restore.
func (l *Log) Stamp(u document.Update) (document.Update, error) {
	return l.record(u)
}

func (l *Log) record(u document.Update) (document.Update, error) {
	u.TS = l.clock.Next()
	if err := u.Validate(); err != nil {
		return document.Update{}, err
	}
	l.Append(u)
	return u, nil
}

// Append adds already-stamped updates, as when replaying the journal.
func (l *Log) Append(updates ...document.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range updates {
		l.clock.Observe(u.TS)
		l.pending = append(l.pending, u)
	}
}

// Pending returns a copy of the updates not yet in a persisted snapshot.
func (l *Log) Pending() []document.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]document.Update(nil), l.pending...)
}

// Len returns the number of pending updates.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Reset forgets pending updates once a snapshot containing them is saved.
func (l *Log) Reset() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}
