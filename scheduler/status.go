package scheduler

import "time"

// State is the scheduler's position in the sync cycle.
type State string

const (
	StateIdle       State = "idle"
	StateDirty      State = "dirty"
	StateDebouncing State = "debouncing"
	StatePulling    State = "pulling"
	StateMerging    State = "merging"
	StatePushing    State = "pushing"
	StateOffline    State = "offline"
	StateBackoff    State = "backoff"
)

// Status exposes sync state to the UI without leaking internal details.
type Status struct {
	State         State      `json:"state"`
	Provider      string     `json:"provider"`
	LastSyncedAt  *time.Time `json:"lastSyncedAt"` // nil if never synced
	RemoteVersion uint64     `json:"remoteVersion"`
	PendingError  string     `json:"pendingError,omitempty"`
	AuthRequired  bool       `json:"authRequired"` // "reconnect account"
	InProgress    bool       `json:"inProgress"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"` // armed debounce, retry or poll
}

// snapshot copies the status so callers never share the LastSyncedAt pointer.
func (s Status) snapshot() Status {
	if s.LastSyncedAt != nil {
		at := *s.LastSyncedAt
		s.LastSyncedAt = &at
	}
	if s.NextAttemptAt != nil {
		next := *s.NextAttemptAt
		s.NextAttemptAt = &next
	}
	return s
}
