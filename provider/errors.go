package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies provider failures by how the scheduler must react.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth         // credentials rejected; wait for reconfiguration
	KindNetwork      // transient; retry with backoff
	KindQuota        // remote refused for size or rate; retry with backoff
	KindConflict     // remote moved since the last pull; re-pull and merge
	KindCorrupt      // remote snapshot unreadable; fall back to last good state
	KindNotFound     // no remote snapshot yet
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindQuota:
		return "quota"
	case KindConflict:
		return "conflict"
	case KindCorrupt:
		return "corrupt"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is the typed error every provider returns at its boundary.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a provider error.
func NewError(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindOf classifies err. Context expiry counts as a network failure since
// the attempt deadline is how a stalled connection shows up.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindUnknown
}

// IsNotFound reports whether err means no remote snapshot exists.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a remote version conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// Retryable reports whether the scheduler should retry err with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindQuota, KindUnknown:
		return true
	}
	return false
}
