// Package provider defines the uniform interface over remote backends and
// the error taxonomy the scheduler reacts to.
package provider

import (
	"context"
	"encoding/json"

	"readsync/document"
)

// Provider is one remote backend holding a single document snapshot.
//
// A provider remembers the remote revision returned by its last Pull.
// Push succeeds only while the remote is still at that revision and fails
// with a Conflict error otherwise, so a caller never overwrites writes it
// has not merged.
type Provider interface {
	// Name identifies the provider in logs and status.
	Name() string

	// Authenticate validates credentials and prepares the client.
	// Failures are Auth errors.
	Authenticate(ctx context.Context, credentials json.RawMessage) error

	// Pull fetches the remote snapshot. A missing snapshot is a NotFound
	// error; an unreadable one is a Corrupt error.
	Pull(ctx context.Context) (*document.Snapshot, error)

	// Push stores snap as the new remote snapshot.
	Push(ctx context.Context, snap *document.Snapshot) error

	// Clear deletes the remote snapshot.
	Clear(ctx context.Context) error
}

// PartialPusher is implemented by backends that can store only the
// changes between the last pulled snapshot and the new one.
type PartialPusher interface {
	PushPartial(ctx context.Context, base, next *document.Snapshot) error
}

// Watcher is implemented by backends that can signal remote changes.
// The channel receives a value whenever the remote snapshot may have
// changed; it is closed when the provider is closed.
type Watcher interface {
	Changes() <-chan struct{}
}

// Closer is implemented by providers holding resources such as
// connections or file watchers.
type Closer interface {
	Close() error
}
