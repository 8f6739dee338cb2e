package provider

import (
	"context"
	"encoding/json"

	"readsync/document"
)

// Noop keeps everything on the device. Pull always reports NotFound and
// Push always succeeds, so the scheduler behaves as if a fresh remote
// accepted every snapshot.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) Name() string { return "none" }

func (*Noop) Authenticate(context.Context, json.RawMessage) error { return nil }

func (*Noop) Pull(context.Context) (*document.Snapshot, error) {
	return nil, NewError(KindNotFound, "none", "pull", nil)
}

func (*Noop) Push(context.Context, *document.Snapshot) error { return nil }

func (*Noop) Clear(context.Context) error { return nil }
