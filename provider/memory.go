package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rohanthewiz/serr"

	"readsync/document"
)

// ============================================================================
// In-memory provider
//
// MemoryRemote stands in for a real backend in tests and demos. Several
// Memory clients share one remote the way several devices share one
// account. Latency and failures are injected on the remote so every client
// sees them, and snapshots are stored in wire form so decoding runs
// exactly as it would against a real backend.
// ============================================================================

// MemoryRemote is the shared state behind Memory clients.
type MemoryRemote struct {
	mu       sync.Mutex
	data     []byte
	revision uint64
	latency  time.Duration
	failures []injectedFailure
	secret   string
	clients  []*Memory
	pushes   int
	pulls    int
}

type injectedFailure struct {
	op   string
	kind Kind
}

// NewMemoryRemote returns an empty remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{}
}

// Client returns a new client of this remote.
func (r *MemoryRemote) Client() *Memory {
	m := &Memory{remote: r, changes: make(chan struct{}, 1)}
	r.mu.Lock()
	r.clients = append(r.clients, m)
	r.mu.Unlock()
	return m
}

// SetLatency delays every call by d.
func (r *MemoryRemote) SetLatency(d time.Duration) {
	r.mu.Lock()
	r.latency = d
	r.mu.Unlock()
}

// RequireSecret makes Authenticate accept only {"secret": secret}.
func (r *MemoryRemote) RequireSecret(secret string) {
	r.mu.Lock()
	r.secret = secret
	r.mu.Unlock()
}

// FailNext makes the next n calls of op ("pull", "push", "clear",
// "auth" or "*" for any) fail with kind.
func (r *MemoryRemote) FailNext(op string, kind Kind, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.failures = append(r.failures, injectedFailure{op: op, kind: kind})
	}
}

// Corrupt replaces the stored snapshot with unreadable bytes.
func (r *MemoryRemote) Corrupt() {
	r.mu.Lock()
	r.data = []byte(`{"version": 9, "document": {"books": [`)
	r.revision++
	r.mu.Unlock()
	r.notify(nil)
}

// Put stores snap directly, as another device would.
func (r *MemoryRemote) Put(snap *document.Snapshot) error {
	raw, err := document.EncodeJSON(snap)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.data = raw
	r.revision++
	r.mu.Unlock()
	r.notify(nil)
	return nil
}

// Snapshot decodes the stored snapshot; nil when empty or unreadable.
func (r *MemoryRemote) Snapshot() *document.Snapshot {
	r.mu.Lock()
	raw := r.data
	r.mu.Unlock()
	if raw == nil {
		return nil
	}
	snap, err := document.DecodeJSON(raw)
	if err != nil {
		return nil
	}
	return snap
}

// Revision returns the current remote revision.
func (r *MemoryRemote) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Pushes returns the number of successful pushes.
func (r *MemoryRemote) Pushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

// Pulls returns the number of pull attempts that reached the remote.
func (r *MemoryRemote) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// enter applies latency and injected failures for op.
func (r *MemoryRemote) enter(ctx context.Context, op string) error {
	r.mu.Lock()
	latency := r.latency
	r.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return NewError(KindNetwork, "memory", op, ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return NewError(KindNetwork, "memory", op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.failures {
		if f.op == op || f.op == "*" {
			r.failures = append(r.failures[:i], r.failures[i+1:]...)
			return NewError(f.kind, "memory", op, serr.New("injected failure"))
		}
	}
	return nil
}

func (r *MemoryRemote) notify(except *Memory) {
	r.mu.Lock()
	clients := append([]*Memory(nil), r.clients...)
	r.mu.Unlock()
	for _, c := range clients {
		if c == except {
			continue
		}
		select {
		case c.changes <- struct{}{}:
		default:
		}
	}
}

// Memory is a client of a MemoryRemote.
type Memory struct {
	remote  *MemoryRemote
	mu      sync.Mutex
	base    uint64
	changes chan struct{}
}

// NewMemory returns a client of a private remote.
func NewMemory() *Memory {
	return NewMemoryRemote().Client()
}

// Remote returns the shared remote.
func (m *Memory) Remote() *MemoryRemote {
	return m.remote
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Authenticate(ctx context.Context, credentials json.RawMessage) error {
	if err := m.remote.enter(ctx, "auth"); err != nil {
		return err
	}
	m.remote.mu.Lock()
	secret := m.remote.secret
	m.remote.mu.Unlock()
	if secret == "" {
		return nil
	}
	var creds struct {
		Secret string `json:"secret"`
	}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return NewError(KindAuth, "memory", "auth", serr.Wrap(err, "unreadable credentials"))
		}
	}
	if creds.Secret != secret {
		return NewError(KindAuth, "memory", "auth", serr.New("secret rejected"))
	}
	return nil
}

func (m *Memory) Pull(ctx context.Context) (*document.Snapshot, error) {
	if err := m.remote.enter(ctx, "pull"); err != nil {
		return nil, err
	}
	m.remote.mu.Lock()
	raw, rev := m.remote.data, m.remote.revision
	m.remote.pulls++
	m.remote.mu.Unlock()

	m.mu.Lock()
	m.base = rev
	m.mu.Unlock()

	if raw == nil {
		return nil, NewError(KindNotFound, "memory", "pull", nil)
	}
	snap, err := document.DecodeJSON(raw)
	if err != nil {
		return nil, NewError(KindCorrupt, "memory", "pull", err)
	}
	return snap, nil
}

func (m *Memory) Push(ctx context.Context, snap *document.Snapshot) error {
	if err := m.remote.enter(ctx, "push"); err != nil {
		return err
	}
	raw, err := document.EncodeJSON(snap)
	if err != nil {
		return NewError(KindUnknown, "memory", "push", err)
	}

	m.mu.Lock()
	base := m.base
	m.mu.Unlock()

	m.remote.mu.Lock()
	if m.remote.revision != base {
		m.remote.mu.Unlock()
		return NewError(KindConflict, "memory", "push", serr.New("remote revision moved"))
	}
	m.remote.data = raw
	m.remote.revision++
	m.remote.pushes++
	rev := m.remote.revision
	m.remote.mu.Unlock()

	m.mu.Lock()
	m.base = rev
	m.mu.Unlock()
	m.remote.notify(m)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := m.remote.enter(ctx, "clear"); err != nil {
		return err
	}
	m.remote.mu.Lock()
	m.remote.data = nil
	m.remote.revision++
	rev := m.remote.revision
	m.remote.mu.Unlock()

	m.mu.Lock()
	m.base = rev
	m.mu.Unlock()
	m.remote.notify(m)
	return nil
}

// Changes signals pushes made by other clients of the same remote.
func (m *Memory) Changes() <-chan struct{} {
	return m.changes
}
