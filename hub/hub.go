// Package hub is a small reference server for the structured-document
// provider. It keeps one JSON snapshot per account and document key and
// guards every write with a revision check.
package hub

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"golang.org/x/crypto/bcrypt"

	"readsync/config"
)

// bcryptCost keeps hub logins fast enough for tests while still salted.
const bcryptCost = 10

// ErrRevisionMoved is returned when a write names a stale base revision.
var ErrRevisionMoved = errors.New("document revision moved")

// Hub holds accounts and documents in memory.
type Hub struct {
	secret   []byte
	users    map[string]string // username -> bcrypt hash
	maxBytes int
	clock    clockwork.Clock

	mu   sync.Mutex
	docs map[string]*storedDoc
}

// storedDoc is one document. Revision survives deletion so a client that
// cleared the document can still write with the revision it was given.
type storedDoc struct {
	Data      json.RawMessage
	Revision  uint64
	UpdatedAt time.Time
}

// DocumentOutput is what GET returns.
type DocumentOutput struct {
	Revision  uint64          `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// New builds a hub from configuration. Users are "name:password" pairs.
func New(cfg config.Hub) (*Hub, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
		logger.Info("Hub JWT secret not configured, tokens will not survive a restart")
	}
	if len(secret) < MinSecretLength {
		return nil, serr.New("JWT secret must be at least 32 characters")
	}

	h := &Hub{
		secret:   []byte(secret),
		users:    map[string]string{},
		maxBytes: cfg.MaxDocumentBytes,
		clock:    clockwork.NewRealClock(),
		docs:     map[string]*storedDoc{},
	}
	for _, pair := range cfg.Users {
		name, password, ok := strings.Cut(pair, ":")
		if !ok || name == "" || password == "" {
			return nil, serr.New("hub user must be name:password, got " + pair)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return nil, serr.Wrap(err, "failed to hash password")
		}
		h.users[name] = string(hash)
	}
	if len(h.users) == 0 {
		logger.Info("Hub has no users configured, every login will fail")
	}
	return h, nil
}

// CheckPassword reports whether password is valid for username.
func (h *Hub) CheckPassword(username, password string) bool {
	hash, ok := h.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func docKey(username, key string) string {
	return username + "/" + key
}

// Get returns the stored document, or nil when there is none.
func (h *Hub) Get(username, key string) *DocumentOutput {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.docs[docKey(username, key)]
	if d == nil || d.Data == nil {
		return nil
	}
	return &DocumentOutput{Revision: d.Revision, UpdatedAt: d.UpdatedAt, Snapshot: d.Data}
}

// Revision returns the current revision, 0 for a document never written.
func (h *Hub) Revision(username, key string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d := h.docs[docKey(username, key)]; d != nil {
		return d.Revision
	}
	return 0
}

// Put replaces the document if it is still at base. transform
// computes the new content from the current one under the lock.
func (h *Hub) Put(username, key string, base uint64, transform func(current json.RawMessage) (json.RawMessage, error)) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := docKey(username, key)
	d := h.docs[k]
	if d == nil {
		d = &storedDoc{}
		h.docs[k] = d
	}
	if d.Revision != base {
		return d.Revision, ErrRevisionMoved
	}
	next, err := transform(d.Data)
	if err != nil {
		return d.Revision, err
	}
	d.Data = next
	d.Revision++
	d.UpdatedAt = h.clock.Now().UTC()
	return d.Revision, nil
}

// Delete removes the document content and bumps the revision.
func (h *Hub) Delete(username, key string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := docKey(username, key)
	d := h.docs[k]
	if d == nil {
		d = &storedDoc{}
		h.docs[k] = d
	}
	d.Data = nil
	d.Revision++
	d.UpdatedAt = h.clock.Now().UTC()
	return d.Revision
}
