package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"github.com/sergi/go-diff/diffmatchpatch"

	"readsync/document"
	"readsync/metrics"
)

// ============================================================================
// Checkpoint Manager
//
// Checkpoints are full snapshots, never deltas, so any one of them can be
// restored on its own. Automatic checkpoints guard large pushes: when a
// push would move the remote version by more than the threshold, the
// snapshot it replaces is saved first, at most once per rolling window.
// ============================================================================

// Checkpoint is a retained snapshot. Snapshot is only populated by Get.
type Checkpoint struct {
	ID        string             `json:"id"`
	Label     string             `json:"label"`
	Tag       string             `json:"tag"`
	Version   uint64             `json:"version"`
	DeviceIDs []string           `json:"deviceIds"`
	CreatedAt time.Time          `json:"createdAt"`
	Snapshot  *document.Snapshot `json:"-"`
}

// Options tune the automatic checkpoint policy.
type Options struct {
	Threshold int           // version delta that triggers an auto checkpoint
	Window    time.Duration // minimum spacing of auto checkpoints
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

// Manager creates, lists, restores and prunes checkpoints.
type Manager struct {
	store   *Store
	opts    Options
	autoMu  sync.Mutex
	metrics *metrics.Metrics
}

// NewManager wraps store with the given policy.
func NewManager(store *Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{store: store, opts: opts, metrics: opts.Metrics}
}

// Create stores snap as a new checkpoint.
func (m *Manager) Create(ctx context.Context, snap *document.Snapshot, label, tag string) (*Checkpoint, error) {
	if snap == nil || snap.Document == nil {
		return nil, serr.New("cannot checkpoint an empty snapshot")
	}
	if tag != TagManual && tag != TagAuto {
		return nil, serr.New("checkpoint tag must be manual or auto, got " + tag)
	}
	payload, err := document.EncodeMsgpack(snap)
	if err != nil {
		return nil, serr.Wrap(err, "failed to encode checkpoint")
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		Label:     label,
		Tag:       tag,
		Version:   snap.Version,
		DeviceIDs: append([]string(nil), snap.DeviceIDs...),
		CreatedAt: m.opts.Clock.Now().UTC().Truncate(time.Microsecond),
		Snapshot:  snap,
	}
	err = m.store.insert(ctx, row{
		ID:        cp.ID,
		Label:     cp.Label,
		Tag:       cp.Tag,
		Version:   int64(cp.Version),
		DeviceIDs: nullString(strings.Join(cp.DeviceIDs, ",")),
		CreatedAt: cp.CreatedAt,
		Payload:   payload,
		Checksum:  checksum(payload),
	})
	if err != nil {
		return nil, err
	}

	m.metrics.CheckpointCreated(tag)
	logger.Info("Checkpoint created", "id", cp.ID, "label", label, "tag", tag, "version", cp.Version)
	return cp, nil
}

// List returns all checkpoints, newest first.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Get loads a checkpoint with its snapshot, verifying the checksum.
// It returns nil, nil when id is unknown.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	r, err := m.store.get(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	if checksum(r.Payload) != r.Checksum {
		return nil, serr.New("checkpoint " + id + " failed its checksum")
	}
	snap, err := document.DecodeMsgpack(r.Payload)
	if err != nil {
		return nil, serr.Wrap(err, "failed to decode checkpoint "+id)
	}
	cp := fromRow(*r)
	cp.Snapshot = snap
	return &cp, nil
}

// NewestValid returns the newest checkpoint that loads cleanly, or nil.
func (m *Manager) NewestValid(ctx context.Context) (*Checkpoint, error) {
	rows, err := m.store.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		cp, err := m.Get(ctx, r.ID)
		if err != nil {
			logger.LogErr(err, "skipping unreadable checkpoint", "id", r.ID)
			continue
		}
		if cp != nil {
			return cp, nil
		}
	}
	return nil, nil
}

// Delete removes one checkpoint.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.delete(ctx, id)
}

// MaybeAuto stores base as an automatic checkpoint when a push is about to
// move the remote by more than the threshold. It returns nil when no
// checkpoint was due.
func (m *Manager) MaybeAuto(ctx context.Context, base *document.Snapshot, delta int) (*Checkpoint, error) {
	if base == nil || m.opts.Threshold <= 0 || delta <= m.opts.Threshold {
		return nil, nil
	}
	m.autoMu.Lock()
	defer m.autoMu.Unlock()

	last, ok, err := m.store.lastCreated(ctx, TagAuto)
	if err != nil {
		return nil, err
	}
	if ok && m.opts.Clock.Now().Sub(last) < m.opts.Window {
		logger.Debug("Auto checkpoint skipped, window not elapsed", "delta", delta, "last", last)
		return nil, nil
	}
	return m.Create(ctx, base, fmt.Sprintf("Before sync (%d changes)", delta), TagAuto)
}

// Policy selects checkpoints to prune.
type Policy struct {
	MaxAge        time.Duration // drop checkpoints older than this; 0 disables
	KeepAuto      int           // keep only the newest KeepAuto automatic ones; 0 disables
	IncludeManual bool          // apply MaxAge to manual checkpoints too
}

// Prune deletes checkpoints outside policy and returns how many went.
func (m *Manager) Prune(ctx context.Context, policy Policy) (int, error) {
	rows, err := m.store.list(ctx)
	if err != nil {
		return 0, err
	}
	now := m.opts.Clock.Now()
	autos := 0
	removed := 0
	for _, r := range rows {
		expired := policy.MaxAge > 0 && now.Sub(r.CreatedAt) > policy.MaxAge
		drop := false
		switch r.Tag {
		case TagAuto:
			autos++
			drop = expired || (policy.KeepAuto > 0 && autos > policy.KeepAuto)
		default:
			drop = expired && policy.IncludeManual
		}
		if !drop {
			continue
		}
		if err := m.store.delete(ctx, r.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.metrics.CheckpointsRemoved(removed)
		logger.Info("Checkpoints pruned", "removed", removed)
	}
	return removed, nil
}

// Preview describes what restoring id would change in live, as a
// patch in diff-match-patch text form over the pretty-printed views.
type Preview struct {
	Patch      string `json:"patch"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
}

// Preview compares a checkpoint with the live document.
func (m *Manager) Preview(ctx context.Context, id string, live *document.Document) (*Preview, error) {
	cp, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, serr.New("checkpoint not found: " + id)
	}
	from, err := json.MarshalIndent(live.View(), "", "  ")
	if err != nil {
		return nil, serr.Wrap(err, "failed to render live view")
	}
	to, err := json.MarshalIndent(cp.Snapshot.Document.View(), "", "  ")
	if err != nil {
		return nil, serr.Wrap(err, "failed to render checkpoint view")
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(from), string(to), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	p := &Preview{Patch: dmp.PatchToText(dmp.PatchMake(string(from), diffs))}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			p.Insertions += len(d.Text)
		case diffmatchpatch.DiffDelete:
			p.Deletions += len(d.Text)
		}
	}
	return p, nil
}

func fromRow(r row) Checkpoint {
	cp := Checkpoint{
		ID:        r.ID,
		Label:     r.Label,
		Tag:       r.Tag,
		Version:   uint64(r.Version),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.DeviceIDs.Valid && r.DeviceIDs.String != "" {
		cp.DeviceIDs = strings.Split(r.DeviceIDs.String, ",")
	}
	return cp
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
