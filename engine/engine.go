// Package engine is the sync engine facade. It owns the document: the
// host records mutations and reads views through it, while a scheduler
// keeps the document in sync with the configured provider.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"readsync/changelog"
	"readsync/checkpoint"
	"readsync/config"
	"readsync/document"
	"readsync/localstore"
	"readsync/merge"
	"readsync/metrics"
	"readsync/provider"
	"readsync/scheduler"
)

// ============================================================================
// Sync Engine
//
// All mutation enters through one lock: the update is journaled, applied
// copy-on-write and the scheduler is poked. Readers get Views, never the
// document itself. The scheduler reads the document at the start of a
// cycle and hands back the merged result through Commit, which merges it
// with whatever was written meanwhile and saves the state.
// ============================================================================

// ProviderFactory builds the provider for a configuration.
type ProviderFactory func(cfg *config.Config) (provider.Provider, error)

type options struct {
	factory    ProviderFactory
	clock      clockwork.Clock
	registerer prometheus.Registerer
}

// Option customizes Open.
type Option func(*options)

// WithProvider uses p instead of the provider named in the configuration.
func WithProvider(p provider.Provider) Option {
	return func(o *options) {
		o.factory = func(*config.Config) (provider.Provider, error) { return p, nil }
	}
}

// WithProviderFactory builds providers with f, at Open and on Reconfigure.
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock sets the time source for the scheduler and the update clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Engine is one device's sync engine.
type Engine struct {
	cfg         *config.Config
	opts        options
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	local       *localstore.Store
	cpStore     *checkpoint.Store
	checkpoints *checkpoint.Manager
	log         *changelog.Log
	sched       *scheduler.Scheduler
	cron        *cron.Cron

	mu        sync.RWMutex
	state     localstore.State
	provider  provider.Provider
	epoch     uint64 // bumped by ResetLocalData
	seenEpoch uint64 // epoch when the running cycle read the document

	listenMu     sync.Mutex
	listeners    map[int]func(document.View)
	nextListener int

	stopOnce sync.Once
}

// Open loads the local state in cfg.DataDir and prepares the provider.
// Call Start to begin syncing.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, serr.Wrap(err, "invalid engine config")
	}
	o := options{factory: NewProvider, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	local, err := localstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		opts:      o,
		clock:     o.clock,
		metrics:   metrics.NewMetrics(o.registerer),
		local:     local,
		listeners: map[int]func(document.View){},
	}
	if err := e.init(ctx); err != nil {
		e.closeStores()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	deviceID, err := e.local.DeviceID()
	if err != nil {
		return err
	}

	e.cpStore, err = checkpoint.OpenStore(e.local.CheckpointPath())
	if err != nil {
		return err
	}
	e.checkpoints = checkpoint.NewManager(e.cpStore, checkpoint.Options{
		Threshold: e.cfg.AutoCheckpointThreshold,
		Window:    e.cfg.AutoCheckpointWindow(),
		Clock:     e.clock,
		Metrics:   e.metrics,
	})

	if err := e.loadState(ctx, deviceID); err != nil {
		return err
	}

	p, err := e.opts.factory(e.cfg)
	if err != nil {
		return serr.Wrap(err, "failed to create provider")
	}
	authErr := e.authenticate(ctx, p, e.cfg.Credentials)
	e.provider = p

	schedOpts := scheduler.OptionsFrom(e.cfg)
	schedOpts.Clock = e.clock
	schedOpts.Metrics = e.metrics
	e.sched = scheduler.New(p, e, schedOpts)
	if provider.KindOf(authErr) == provider.KindAuth {
		e.sched.BlockAuth(authErr)
	}

	if e.cfg.PruneSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(e.cfg.PruneSchedule, func() {
			if _, err := e.PruneCheckpoints(context.Background()); err != nil {
				logger.LogErr(err, "scheduled checkpoint prune failed")
			}
		}); err != nil {
			return serr.Wrap(err, "invalid prune schedule "+e.cfg.PruneSchedule)
		}
	}

	e.metrics.SetDirty(e.state.Dirty())
	logger.Info("Sync engine opened",
		"device_id", deviceID,
		"provider", p.Name(),
		"dirty", e.state.Dirty(),
	)
	return nil
}

// loadState restores the saved state and replays the journal over it. An
// unreadable state file is replaced by the newest valid checkpoint, or an
// empty document when there is none.
func (e *Engine) loadState(ctx context.Context, deviceID string) error {
	st, err := e.local.Load()
	recovered := false
	switch {
	case errors.Is(err, localstore.ErrCorrupt):
		logger.LogErr(err, "local state is corrupt, recovering from newest checkpoint")
		st = &localstore.State{Document: document.New()}
		cp, cerr := e.checkpoints.NewestValid(ctx)
		if cerr != nil {
			return serr.Wrap(cerr, "failed to read checkpoints during recovery")
		}
		if cp != nil {
			st.Document = cp.Snapshot.Document
			st.LocalVersion = 1 // push the recovered content on the next cycle
			logger.Info("Local state restored from checkpoint", "checkpoint_id", cp.ID, "label", cp.Label)
		}
		recovered = true
	case err != nil:
		return err
	case st == nil:
		st = &localstore.State{Document: document.New()}
	}
	st.DeviceID = deviceID

	e.log = changelog.NewLog(changelog.NewClock(deviceID, e.clock.Now))
	e.log.Clock().ObserveDocument(st.Document)
	if st.Remote != nil {
		e.log.Clock().ObserveDocument(st.Remote.Document)
	}

	updates, err := e.local.Replay()
	if err != nil {
		return err
	}
	if len(updates) > 0 {
		st.Document, _ = st.Document.Apply(updates...)
		st.LocalVersion += uint64(len(updates))
		e.log.Append(updates...)
		logger.Info("Replayed journal", "updates", len(updates))
	}
	e.state = *st
	e.metrics.SetPending(e.log.Len())

	if recovered {
		return e.saveLocked()
	}
	return nil
}

// config returns the current configuration. Reconfigure and Disconnect
// replace it, never modify it.
func (e *Engine) config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// authenticate runs p.Authenticate bounded by the attempt timeout. Only
// Auth errors are fatal to syncing; anything else is retried by cycles.
func (e *Engine) authenticate(ctx context.Context, p provider.Provider, creds []byte) error {
	actx, cancel := context.WithTimeout(ctx, e.config().AttemptTimeout())
	defer cancel()
	err := p.Authenticate(actx, creds)
	if err != nil {
		logger.LogErr(err, "provider authentication failed", "provider", p.Name(), "kind", provider.KindOf(err).String())
	}
	return err
}

// Start begins background syncing and scheduled pruning.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
	if e.cron != nil {
		e.cron.Start()
	}
}

// Stop flushes once within the flush timeout, saves local state and
// releases the data directory. The engine cannot be used afterwards.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		e.sched.Stop()

		e.mu.Lock()
		err = e.saveLocked()
		p := e.provider
		e.mu.Unlock()

		if c, ok := p.(provider.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				logger.LogErr(cerr, "failed to close provider")
			}
		}
		e.closeStores()
		logger.Info("Sync engine stopped")
	})
	return err
}

func (e *Engine) closeStores() {
	if e.cpStore != nil {
		if err := e.cpStore.Close(); err != nil {
			logger.LogErr(err, "failed to close checkpoint store")
		}
	}
	if err := e.local.Close(); err != nil {
		logger.LogErr(err, "failed to release data directory")
	}
}

// saveLocked persists the state and folds the journal into it.
// Callers hold e.mu or own the engine exclusively.
func (e *Engine) saveLocked() error {
	st := e.state
	if err := e.local.Save(&st); err != nil {
		return err
	}
	e.log.Reset()
	e.metrics.SetPending(0)
	return nil
}

// ============================================================================
// Reads and notifications
// ============================================================================

// View returns the current read-only projection of the document.
func (e *Engine) View() document.View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Document.View()
}

// DeviceID returns this installation's identity.
func (e *Engine) DeviceID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.DeviceID
}

// OnMerge registers fn to run after every successful merge with the new
// view. The returned func unregisters it.
func (e *Engine) OnMerge(fn func(document.View)) func() {
	e.listenMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenMu.Unlock()
	return func() {
		e.listenMu.Lock()
		delete(e.listeners, id)
		e.listenMu.Unlock()
	}
}

func (e *Engine) notifyMerged(view document.View) {
	e.listenMu.Lock()
	fns := make([]func(document.View), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenMu.Unlock()
	for _, fn := range fns {
		fn(view)
	}
}

// Status reports sync state for a "last synced" indicator.
func (e *Engine) Status() scheduler.Status {
	st := e.sched.Status()
	if st.LastSyncedAt == nil {
		e.mu.RLock()
		last := e.state.LastSyncedAt
		e.mu.RUnlock()
		if !last.IsZero() {
			st.LastSyncedAt = &last
		}
	}
	if st.State == scheduler.StateIdle && e.Dirty() {
		st.State = scheduler.StateDirty
	}
	return st
}

// SyncNow runs a sync cycle and waits for it.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.sched.SyncNow(ctx)
}

// SetOnline passes a connectivity hint to the scheduler.
func (e *Engine) SetOnline(online bool) {
	e.sched.SetOnline(online)
}

// ============================================================================
// scheduler.Store
// ============================================================================

func (e *Engine) Local() (*document.Document, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seenEpoch = e.epoch
	return e.state.Document, e.state.LocalVersion
}

func (e *Engine) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Dirty()
}

func (e *Engine) LastGood(ctx context.Context) (*document.Snapshot, error) {
	e.mu.RLock()
	remote := e.state.Remote
	e.mu.RUnlock()
	if remote != nil {
		return remote, nil
	}
	cp, err := e.checkpoints.NewestValid(ctx)
	if err != nil || cp == nil {
		return nil, err
	}
	logger.Info("Using checkpoint as last good snapshot", "checkpoint_id", cp.ID, "version", cp.Version)
	return cp.Snapshot, nil
}

func (e *Engine) BeforePush(ctx context.Context, base *document.Snapshot, delta int) {
	if _, err := e.checkpoints.MaybeAuto(ctx, base, delta); err != nil {
		logger.LogErr(err, "failed to create automatic checkpoint", "delta", delta)
	}
}

func (e *Engine) Commit(merged *document.Document, remote *document.Snapshot, localVersion uint64) error {
	e.mu.Lock()
	if e.seenEpoch != e.epoch {
		e.mu.Unlock()
		logger.Info("Discarding cycle result from before a local reset")
		return nil
	}
	local := e.state.Document
	if retention := e.cfg.Retention(); retention > 0 {
		// merged is already compacted; keep expired tombstones from coming back
		local, _ = document.Compact(local, e.clock.Now().Add(-retention).UnixMilli())
	}
	e.state.Document = merge.Merge(local, merged)
	e.state.Remote = remote
	if localVersion > e.state.PushedVersion {
		e.state.PushedVersion = localVersion
	}
	e.state.LastSyncedAt = e.clock.Now().UTC()
	e.log.Clock().ObserveDocument(merged)
	err := e.saveLocked()
	view := e.state.Document.View()
	dirty := e.state.Dirty()
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.metrics.SetDirty(dirty)
	e.notifyMerged(view)
	return nil
}

// snapshotLocked wraps the current document at the last known remote version.
func (e *Engine) snapshotLocked() *document.Snapshot {
	var version uint64
	if e.state.Remote != nil {
		version = e.state.Remote.Version
	}
	return document.NewSnapshot(e.state.Document, version, e.clock.Now())
}

// stamp is the update clock, used for restore updates.
func (e *Engine) stamp() document.Timestamp {
	return e.log.Clock().Next()
}

var _ scheduler.Store = (*Engine)(nil)
