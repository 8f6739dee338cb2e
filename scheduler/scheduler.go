// Package scheduler drives sync cycles: it debounces local mutations,
// pulls, merges and pushes, retries with backoff, and makes one bounded
// flush attempt on shutdown.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"readsync/config"
	"readsync/document"
	"readsync/merge"
	"readsync/metrics"
	"readsync/provider"
)

// ============================================================================
// Sync Scheduler
//
// One goroutine owns the cycle. Mutations, remote change signals, timer
// expiry, connectivity hints and Sync Now requests all arrive on channels,
// so two cycles can never overlap and no cycle state needs locking. Only
// the published Status is shared, behind mu.
//
// The scheduler never holds the document. It reads the current local state
// from the Store at the start of a cycle and hands the merged result back
// through Commit, so local mutations keep landing while a cycle is in
// flight and simply make the store dirty again.
// ============================================================================

var (
	ErrBusy         = errors.New("sync already in progress")
	ErrAuthRequired = errors.New("account needs to be reconnected")
	ErrOffline      = errors.New("device is offline")
	ErrStopped      = errors.New("scheduler is stopped")
)

// Store is the owner of the local document.
type Store interface {
	// Local returns the current local document and its local version.
	Local() (*document.Document, uint64)

	// Dirty reports whether local versions exist that were never pushed.
	Dirty() bool

	// LastGood returns the snapshot to fall back to when the remote one is
	// corrupt: the last remote snapshot seen, else the newest valid
	// checkpoint. Nil when neither exists.
	LastGood(ctx context.Context) (*document.Snapshot, error)

	// BeforePush runs before base is replaced by a push that moves the
	// remote version by delta.
	BeforePush(ctx context.Context, base *document.Snapshot, delta int)

	// Commit installs the outcome of a successful cycle. merged already
	// contains every local update up to localVersion; remote is what the
	// provider now holds.
	Commit(merged *document.Document, remote *document.Snapshot, localVersion uint64) error
}

// Options tune timing and retries.
type Options struct {
	Debounce           time.Duration
	MaxBackoff         time.Duration
	PollInterval       time.Duration // 0 disables periodic pulls
	AttemptTimeout     time.Duration
	FlushTimeout       time.Duration
	MaxConflictRetries int
	Retention          time.Duration // tombstones older than this are compacted
	Clock              clockwork.Clock
	Metrics            *metrics.Metrics
}

// OptionsFrom derives scheduler options from the engine configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Debounce:           cfg.Debounce(),
		MaxBackoff:         cfg.MaxBackoff(),
		PollInterval:       cfg.PollInterval(),
		AttemptTimeout:     cfg.AttemptTimeout(),
		FlushTimeout:       cfg.FlushTimeout(),
		MaxConflictRetries: cfg.MaxConflictRetries,
		Retention:          cfg.Retention(),
	}
}

type syncRequest struct {
	result chan error
}

// Scheduler runs sync cycles for one store against one provider.
type Scheduler struct {
	store   Store
	opts    Options
	clock   clockwork.Clock
	metrics *metrics.Metrics

	// Loop-owned
	provider  provider.Provider
	changes   <-chan struct{}
	retry     *retryPolicy
	timer     clockwork.Timer
	timerC    <-chan time.Time
	online    bool
	authBlock bool

	wake       chan struct{}
	syncNow    chan syncRequest
	onlineC    chan bool
	providerC  chan provider.Provider
	stop       chan struct{}
	done       chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	cycleMu    sync.Mutex  // single in-flight cycle guard
	inProgress atomic.Bool // true while a cycle is running

	mu     sync.Mutex
	status Status
}

// New returns a scheduler; call Start to run it.
func New(p provider.Provider, store Store, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 3 * time.Second
	}
	if opts.MaxConflictRetries < 1 {
		opts.MaxConflictRetries = 5
	}
	s := &Scheduler{
		store:     store,
		opts:      opts,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		online:    true,
		wake:      make(chan struct{}, 1),
		syncNow:   make(chan syncRequest),
		onlineC:   make(chan bool),
		providerC: make(chan provider.Provider),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    Status{State: StateIdle},
	}
	s.setProvider(p)
	s.retry = newRetryPolicy(opts.MaxBackoff, opts.Clock)
	return s
}

func (s *Scheduler) setProvider(p provider.Provider) {
	s.provider = p
	s.changes = nil
	if w, ok := p.(provider.Watcher); ok {
		s.changes = w.Changes()
	}
	s.mu.Lock()
	s.status.Provider = p.Name()
	s.mu.Unlock()
}

// BlockAuth marks the account as needing reconnection before the loop
// starts, as when Authenticate already failed.
func (s *Scheduler) BlockAuth(err error) {
	s.authBlock = true
	s.mu.Lock()
	s.status.AuthRequired = true
	s.status.PendingError = authMessage(err)
	s.mu.Unlock()
}

// Start launches the loop. The first cycle runs immediately so a fresh
// start adopts remote state and resumes an unfinished push.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
	logger.Info("Sync scheduler started", "provider", s.provider.Name(), "debounce", s.opts.Debounce.String())
}

// Stop makes one flush attempt bounded by the flush timeout and waits for
// the loop to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// Notify tells the scheduler a local mutation happened. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SyncNow runs a cycle right away and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if s.inProgress.Load() {
		return ErrBusy
	}
	req := syncRequest{result: make(chan error, 1)}
	select {
	case s.syncNow <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnline passes a connectivity hint. Going offline suspends attempts;
// coming back online runs a cycle.
func (s *Scheduler) SetOnline(online bool) {
	if !s.started.Load() {
		s.online = online
		return
	}
	select {
	case s.onlineC <- online:
	case <-s.done:
	}
}

// Reconfigure swaps the provider, clears an auth block and syncs.
func (s *Scheduler) Reconfigure(p provider.Provider) {
	if s.started.Load() {
		select {
		case s.providerC <- p:
			return
		case <-s.done:
		}
	}
	s.setProvider(p)
	s.authBlock = false
	s.mu.Lock()
	s.status.AuthRequired = false
	s.status.PendingError = ""
	s.mu.Unlock()
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status.snapshot()
	st.InProgress = s.inProgress.Load()
	return st
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	prev := s.status.State
	s.status.State = state
	s.mu.Unlock()
	if prev != state {
		logger.Debug("Sync state changed", "from", string(prev), "to", string(state))
	}
}

// ============================================================================
// Event loop
// ============================================================================

func (s *Scheduler) arm(d time.Duration) {
	s.disarm()
	at := s.clock.Now().Add(d)
	s.mu.Lock()
	s.status.NextAttemptAt = &at
	s.mu.Unlock()
	s.timer = s.clock.NewTimer(d)
	s.timerC = s.timer.Chan()
}

func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer, s.timerC = nil, nil
	s.mu.Lock()
	s.status.NextAttemptAt = nil
	s.mu.Unlock()
}

// idle settles in Idle or Dirty and schedules the next periodic pull.
func (s *Scheduler) idle() {
	if s.store.Dirty() {
		s.setState(StateDirty)
	} else {
		s.setState(StateIdle)
	}
	if s.authBlock || !s.online {
		s.disarm()
		return
	}
	if s.opts.PollInterval > 0 {
		s.arm(s.opts.PollInterval)
	} else {
		s.disarm()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.disarm()

	if s.authBlock {
		s.idle()
	} else {
		s.arm(0)
	}

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return

		case <-s.stop:
			s.flush()
			return

		case <-s.wake:
			s.metrics.SetDirty(true)
			switch {
			case s.authBlock:
				s.setState(StateDirty)
			case !s.online:
				// Mutations accumulate in the document until connectivity returns
			case s.currentState() == StateBackoff:
				// The pending retry picks the mutation up
			default:
				s.setState(StateDebouncing)
				s.arm(s.opts.Debounce)
			}

		case _, ok := <-s.changes:
			if !ok {
				s.changes = nil
				continue
			}
			if s.authBlock || !s.online {
				continue
			}
			switch s.currentState() {
			case StateBackoff, StateDebouncing:
				continue
			}
			logger.Debug("Remote change signalled", "provider", s.provider.Name())
			s.disarm()
			s.after(s.cycle(ctx))

		case <-s.timerC:
			s.disarm()
			s.after(s.cycle(ctx))

		case req := <-s.syncNow:
			var err error
			switch {
			case s.authBlock:
				err = ErrAuthRequired
			case !s.online:
				err = ErrOffline
			default:
				s.disarm()
				err = s.cycle(ctx)
				s.after(err)
			}
			req.result <- err

		case online := <-s.onlineC:
			if online == s.online {
				continue
			}
			s.online = online
			if !online {
				logger.Info("Sync paused, device offline")
				s.disarm()
				s.setState(StateOffline)
				continue
			}
			logger.Info("Connectivity restored, syncing")
			s.retry.reset()
			s.metrics.SetBackoff(0)
			if !s.authBlock {
				s.arm(0)
			} else {
				s.idle()
			}

		case p := <-s.providerC:
			if c, ok := s.provider.(provider.Closer); ok && s.provider != p {
				if err := c.Close(); err != nil {
					logger.LogErr(err, "failed to close previous provider")
				}
			}
			s.setProvider(p)
			s.authBlock = false
			s.retry.reset()
			s.mu.Lock()
			s.status.AuthRequired = false
			s.status.PendingError = ""
			s.mu.Unlock()
			s.metrics.SetBackoff(0)
			logger.Info("Sync provider reconfigured", "provider", p.Name())
			if s.online {
				s.arm(0)
			}
		}
	}
}

func (s *Scheduler) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

// after moves the state machine on from a finished cycle.
func (s *Scheduler) after(err error) {
	if err == nil {
		s.retry.reset()
		s.metrics.SetBackoff(0)
		s.mu.Lock()
		s.status.PendingError = ""
		s.mu.Unlock()
		if s.store.Dirty() {
			// Mutations arrived during the cycle
			s.setState(StateDebouncing)
			s.arm(s.opts.Debounce)
			return
		}
		s.metrics.SetDirty(false)
		s.idle()
		return
	}
	if errors.Is(err, ErrBusy) {
		return
	}

	if provider.KindOf(err) == provider.KindAuth {
		logger.LogErr(err, "sync provider rejected credentials, waiting for reconfiguration")
		s.BlockAuth(err)
		s.metrics.CycleDone("auth")
		s.idle()
		return
	}

	if !s.online {
		s.setState(StateOffline)
		return
	}

	d, surface := s.retry.next()
	s.mu.Lock()
	if surface {
		s.status.PendingError = err.Error()
	}
	s.mu.Unlock()
	s.metrics.SetBackoff(d)
	logger.LogErr(err, "sync cycle failed, backing off", "retry_in", d.String(), "kind", provider.KindOf(err).String())
	s.setState(StateBackoff)
	s.arm(d)
}

// flush makes one bounded attempt to push unsynced changes on shutdown.
// Anything left over is picked up by the next start's dirty check.
func (s *Scheduler) flush() {
	if s.authBlock || !s.online || !s.store.Dirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()
	if err := s.cycle(ctx); err != nil {
		logger.LogErr(err, "final flush did not complete, will resume on next start")
		return
	}
	logger.Info("Flushed local changes on shutdown")
}

func authMessage(err error) string {
	if err == nil {
		return "reconnect account"
	}
	return "reconnect account: " + err.Error()
}

// ============================================================================
// Sync cycle
// ============================================================================

// cycle runs pull, merge and push, re-pulling on version conflicts up to
// the configured number of times.
func (s *Scheduler) cycle(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		return ErrBusy
	}
	defer s.cycleMu.Unlock()
	s.inProgress.Store(true)
	defer s.inProgress.Store(false)

	var err error
	for try := 1; try <= s.opts.MaxConflictRetries; try++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
		var pushed bool
		pushed, err = s.attempt(attemptCtx)
		cancel()

		if err == nil {
			now := s.clock.Now()
			s.mu.Lock()
			s.status.LastSyncedAt = &now
			s.mu.Unlock()
			if pushed {
				s.metrics.CycleDone("synced")
			} else {
				s.metrics.CycleDone("unchanged")
			}
			return nil
		}
		if !provider.IsConflict(err) {
			break
		}
		s.metrics.Conflict()
		logger.Info("Remote moved during push, re-pulling", "attempt", try, "provider", s.provider.Name())
	}
	s.metrics.CycleDone("failed")
	return err
}

// attempt is one pull-merge-push pass. It reports whether it pushed.
func (s *Scheduler) attempt(ctx context.Context) (bool, error) {
	p := s.provider
	if _, ok := p.(*provider.Noop); ok && !s.store.Dirty() {
		// Nothing leaves the device, so a clean store has nothing to do
		return false, nil
	}

	s.setState(StatePulling)
	start := time.Now()
	remote, err := p.Pull(ctx)
	s.metrics.ObservePhase("pull", start)

	healing := false
	switch {
	case err == nil:
	case provider.IsNotFound(err):
		remote = nil
	case provider.KindOf(err) == provider.KindCorrupt:
		// Keep local state, discard the remote and rebuild it from the last
		// good snapshot we know of.
		logger.LogErr(err, "remote snapshot is corrupt, falling back to last good state", "provider", p.Name())
		good, gerr := s.store.LastGood(ctx)
		if gerr != nil {
			return false, serr.Wrap(gerr, "failed to load last good snapshot")
		}
		remote, healing = good, true
		s.metrics.Recovered()
	default:
		return false, err
	}

	s.setState(StateMerging)
	start = time.Now()
	local, localVersion := s.store.Local()
	var remoteDoc *document.Document
	var baseVersion uint64
	if remote != nil {
		remoteDoc, baseVersion = remote.Document, remote.Version
	}
	merged := merge.Merge(local, remoteDoc)
	if s.opts.Retention > 0 {
		cutoff := s.clock.Now().Add(-s.opts.Retention).UnixMilli()
		var removed int
		merged, removed = document.Compact(merged, cutoff)
		if removed > 0 {
			logger.Debug("Compacted expired tombstones", "removed", removed)
		}
	}
	s.metrics.ObservePhase("merge", start)

	needPush := healing || remote == nil || !document.Equal(merged, remoteDoc)
	if !needPush {
		if err := s.store.Commit(merged, remote, localVersion); err != nil {
			return false, serr.Wrap(err, "failed to commit merged document")
		}
		s.setRemoteVersion(baseVersion)
		return false, nil
	}

	delta := len(document.Diff(remoteDoc, merged))
	if delta < 1 {
		delta = 1
	}
	if remote != nil {
		s.store.BeforePush(ctx, remote, delta)
	}
	next := document.NewSnapshot(merged, baseVersion+uint64(delta), s.clock.Now())

	s.setState(StatePushing)
	start = time.Now()
	if pp, ok := p.(provider.PartialPusher); ok && remote != nil && !healing {
		err = pp.PushPartial(ctx, remote, next)
	} else {
		err = p.Push(ctx, next)
	}
	s.metrics.ObservePhase("push", start)
	if err != nil {
		return false, err
	}

	if err := s.store.Commit(merged, next, localVersion); err != nil {
		return true, serr.Wrap(err, "failed to commit pushed document")
	}
	s.setRemoteVersion(next.Version)
	logger.Info("Sync cycle pushed snapshot", "provider", p.Name(), "version", next.Version, "changes", delta, "healed", healing)
	return true, nil
}

func (s *Scheduler) setRemoteVersion(v uint64) {
	s.mu.Lock()
	s.status.RemoteVersion = v
	s.mu.Unlock()
}
