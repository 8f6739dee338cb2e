package engine

import (
	"context"
	"encoding/json"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"readsync/checkpoint"
	"readsync/config"
	"readsync/document"
	"readsync/localstore"
	"readsync/provider"
)

// ============================================================================
// Checkpoints
// ============================================================================

// CreateCheckpoint saves the current document under label.
func (e *Engine) CreateCheckpoint(ctx context.Context, label string) (*checkpoint.Checkpoint, error) {
	e.mu.RLock()
	snap := e.snapshotLocked()
	e.mu.RUnlock()
	if label == "" {
		label = "Manual checkpoint"
	}
	return e.checkpoints.Create(ctx, snap, label, checkpoint.TagManual)
}

// ListCheckpoints returns all checkpoints, newest first.
func (e *Engine) ListCheckpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return e.checkpoints.List(ctx)
}

// RestoreCheckpoint makes the live document look like checkpoint id. The
// restore is written as ordinary newer updates, so it syncs to other
// devices like any edit and never bypasses the merge.
func (e *Engine) RestoreCheckpoint(ctx context.Context, id string) error {
	cp, err := e.checkpoints.Get(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		return serr.New("checkpoint not found: " + id)
	}

	e.mu.RLock()
	live := e.state.Document
	e.mu.RUnlock()

	updates := document.RestoreUpdates(live, cp.Snapshot.Document, e.stamp)
	if len(updates) == 0 {
		logger.Info("Checkpoint matches live document, nothing to restore", "checkpoint_id", id)
		return nil
	}
	e.log.Append(updates...)
	if err := e.apply(updates...); err != nil {
		return err
	}
	logger.Info("Checkpoint restored", "checkpoint_id", id, "label", cp.Label, "updates", len(updates))
	return nil
}

// PruneCheckpoints applies the retention policy: checkpoints older than
// the retention window go, and only the newest automatic ones are kept.
func (e *Engine) PruneCheckpoints(ctx context.Context) (int, error) {
	cfg := e.config()
	return e.checkpoints.Prune(ctx, checkpoint.Policy{
		MaxAge:   cfg.Retention(),
		KeepAuto: cfg.MaxAutoCheckpoints,
	})
}

// PreviewCheckpoint shows what restoring id would change.
func (e *Engine) PreviewCheckpoint(ctx context.Context, id string) (*checkpoint.Preview, error) {
	e.mu.RLock()
	live := e.state.Document
	e.mu.RUnlock()
	return e.checkpoints.Preview(ctx, id, live)
}

// ============================================================================
// Account and local data
// ============================================================================

// Reconfigure switches to another provider or new credentials. An auth
// block is cleared once the new credentials authenticate.
func (e *Engine) Reconfigure(ctx context.Context, providerName string, credentials json.RawMessage) error {
	next := *e.config()
	next.Provider = providerName
	next.Credentials = credentials
	if err := next.Validate(); err != nil {
		return err
	}
	p, err := e.opts.factory(&next)
	if err != nil {
		return serr.Wrap(err, "failed to create provider")
	}
	if err := e.authenticate(ctx, p, credentials); provider.KindOf(err) == provider.KindAuth {
		return err
	}

	e.mu.Lock()
	e.cfg = &next
	e.provider = p
	e.state.Remote = nil // the new remote has its own history
	e.mu.Unlock()

	e.sched.Reconfigure(p)
	logger.Info("Sync engine reconfigured", "provider", p.Name())
	return nil
}

// Disconnect stops syncing with the current provider, deleting the remote
// snapshot first when wipeRemote is set. Local data is kept.
func (e *Engine) Disconnect(ctx context.Context, wipeRemote bool) error {
	e.mu.RLock()
	p := e.provider
	e.mu.RUnlock()

	if wipeRemote {
		cctx, cancel := context.WithTimeout(ctx, e.config().AttemptTimeout())
		err := p.Clear(cctx)
		cancel()
		if err != nil {
			return serr.Wrap(err, "failed to clear remote snapshot")
		}
		logger.Info("Remote snapshot cleared", "provider", p.Name())
	}

	noop := provider.NewNoop()
	e.mu.Lock()
	next := *e.cfg
	next.Provider = config.ProviderNone
	next.Credentials = nil
	e.cfg = &next
	e.provider = noop
	e.state.Remote = nil
	err := e.saveLocked()
	e.mu.Unlock()

	e.sched.Reconfigure(noop)
	logger.Info("Sync disconnected", "provider", p.Name(), "wiped_remote", wipeRemote)
	return err
}

// ResetLocalData discards the local document and journal and takes a new
// device id. Checkpoints survive. The next cycle adopts the remote state
// as a fresh device.
func (e *Engine) ResetLocalData(ctx context.Context) error {
	e.mu.Lock()
	if err := e.local.Wipe(); err != nil {
		e.mu.Unlock()
		return err
	}
	deviceID, err := e.local.RotateDeviceID()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.epoch++
	e.log.Reset()
	e.log.Clock().SetDevice(deviceID)
	e.state = localstore.State{DeviceID: deviceID, Document: document.New()}
	err = e.saveLocked()
	view := e.state.Document.View()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	logger.Info("Local data reset", "device_id", deviceID)
	e.metrics.SetDirty(false)
	e.notifyMerged(view)
	e.sched.Notify()
	return nil
}
