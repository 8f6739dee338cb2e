package localstore_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"readsync/document"
	"readsync/localstore"
)

// setupStore opens a store in a fresh temp directory.
func setupStore(t *testing.T) (*localstore.Store, string, func()) {
	t.Helper()
	dir := t.TempDir()
	store, err := localstore.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store, dir, func() { store.Close() }
}

func titleUpdate(id, title string, at int64) document.Update {
	raw, _ := json.Marshal(title)
	return document.Update{
		Collection: document.Books, EntryID: id, Field: "title",
		Value: raw, TS: document.Timestamp{Time: at, Device: "dev-a"},
	}
}

// ============================================================================
// Locking and identity
// ============================================================================

func TestOpenLocksDirectory(t *testing.T) {
	_, dir, cleanup := setupStore(t)
	defer cleanup()

	if _, err := localstore.Open(dir); !errors.Is(err, localstore.ErrLocked) {
		t.Fatalf("expected ErrLocked for a second open, got %v", err)
	}
}

func TestDeviceIDIsStableUntilRotated(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()

	first, err := store.DeviceID()
	if err != nil || first == "" {
		t.Fatalf("DeviceID: %q %v", first, err)
	}
	again, _ := store.DeviceID()
	if again != first {
		t.Errorf("device id changed between calls: %q vs %q", first, again)
	}
	rotated, err := store.RotateDeviceID()
	if err != nil {
		t.Fatalf("RotateDeviceID: %v", err)
	}
	if rotated == first {
		t.Error("rotation kept the old id")
	}
	if now, _ := store.DeviceID(); now != rotated {
		t.Errorf("expected rotated id %q, got %q", rotated, now)
	}
}

// ============================================================================
// State and journal
// ============================================================================

func TestSaveAndLoad(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()

	if st, err := store.Load(); err != nil || st != nil {
		t.Fatalf("expected no state on a fresh dir, got %v %v", st, err)
	}

	doc, _ := document.New().Apply(titleUpdate("b1", "Dune", 10))
	in := &localstore.State{
		DeviceID:      "dev-a",
		Document:      doc,
		LocalVersion:  3,
		PushedVersion: 1,
		Remote:        document.NewSnapshot(doc, 7, time.Unix(100, 0)),
		LastSyncedAt:  time.Unix(200, 0).UTC(),
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := store.Load()
	if err != nil || out == nil {
		t.Fatalf("Load: %v", err)
	}
	if !document.Equal(out.Document, doc) {
		t.Error("document did not round trip")
	}
	if !out.Dirty() || out.Remote == nil || out.Remote.Version != 7 {
		t.Errorf("unexpected state %+v", out)
	}
	if !out.LastSyncedAt.Equal(in.LastSyncedAt) {
		t.Errorf("last synced %v, want %v", out.LastSyncedAt, in.LastSyncedAt)
	}
}

func TestLoadReportsCorruptState(t *testing.T) {
	store, dir, cleanup := setupStore(t)
	defer cleanup()

	if err := os.WriteFile(filepath.Join(dir, "state.msgpack"), []byte("not msgpack at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); !errors.Is(err, localstore.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestJournalReplayAndTruncateOnSave(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()

	for i, title := range []string{"Dune", "Emma"} {
		if err := store.Append(titleUpdate("b1", title, int64(i+1))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := store.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 || string(got[1].Value) != `"Emma"` {
		t.Fatalf("unexpected journal %+v", got)
	}

	if err := store.Save(&localstore.State{Document: document.New()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := store.Replay(); len(got) != 0 {
		t.Errorf("journal should be empty after save, got %d", len(got))
	}

	if err := store.Append(titleUpdate("b2", "Ulysses", 5)); err != nil {
		t.Fatalf("Append after save: %v", err)
	}
	if got, _ := store.Replay(); len(got) != 1 {
		t.Errorf("expected 1 journaled update after save, got %d", len(got))
	}
}

func TestReplayCutsTornTail(t *testing.T) {
	store, dir, cleanup := setupStore(t)
	defer cleanup()

	if err := store.Append(titleUpdate("b1", "Dune", 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := filepath.Join(dir, "journal.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 50, 1, 2})
	f.Close()

	got, err := store.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the intact record only, got %d", len(got))
	}

	if err := store.Append(titleUpdate("b2", "Emma", 2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got, _ := store.Replay(); len(got) != 2 {
		t.Errorf("expected 2 records after the tail was cut, got %d", len(got))
	}
}

func TestWipeKeepsCheckpointFile(t *testing.T) {
	store, _, cleanup := setupStore(t)
	defer cleanup()

	store.Append(titleUpdate("b1", "Dune", 1))
	store.Save(&localstore.State{Document: document.New()})
	if err := os.WriteFile(store.CheckpointPath(), []byte("db"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := store.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if st, _ := store.Load(); st != nil {
		t.Error("state survived wipe")
	}
	if _, err := os.Stat(store.CheckpointPath()); err != nil {
		t.Errorf("checkpoint file should survive wipe: %v", err)
	}
}
