package fileblob_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"readsync/document"
	"readsync/provider"
	"readsync/provider/fileblob"
)

// setupDirProvider authenticates a provider against a fresh shared dir.
func setupDirProvider(t *testing.T, dir string) (*fileblob.Provider, func()) {
	t.Helper()
	p := fileblob.New()
	creds, _ := json.Marshal(map[string]string{"store": "dir", "dir": dir})
	if err := p.Authenticate(context.Background(), creds); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return p, func() { p.Close() }
}

func snapshotWithTitle(version uint64, title string) *document.Snapshot {
	raw, _ := json.Marshal(title)
	doc, _ := document.New().Apply(document.Update{
		Collection: document.Books, EntryID: "b1", Field: "title", Value: raw,
		TS: document.Timestamp{Time: int64(version), Device: "dev-a"},
	})
	return document.NewSnapshot(doc, version, time.Unix(int64(version), 0))
}

// ============================================================================
// Round trip and conflicts
// ============================================================================

func TestPushPullRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, cleanup := setupDirProvider(t, dir)
	defer cleanup()
	ctx := context.Background()

	if _, err := p.Pull(ctx); !provider.IsNotFound(err) {
		t.Fatalf("expected NotFound on empty store, got %v", err)
	}
	if err := p.Push(ctx, snapshotWithTitle(1, "Dune")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	snap, err := p.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if snap.Version != 1 || string(snap.Document.View().Books["b1"]["title"]) != `"Dune"` {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPushConflictsWhenRemoteMoved(t *testing.T) {
	dir := t.TempDir()
	a, cleanupA := setupDirProvider(t, dir)
	defer cleanupA()
	b, cleanupB := setupDirProvider(t, dir)
	defer cleanupB()
	ctx := context.Background()

	a.Pull(ctx)
	b.Pull(ctx)
	if err := a.Push(ctx, snapshotWithTitle(1, "Dune")); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := b.Push(ctx, snapshotWithTitle(1, "Emma")); !provider.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := b.Pull(ctx); err != nil {
		t.Fatalf("re-pull: %v", err)
	}
	if err := b.Push(ctx, snapshotWithTitle(2, "Emma")); err != nil {
		t.Errorf("push after re-pull should succeed: %v", err)
	}
}

// ============================================================================
// Corruption and credentials
// ============================================================================

func TestCorruptBlobIsReportedAndHealed(t *testing.T) {
	dir := t.TempDir()
	p, cleanup := setupDirProvider(t, dir)
	defer cleanup()
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, fileblob.DefaultObject), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pull(ctx); provider.KindOf(err) != provider.KindCorrupt {
		t.Fatalf("expected Corrupt, got %v", err)
	}
	if err := p.Push(ctx, snapshotWithTitle(3, "Dune")); err != nil {
		t.Fatalf("healing push should succeed: %v", err)
	}
	if snap, err := p.Pull(ctx); err != nil || snap.Version != 3 {
		t.Errorf("expected healed snapshot, got %v %v", snap, err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	p := fileblob.New()
	ctx := context.Background()

	for _, creds := range []string{``, `not json`, `{"store": "ftp"}`, `{"store": "dir"}`} {
		err := p.Authenticate(ctx, json.RawMessage(creds))
		if provider.KindOf(err) != provider.KindAuth {
			t.Errorf("credentials %q: expected Auth error, got %v", creds, err)
		}
	}
	if _, err := p.Pull(ctx); provider.KindOf(err) != provider.KindAuth {
		t.Errorf("pull before auth should be an Auth error, got %v", err)
	}
}

func TestClearRemovesBlob(t *testing.T) {
	dir := t.TempDir()
	p, cleanup := setupDirProvider(t, dir)
	defer cleanup()
	ctx := context.Background()

	p.Pull(ctx)
	if err := p.Push(ctx, snapshotWithTitle(1, "Dune")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := p.Pull(ctx); !provider.IsNotFound(err) {
		t.Errorf("expected NotFound after clear, got %v", err)
	}
}

// ============================================================================
// Change notification
// ============================================================================

func TestDirStoreSignalsChanges(t *testing.T) {
	dir := t.TempDir()
	watcher, cleanupW := setupDirProvider(t, dir)
	defer cleanupW()
	writer, cleanupWr := setupDirProvider(t, dir)
	defer cleanupWr()

	changes := watcher.Changes()
	if changes == nil {
		t.Fatal("dir store should expose a change channel")
	}
	writer.Pull(context.Background())
	if err := writer.Push(context.Background(), snapshotWithTitle(1, "Dune")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal after another writer pushed")
	}
}
