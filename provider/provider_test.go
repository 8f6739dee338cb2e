package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"readsync/document"
	"readsync/provider"
)

func snapshotWith(title string, version uint64) *document.Snapshot {
	doc, _ := document.New().Apply(document.Update{
		Collection: document.Books, EntryID: "b1", Field: "title",
		Value: json.RawMessage(fmt.Sprintf("%q", title)),
		TS:    document.Timestamp{Time: int64(version) * 10, Device: "dev"},
	})
	return document.NewSnapshot(doc, version, time.Now())
}

// ============================================================================
// Error taxonomy
// ============================================================================

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", provider.NewError(provider.KindQuota, "memory", "push", nil))
	if provider.KindOf(wrapped) != provider.KindQuota {
		t.Errorf("expected quota through wrapping, got %s", provider.KindOf(wrapped))
	}
	if provider.KindOf(context.DeadlineExceeded) != provider.KindNetwork {
		t.Error("deadline should classify as network")
	}
	if provider.KindOf(errors.New("boom")) != provider.KindUnknown {
		t.Error("plain errors should be unknown")
	}
	if provider.Retryable(provider.NewError(provider.KindAuth, "x", "auth", nil)) {
		t.Error("auth errors must not be retried")
	}
	if !provider.Retryable(provider.NewError(provider.KindNetwork, "x", "pull", nil)) {
		t.Error("network errors should be retried")
	}
}

// ============================================================================
// Noop
// ============================================================================

func TestNoop(t *testing.T) {
	p := provider.NewNoop()
	if _, err := p.Pull(context.Background()); !provider.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := p.Push(context.Background(), snapshotWith("x", 1)); err != nil {
		t.Errorf("expected push to succeed, got %v", err)
	}
}

// ============================================================================
// Memory
// ============================================================================

func TestMemoryDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	remote := provider.NewMemoryRemote()
	a, b := remote.Client(), remote.Client()

	if _, err := a.Pull(ctx); !provider.IsNotFound(err) {
		t.Fatalf("expected NotFound on empty remote, got %v", err)
	}
	if _, err := b.Pull(ctx); !provider.IsNotFound(err) {
		t.Fatalf("expected NotFound on empty remote, got %v", err)
	}
	if err := a.Push(ctx, snapshotWith("from a", 1)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := b.Push(ctx, snapshotWith("from b", 1)); !provider.IsConflict(err) {
		t.Fatalf("expected conflict for stale push, got %v", err)
	}

	snap, err := b.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := string(snap.Document.View().Books["b1"]["title"]); got != `"from a"` {
		t.Errorf("expected a's snapshot, got %s", got)
	}
	if err := b.Push(ctx, snapshotWith("from b", 2)); err != nil {
		t.Errorf("push after re-pull: %v", err)
	}
}

func TestMemoryNotifiesOtherClients(t *testing.T) {
	ctx := context.Background()
	remote := provider.NewMemoryRemote()
	a, b := remote.Client(), remote.Client()

	_, _ = a.Pull(ctx)
	if err := a.Push(ctx, snapshotWith("x", 1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case <-b.Changes():
	default:
		t.Error("expected b to be notified")
	}
	select {
	case <-a.Changes():
		t.Error("pusher should not be notified of its own push")
	default:
	}
}

func TestMemoryInjectedFailuresAndLatency(t *testing.T) {
	remote := provider.NewMemoryRemote()
	client := remote.Client()
	remote.FailNext("pull", provider.KindNetwork, 2)

	for i := 0; i < 2; i++ {
		if _, err := client.Pull(context.Background()); provider.KindOf(err) != provider.KindNetwork {
			t.Fatalf("attempt %d: expected network error, got %v", i, err)
		}
	}
	if _, err := client.Pull(context.Background()); !provider.IsNotFound(err) {
		t.Fatalf("expected failures to be used up, got %v", err)
	}

	remote.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Pull(ctx); provider.KindOf(err) != provider.KindNetwork {
		t.Errorf("expected deadline to surface as network error, got %v", err)
	}
}

func TestMemoryCorruptSnapshot(t *testing.T) {
	remote := provider.NewMemoryRemote()
	client := remote.Client()
	remote.Corrupt()

	if _, err := client.Pull(context.Background()); provider.KindOf(err) != provider.KindCorrupt {
		t.Fatalf("expected corrupt error, got %v", err)
	}
	// The failed pull still records the revision so the next push heals.
	if err := client.Push(context.Background(), snapshotWith("healed", 3)); err != nil {
		t.Errorf("push over corrupt snapshot: %v", err)
	}
}

func TestMemoryAuthentication(t *testing.T) {
	remote := provider.NewMemoryRemote()
	remote.RequireSecret("s3cret")
	client := remote.Client()

	if err := client.Authenticate(context.Background(), json.RawMessage(`{"secret":"nope"}`)); provider.KindOf(err) != provider.KindAuth {
		t.Errorf("expected auth error, got %v", err)
	}
	if err := client.Authenticate(context.Background(), json.RawMessage(`{"secret":"s3cret"}`)); err != nil {
		t.Errorf("expected success, got %v", err)
	}
}
