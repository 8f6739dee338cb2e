package checkpoint_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"readsync/checkpoint"
	"readsync/document"
)

// setupManager opens an in-memory checkpoint store.
func setupManager(t *testing.T, threshold int, window time.Duration) (*checkpoint.Manager, *clockwork.FakeClock, func()) {
	t.Helper()
	store, err := checkpoint.OpenStore("")
	if err != nil {
		t.Fatalf("failed to open checkpoint store: %v", err)
	}
	now := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := checkpoint.NewManager(store, checkpoint.Options{
		Threshold: threshold,
		Window:    window,
		Clock:     now,
	})
	return mgr, now, func() { store.Close() }
}

func snapshotOf(t *testing.T, version uint64, titles ...string) *document.Snapshot {
	t.Helper()
	doc := document.New()
	for i, title := range titles {
		doc, _ = doc.Apply(document.Update{
			Collection: document.Books, EntryID: fmt.Sprintf("b%d", i), Field: "title",
			Value: json.RawMessage(fmt.Sprintf("%q", title)),
			TS:    document.Timestamp{Time: int64(i + 1), Device: "dev"},
		})
	}
	return document.NewSnapshot(doc, version, time.Unix(0, 0))
}

// ============================================================================
// Create / List / Get
// ============================================================================

func TestCreateListAndGet(t *testing.T) {
	mgr, now, cleanup := setupManager(t, 10, time.Hour)
	defer cleanup()
	ctx := context.Background()

	first, err := mgr.Create(ctx, snapshotOf(t, 1, "Dune"), "first", checkpoint.TagManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now.Advance(time.Minute)
	second, err := mgr.Create(ctx, snapshotOf(t, 2, "Dune", "Emma"), "second", checkpoint.TagManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	got, err := mgr.Get(ctx, first.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Label != "first" || got.Version != 1 || len(got.DeviceIDs) != 1 {
		t.Errorf("unexpected checkpoint %+v", got)
	}
	if len(got.Snapshot.Document.View().Books) != 1 {
		t.Errorf("unexpected snapshot content %+v", got.Snapshot.Document.View())
	}

	missing, err := mgr.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown id, got %v %v", missing, err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	mgr, _, cleanup := setupManager(t, 10, time.Hour)
	defer cleanup()

	if _, err := mgr.Create(context.Background(), nil, "x", checkpoint.TagManual); err == nil {
		t.Error("expected error for nil snapshot")
	}
	if _, err := mgr.Create(context.Background(), snapshotOf(t, 1), "x", "weekly"); err == nil {
		t.Error("expected error for unknown tag")
	}
}

// ============================================================================
// Automatic checkpoints
// ============================================================================

func TestMaybeAutoHonorsThresholdAndWindow(t *testing.T) {
	mgr, now, cleanup := setupManager(t, 10, time.Hour)
	defer cleanup()
	ctx := context.Background()
	base := snapshotOf(t, 4, "Dune")

	if cp, err := mgr.MaybeAuto(ctx, base, 3); err != nil || cp != nil {
		t.Fatalf("small delta should not checkpoint: %v %v", cp, err)
	}
	if cp, err := mgr.MaybeAuto(ctx, base, 10); err != nil || cp != nil {
		t.Fatalf("a delta equal to the threshold does not exceed it: %v %v", cp, err)
	}
	cp, err := mgr.MaybeAuto(ctx, base, 25)
	if err != nil || cp == nil {
		t.Fatalf("large delta should checkpoint: %v", err)
	}
	if cp.Tag != checkpoint.TagAuto || !strings.Contains(cp.Label, "25") {
		t.Errorf("unexpected auto checkpoint %+v", cp)
	}

	now.Advance(30 * time.Minute)
	if cp, _ := mgr.MaybeAuto(ctx, base, 25); cp != nil {
		t.Error("second auto checkpoint inside the window")
	}
	now.Advance(31 * time.Minute)
	if cp, _ := mgr.MaybeAuto(ctx, base, 25); cp == nil {
		t.Error("expected auto checkpoint once the window elapsed")
	}
}

// ============================================================================
// Prune
// ============================================================================

func TestPrune(t *testing.T) {
	mgr, now, cleanup := setupManager(t, 1, 0)
	defer cleanup()
	ctx := context.Background()

	old, _ := mgr.Create(ctx, snapshotOf(t, 1), "old manual", checkpoint.TagManual)
	for i := 0; i < 4; i++ {
		if _, err := mgr.Create(ctx, snapshotOf(t, uint64(i+2)), "auto", checkpoint.TagAuto); err != nil {
			t.Fatalf("Create auto: %v", err)
		}
		now.Advance(time.Hour)
	}

	removed, err := mgr.Prune(ctx, checkpoint.Policy{KeepAuto: 2})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 autos pruned, got %d", removed)
	}

	now.Advance(100 * 24 * time.Hour)
	removed, _ = mgr.Prune(ctx, checkpoint.Policy{MaxAge: 90 * 24 * time.Hour})
	if removed != 2 {
		t.Errorf("expected remaining autos to expire, got %d", removed)
	}
	list, _ := mgr.List(ctx)
	if len(list) != 1 || list[0].ID != old.ID {
		t.Errorf("manual checkpoint should survive without IncludeManual, got %+v", list)
	}
}

// ============================================================================
// Preview
// ============================================================================

func TestPreviewShowsDifferences(t *testing.T) {
	mgr, _, cleanup := setupManager(t, 10, time.Hour)
	defer cleanup()
	ctx := context.Background()

	cp, err := mgr.Create(ctx, snapshotOf(t, 1, "Dune"), "before", checkpoint.TagManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	live := snapshotOf(t, 2, "Dune", "Emma").Document

	preview, err := mgr.Preview(ctx, cp.ID, live)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if preview.Deletions == 0 || !strings.Contains(preview.Patch, "Emma") {
		t.Errorf("expected the preview to remove Emma, got %+v", preview)
	}

	same, _ := mgr.Preview(ctx, cp.ID, snapshotOf(t, 1, "Dune").Document)
	if same.Patch != "" {
		t.Errorf("expected empty patch for identical content, got %q", same.Patch)
	}
}
