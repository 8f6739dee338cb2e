package changelog_test

import (
	"bytes"
	"testing"
	"time"

	"readsync/changelog"
	"readsync/document"
)

func fixedNow(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

// ============================================================================
// Clock
// ============================================================================

func TestClockIsMonotonic(t *testing.T) {
	clock := changelog.NewClock("dev-a", fixedNow(1000))

	first := clock.Next()
	second := clock.Next()
	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
	if first.Device != "dev-a" {
		t.Errorf("expected device dev-a, got %s", first.Device)
	}
}

func TestClockObservesRemoteTime(t *testing.T) {
	clock := changelog.NewClock("dev-a", fixedNow(1000))
	clock.Observe(document.Timestamp{Time: 5000, Device: "dev-b"})

	if got := clock.Next(); got.Time != 5001 {
		t.Errorf("expected 5001 after observing 5000, got %d", got.Time)
	}
}

// ============================================================================
// Log
// ============================================================================

func TestLogRecordsPendingUpdates(t *testing.T) {
	log := changelog.NewLog(changelog.NewClock("dev-a", fixedNow(1000)))

	u, err := log.Set(document.Books, "b1", "title", "Dune")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if string(u.Value) != `"Dune"` || u.Origin() != "dev-a" {
		t.Errorf("unexpected update %+v", u)
	}
	if _, err := log.Delete(document.Annotations, "a1", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := log.Visit("v1", map[string]any{"book": "b1"}); err != nil {
		t.Fatalf("Visit: %v", err)
	}
	if log.Len() != 3 {
		t.Fatalf("expected 3 pending updates, got %d", log.Len())
	}

	log.Reset()
	if log.Len() != 0 {
		t.Error("expected no pending updates after Reset")
	}
}

func TestLogRejectsBadMutations(t *testing.T) {
	log := changelog.NewLog(changelog.NewClock("dev-a", nil))

	if _, err := log.Set("shelves", "x", "name", 1); err == nil {
		t.Error("expected error for unknown collection")
	}
	if _, err := log.Set(document.Books, "", "title", "x"); err == nil {
		t.Error("expected error for missing entry id")
	}
	if _, err := log.Set(document.Books, "b1", "", "x"); err == nil {
		t.Error("expected error for missing field")
	}
	if _, err := log.Set(document.ReadingHistory, "v1", "page", 3); err == nil {
		t.Error("expected error for setting a visit field")
	}
	if log.Len() != 0 {
		t.Errorf("rejected mutations should not be pending, got %d", log.Len())
	}
}

// ============================================================================
// Journal
// ============================================================================

func TestJournalStopsAtTornRecord(t *testing.T) {
	log := changelog.NewLog(changelog.NewClock("dev-a", fixedNow(1000)))
	var buf bytes.Buffer
	for i, title := range []string{"one", "two", "three"} {
		u, err := log.Set(document.Books, "b1", "title", title)
		if err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
		if err := changelog.WriteRecord(&buf, u); err != nil {
			t.Fatalf("WriteRecord %d: %v", i, err)
		}
	}
	full := buf.Len()

	// Chop the last record in half as a crash mid-append would.
	torn := buf.Bytes()[:full-5]
	updates, good, err := changelog.ReadRecords(bytes.NewReader(torn))
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 intact records, got %d", len(updates))
	}
	if string(updates[1].Value) != `"two"` {
		t.Errorf("unexpected second record %+v", updates[1])
	}
	if good >= int64(len(torn)) {
		t.Errorf("good prefix %d should end before the torn record (%d bytes)", good, len(torn))
	}

	// Flip a payload byte in the first record: nothing survives after it.
	damaged := append([]byte(nil), buf.Bytes()...)
	damaged[10] ^= 0xff
	updates, good, _ = changelog.ReadRecords(bytes.NewReader(damaged))
	if len(updates) != 0 || good != 0 {
		t.Errorf("expected no records after checksum failure, got %d (%d bytes)", len(updates), good)
	}
}
