package merge_test

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"readsync/document"
	"readsync/merge"
)

func ts(t int64, device string) document.Timestamp {
	return document.Timestamp{Time: t, Device: device}
}

// randomReplica builds a document from a random subset of a shared pool of
// writes, so replicas overlap the way real devices do.
func randomReplica(rng *rand.Rand, pool []document.Update) *document.Document {
	var picked []document.Update
	for _, u := range pool {
		if rng.Intn(2) == 0 {
			picked = append(picked, u)
		}
	}
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	doc, _ := document.New().Apply(picked...)
	return doc
}

func updatePool(rng *rand.Rand, n int) []document.Update {
	devices := []string{"A", "B", "C"}
	collections := []document.Collection{document.Books, document.Annotations, document.LexiconRules, document.ReadingHistory, document.Preferences}
	var pool []document.Update
	for i := 0; i < n; i++ {
		c := collections[rng.Intn(len(collections))]
		u := document.Update{
			Collection: c,
			EntryID:    fmt.Sprintf("e%d", rng.Intn(4)),
			TS:         ts(int64(rng.Intn(40)+1), devices[rng.Intn(len(devices))]),
			Value:      json.RawMessage(fmt.Sprintf("%d", rng.Intn(100))),
		}
		switch c {
		case document.ReadingHistory:
			if rng.Intn(3) == 0 {
				u.Field = document.StateField
				u.Value = nil
				u.Tombstone = rng.Intn(2) == 0
			}
		case document.Preferences:
			u.Tombstone = rng.Intn(5) == 0
		default:
			switch rng.Intn(5) {
			case 0:
				u.Field = ""
				u.Value = nil
				u.Tombstone = rng.Intn(2) == 0
			default:
				u.Field = []string{"title", "note", document.PositionField}[rng.Intn(3)]
				u.Tombstone = rng.Intn(6) == 0
			}
		}
		pool = append(pool, u)
	}
	return pool
}

// ============================================================================
// Algebraic properties
// ============================================================================

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		pool := updatePool(rng, 30)
		a, b, c := randomReplica(rng, pool), randomReplica(rng, pool), randomReplica(rng, pool)

		if !document.Equal(merge.Merge(a, b), merge.Merge(b, a)) {
			t.Fatalf("round %d: merge is not commutative", round)
		}
		left := merge.Merge(merge.Merge(a, b), c)
		right := merge.Merge(a, merge.Merge(b, c))
		if !document.Equal(left, right) {
			t.Fatalf("round %d: merge is not associative", round)
		}
		if !document.Equal(merge.Merge(a, a), a) {
			t.Fatalf("round %d: merge is not idempotent", round)
		}
	}
}

func TestConvergenceMatchesApplyingEverything(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 100; round++ {
		pool := updatePool(rng, 25)
		all, _ := document.New().Apply(pool...)

		// Split the pool across three devices; merging them in any order
		// must equal one replica that saw every write.
		parts := make([][]document.Update, 3)
		for i, u := range pool {
			parts[i%3] = append(parts[i%3], u)
		}
		var replicas []*document.Document
		for _, p := range parts {
			d, _ := document.New().Apply(p...)
			replicas = append(replicas, d)
		}
		merged := merge.Merge(merge.Merge(replicas[2], replicas[0]), replicas[1])
		if !document.Equal(merged, all) {
			t.Fatalf("round %d: merged replicas differ from full application", round)
		}
	}
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "title", Value: json.RawMessage(`"x"`), TS: ts(1, "A")})
	b, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "title", Value: json.RawMessage(`"y"`), TS: ts(2, "B")})
	before, _ := json.Marshal(a)
	merge.Merge(a, b)
	after, _ := json.Marshal(a)
	if string(before) != string(after) {
		t.Error("merge modified its input")
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestPreferenceLastWriterWins(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.Preferences, EntryID: "theme", Value: json.RawMessage(`"dark"`), TS: ts(100, "A")})
	b, _ := document.New().Apply(document.Update{Collection: document.Preferences, EntryID: "theme", Value: json.RawMessage(`"sepia"`), TS: ts(105, "B")})

	for _, merged := range []*document.Document{merge.Merge(a, b), merge.Merge(b, a)} {
		if got := string(merged.View().Preferences["theme"]); got != `"sepia"` {
			t.Errorf("expected sepia to win, got %s", got)
		}
	}
}

func TestTieBreaksOnDeviceID(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "title", Value: json.RawMessage(`"from A"`), TS: ts(100, "A")})
	b, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "title", Value: json.RawMessage(`"from B"`), TS: ts(100, "B")})

	if got := string(merge.Merge(a, b).View().Books["b1"]["title"]); got != `"from B"` {
		t.Errorf("expected the higher device id to win, got %s", got)
	}
}

func TestFieldsAbsentOnOneSideArePreserved(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "title", Value: json.RawMessage(`"Dune"`), TS: ts(100, "A")})
	b, _ := document.New().Apply(document.Update{Collection: document.Books, EntryID: "b1", Field: "progress", Value: json.RawMessage(`0.4`), TS: ts(90, "B")})

	entry := merge.Merge(a, b).View().Books["b1"]
	if string(entry["title"]) != `"Dune"` || string(entry["progress"]) != `0.4` {
		t.Errorf("expected both fields, got %v", entry)
	}
}

func TestLexiconDeleteBeatsEarlierAdd(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.LexiconRules, EntryID: "r1", Field: "pattern", Value: json.RawMessage(`"Hermione"`), TS: ts(150, "A")})
	b, _ := a.Apply(document.Update{Collection: document.LexiconRules, EntryID: "r1", Tombstone: true, TS: ts(200, "B")})

	merged := merge.Merge(a, b)
	if len(merged.View().LexiconRules) != 0 {
		t.Error("deleted rule is visible")
	}
	rec, ok := merged.LexiconRules["r1"]
	if !ok || !rec.Deleted() {
		t.Error("tombstone for r1 should be retained until garbage collection")
	}
}

func TestHistoryUnionByID(t *testing.T) {
	a, _ := document.New().Apply(document.Update{Collection: document.ReadingHistory, EntryID: "v1", Value: json.RawMessage(`1`), TS: ts(10, "A")})
	b, _ := document.New().Apply(
		document.Update{Collection: document.ReadingHistory, EntryID: "v1", Value: json.RawMessage(`1`), TS: ts(10, "A")},
		document.Update{Collection: document.ReadingHistory, EntryID: "v2", Value: json.RawMessage(`2`), TS: ts(5, "B")},
	)
	hist := merge.Merge(a, b).View().ReadingHistory
	if len(hist) != 2 || hist[0].ID != "v2" || hist[1].ID != "v1" {
		t.Errorf("unexpected history %+v", hist)
	}
}
