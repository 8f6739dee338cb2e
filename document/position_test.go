package document_test

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"readsync/document"
)

func TestBetweenStaysOrdered(t *testing.T) {
	cases := [][2]string{
		{"", ""},
		{"", "V"},
		{"V", ""},
		{"", "1"},
		{"z", ""},
		{"a1", "a2"},
		{"V", "V1"},
		{"1", "2V"},
		{"1A", "2"},
	}
	for _, c := range cases {
		got, err := document.Between(c[0], c[1])
		if err != nil {
			t.Fatalf("Between(%q, %q): %v", c[0], c[1], err)
		}
		if got <= c[0] || (c[1] != "" && got >= c[1]) {
			t.Errorf("Between(%q, %q) = %q is out of range", c[0], c[1], got)
		}
		if got[len(got)-1] == '0' {
			t.Errorf("Between(%q, %q) = %q ends in zero", c[0], c[1], got)
		}
	}
}

func TestBetweenRepeatedInsertion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := []string{}
	for i := 0; i < 300; i++ {
		at := rng.Intn(len(keys) + 1)
		lo, hi := "", ""
		if at > 0 {
			lo = keys[at-1]
		}
		if at < len(keys) {
			hi = keys[at]
		}
		k, err := document.Between(lo, hi)
		if err != nil {
			t.Fatalf("Between(%q, %q): %v", lo, hi, err)
		}
		keys = append(keys[:at], append([]string{k}, keys[at:]...)...)
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatal("keys are not in order after random insertions")
	}
}

func TestBetweenEqualKeys(t *testing.T) {
	if _, err := document.Between("V", "V"); !errors.Is(err, document.ErrNoRoom) {
		t.Errorf("expected ErrNoRoom, got %v", err)
	}
	if _, err := document.Between("V0", ""); err == nil {
		t.Error("expected error for key with trailing zero")
	}
}

func TestSpread(t *testing.T) {
	for _, n := range []int{1, 5, 61, 500} {
		keys := document.Spread(n)
		if len(keys) != n {
			t.Fatalf("Spread(%d) returned %d keys", n, len(keys))
		}
		for i := 1; i < len(keys); i++ {
			if keys[i-1] >= keys[i] {
				t.Fatalf("Spread(%d) not strictly ascending at %d: %q %q", n, i, keys[i-1], keys[i])
			}
		}
	}
}
