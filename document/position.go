package document

import (
	"errors"
	"strings"

	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Fractional position keys
//
// Lexicon rules are ordered by a string key read as a base-62 fraction
// (digits 0-9A-Za-z, ASCII order). A new key can always be generated
// between two distinct keys without touching any other rule, so a reorder
// is a single field write. Keys never end in '0', which keeps
// lexicographic order equal to numeric order.
//
// Two devices moving rules into the same gap concurrently can produce the
// same key. Equal keys are ordered by rule id, and the next local move
// that needs a key between them rebalances the whole list.
// ============================================================================

const positionDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const positionBase = len(positionDigits)

// MaxPositionLen is the key length past which the list should be respread.
const MaxPositionLen = 24

// ErrNoRoom is returned by Between when lo is not strictly below hi.
var ErrNoRoom = errors.New("no position key exists between the given keys")

// Between returns a key strictly between lo and hi. An empty lo means the
// start of the list; an empty hi means the end.
func Between(lo, hi string) (string, error) {
	if !validPosition(lo) || !validPosition(hi) {
		return "", serr.New("invalid position key")
	}
	if hi != "" && lo >= hi {
		return "", ErrNoRoom
	}
	return midpoint(lo, hi), nil
}

func midpoint(lo, hi string) string {
	if hi != "" {
		// Skip the shared prefix, reading a missing lo digit as '0'.
		n := 0
		for n < len(hi) {
			c := byte('0')
			if n < len(lo) {
				c = lo[n]
			}
			if c != hi[n] {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(lo) {
				rest = lo[n:]
			}
			return hi[:n] + midpoint(rest, hi[n:])
		}
	}

	dlo := 0
	if lo != "" {
		dlo = digitIndex(lo[0])
	}
	dhi := positionBase
	if hi != "" {
		dhi = digitIndex(hi[0])
	}
	if dhi-dlo > 1 {
		return string(positionDigits[(dlo+dhi)/2])
	}
	if hi != "" && len(hi) > 1 {
		return hi[:1]
	}
	rest := ""
	if lo != "" {
		rest = lo[1:]
	}
	return string(positionDigits[dlo]) + midpoint(rest, "")
}

// Spread returns n ascending keys spaced evenly across the key space.
func Spread(n int) []string {
	if n <= 0 {
		return nil
	}
	width := 1
	space := uint64(positionBase)
	for space < uint64(n+1)*4 && width < 10 {
		width++
		space *= uint64(positionBase)
	}
	keys := make([]string, n)
	for i := 1; i <= n; i++ {
		v := space * uint64(i) / uint64(n+1)
		buf := make([]byte, width)
		for j := width - 1; j >= 0; j-- {
			buf[j] = positionDigits[v%uint64(positionBase)]
			v /= uint64(positionBase)
		}
		keys[i-1] = strings.TrimRight(string(buf), "0")
	}
	return keys
}

func digitIndex(c byte) int {
	return strings.IndexByte(positionDigits, c)
}

func validPosition(key string) bool {
	for i := 0; i < len(key); i++ {
		if digitIndex(key[i]) < 0 {
			return false
		}
	}
	return !strings.HasSuffix(key, "0")
}
