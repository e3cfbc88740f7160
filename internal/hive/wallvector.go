package hive

import (
	"fmt"

	"hexhive.ai/internal/lattice"
)

// WallVector is the ordered six-flag boundary state of a chamber, indexed by
// lattice.Direction (N, NE, SE, S, SW, NW). true = open, false = closed.
type WallVector [6]bool

// ParseWallVector parses the persisted 6-character form, e.g. "101010".
func ParseWallVector(s string) (WallVector, error) {
	var w WallVector
	if len(s) != 6 {
		return w, fmt.Errorf("wall vector %q: want 6 flags, got %d", s, len(s))
	}
	for i := 0; i < 6; i++ {
		switch s[i] {
		case '1':
			w[i] = true
		case '0':
			// closed
		default:
			return w, fmt.Errorf("wall vector %q: flag %d is %q, want '0' or '1'", s, i, s[i])
		}
	}
	return w, nil
}

func (w WallVector) String() string {
	b := make([]byte, 6)
	for i := 0; i < 6; i++ {
		if w[i] {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}

// Open reports whether the wall facing direction d is open.
func (w WallVector) Open(d lattice.Direction) bool {
	return w[int(d)%6]
}
