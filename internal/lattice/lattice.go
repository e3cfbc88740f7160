// Package lattice maps linear chamber indices onto a bounded hexagonal
// lattice using a Fibonacci-weighted ring table and a golden-angle spiral.
// All functions are deterministic: chamber addresses and neighbor
// relationships are derived from this geometry and persisted, so two calls
// with the same input must always agree.
package lattice

import (
	"fmt"
	"math"
)

// Hex is an axial coordinate pair. Identity is value equality.
type Hex struct {
	Q int
	R int
}

// Direction indexes the six walls of a chamber in canonical order.
type Direction int

const (
	DirN Direction = iota
	DirNE
	DirSE
	DirS
	DirSW
	DirNW
)

var dirNames = [6]string{"N", "NE", "SE", "S", "SW", "NW"}

func (d Direction) String() string {
	if d < 0 || d > 5 {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return dirNames[d]
}

// Opposite pairs each direction with the wall three positions away:
// N<->S, NE<->SW, SE<->NW.
func (d Direction) Opposite() Direction {
	return (d + 3) % 6
}

// offsets in canonical order N, NE, SE, S, SW, NW. Order-significant:
// wall vectors index walls by this ordering.
var offsets = [6]Hex{
	{0, -1},  // N
	{1, -1},  // NE
	{1, 0},   // SE
	{0, 1},   // S
	{-1, 1},  // SW
	{-1, 0},  // NW
}

const (
	// golden ratio and the golden angle pi*(3-sqrt(5)).
	phi         = 1.6180339887498948482
	goldenAngle = math.Pi * (3.0 - 2.2360679774997896964)
)

// DefaultCapacity is the full cell count of one hive lattice.
const DefaultCapacity = 144000

// Lattice holds the precomputed ring-capacity table for a fixed total
// capacity. It is immutable after construction and safe for concurrent use.
type Lattice struct {
	capacity  int
	ringSizes []int
	ringBase  []int // cumulative size of rings below k
}

// New builds the ring table for the requested capacity. Ring 0 holds the
// single center cell; ring k holds min(6*k*fib(k), remaining) cells. The
// weighting is front-loaded on purpose and must not be replaced with the
// canonical 6k-per-ring packing: persisted chamber counts depend on it.
func New(capacity int) *Lattice {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Lattice{capacity: capacity}

	remaining := capacity
	l.ringSizes = append(l.ringSizes, 1)
	l.ringBase = append(l.ringBase, 0)
	remaining--

	// Ring k consumes fib(k) of the 1,1,2,3,5,... sequence, so the seed
	// pair is (fib(0), fib(1)) = (0, 1).
	fibPrev, fib := 0, 1
	for k := 1; remaining > 0; k++ {
		size := remaining
		// Guard the product against overflow; once 6*k*fib exceeds what is
		// left the ring is truncated to the remainder anyway.
		if fib <= remaining/(6*k) {
			size = 6 * k * fib
		}
		if size > remaining {
			size = remaining
		}
		l.ringBase = append(l.ringBase, capacity-remaining)
		l.ringSizes = append(l.ringSizes, size)
		remaining -= size
		fibPrev, fib = fib, fibPrev+fib
	}
	return l
}

// Capacity returns the total cell count.
func (l *Lattice) Capacity() int { return l.capacity }

// Rings returns the number of rings in the table, center ring included.
func (l *Lattice) Rings() int { return len(l.ringSizes) }

// RingSize returns the cell count of ring k. Panics when k is outside the
// table: the ring table and the configured capacity have drifted apart,
// which is a programming error, not a runtime condition.
func (l *Lattice) RingSize(k int) int {
	if k < 0 || k >= len(l.ringSizes) {
		panic(fmt.Sprintf("lattice: ring %d outside table of %d rings", k, len(l.ringSizes)))
	}
	return l.ringSizes[k]
}

// IndexToHex maps a linear cell index to its axial coordinate. Index 0 is
// the center. Cells within a ring are placed along a golden-angle spiral
// and snapped to the nearest axial coordinate by cube rounding.
func (l *Lattice) IndexToHex(i int) Hex {
	if i <= 0 {
		return Hex{0, 0}
	}
	if i >= l.capacity {
		i %= l.capacity
		if i == 0 {
			return Hex{0, 0}
		}
	}
	k := l.ringOf(i)
	pos := i - l.ringBase[k]

	theta := float64(pos) * goldenAngle
	radius := float64(k) * math.Sqrt(phi)
	x := radius * math.Cos(theta)
	y := radius * math.Sin(theta)

	// Pointy-top pixel-to-hex with unit cell size.
	fq := (math.Sqrt(3)/3)*x - (1.0/3)*y
	fr := (2.0 / 3) * y
	return cubeRound(fq, fr)
}

// HexToIndex is the approximate inverse of IndexToHex. The position within
// the ring is estimated from the coordinate's angle around the center and
// scaled by the ring size, so round-trips through IndexToHex are NOT exact,
// particularly near ring boundaries. Callers must treat the result as a
// deterministic bucket, never as proof of identity.
func (l *Lattice) HexToIndex(h Hex) int {
	k := ringDistance(h)
	if k == 0 {
		return 0
	}
	if k >= len(l.ringSizes) {
		panic(fmt.Sprintf("lattice: coordinate %v on ring %d outside table of %d rings", h, k, len(l.ringSizes)))
	}
	size := l.ringSizes[k]

	x := math.Sqrt(3) * (float64(h.Q) + float64(h.R)/2)
	y := (3.0 / 2) * float64(h.R)
	angle := math.Atan2(y, x)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	// Round, not truncate: ring-1 neighbors sit exactly on 60-degree
	// multiples and truncation would flip buckets on 1-ulp atan2 noise.
	pos := int(math.Round(angle/(2*math.Pi)*float64(size))) % size
	return l.ringBase[k] + pos
}

// InTable reports whether the coordinate's ring exists in this lattice's
// ring table. Coordinates outside the table have no cell index.
func (l *Lattice) InTable(h Hex) bool {
	return ringDistance(h) < len(l.ringSizes)
}

// Neighbors returns the six adjacent coordinates in canonical direction
// order N, NE, SE, S, SW, NW.
func Neighbors(h Hex) [6]Hex {
	var out [6]Hex
	for i, off := range offsets {
		out[i] = Hex{h.Q + off.Q, h.R + off.R}
	}
	return out
}

// Neighbor returns the adjacent coordinate in one direction.
func Neighbor(h Hex, d Direction) Hex {
	off := offsets[d]
	return Hex{h.Q + off.Q, h.R + off.R}
}

// Ring enumerates the coordinates at hex distance k from the origin by
// walking the ring edge by edge, k steps per edge. Ring 0 is the origin
// alone.
func Ring(k int) []Hex {
	if k <= 0 {
		return []Hex{{0, 0}}
	}
	out := make([]Hex, 0, 6*k)
	h := Hex{0, -k} // N corner
	walk := [6]Direction{DirSE, DirS, DirSW, DirNW, DirN, DirNE}
	for _, d := range walk {
		for step := 0; step < k; step++ {
			out = append(out, h)
			h = Neighbor(h, d)
		}
	}
	return out
}

// Distance is the standard cube-coordinate hex distance.
func Distance(a, b Hex) int {
	dq := a.Q - b.Q
	dr := a.R - b.R
	return (absInt(dq) + absInt(dq+dr) + absInt(dr)) / 2
}

// ringOf locates the ring whose cumulative sizes bracket index i.
func (l *Lattice) ringOf(i int) int {
	lo, hi := 0, len(l.ringSizes)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if l.ringBase[mid] <= i {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func ringDistance(h Hex) int {
	return maxInt(absInt(h.Q), maxInt(absInt(h.R), absInt(h.Q+h.R)))
}

// cubeRound snaps a fractional axial coordinate to the nearest hex. Each of
// q, r and the implied s=-q-r is rounded independently, then the axis with
// the largest rounding error is recomputed from the other two so q+r+s=0
// holds exactly.
func cubeRound(fq, fr float64) Hex {
	fs := -fq - fr
	q := math.Round(fq)
	r := math.Round(fr)
	s := math.Round(fs)

	dq := math.Abs(q - fq)
	dr := math.Abs(r - fr)
	ds := math.Abs(s - fs)

	switch {
	case dq > dr && dq > ds:
		q = -r - s
	case dr > ds:
		r = -q - s
	default:
		// s is implied; nothing to fix on the axial pair.
	}
	return Hex{int(q), int(r)}
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
