package section

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange is returned for block coordinates whose section does not fit
// the int32 section space.
var ErrOutOfRange = errors.New("section: block coordinate out of range")

// Pos is a section coordinate. A section covers a (1<<shift)^2 block square
// on the horizontal plane and is the unit of region membership.
type Pos struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func (p Pos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Z) }

// FromBlock maps block coordinates to the section containing them.
// Negative coordinates floor toward -inf. Coordinates outside the section
// space are clamped to its edge; use CheckBlock at entry points.
func FromBlock(x, z int, shift uint) Pos {
	return Pos{X: clamp32(int64(x >> shift)), Z: clamp32(int64(z >> shift))}
}

// CheckBlock reports ErrOutOfRange when (x,z) maps outside the section space.
func CheckBlock(x, z int, shift uint) error {
	sx, sz := int64(x>>shift), int64(z>>shift)
	if sx < math.MinInt32 || sx > math.MaxInt32 || sz < math.MinInt32 || sz > math.MaxInt32 {
		return fmt.Errorf("%w: (%d,%d)", ErrOutOfRange, x, z)
	}
	return nil
}

// Key packs the coordinate into a single integer. Z occupies the high word.
func (p Pos) Key() uint64 {
	return uint64(uint32(p.Z))<<32 | uint64(uint32(p.X))
}

func FromKey(k uint64) Pos {
	return Pos{X: int32(uint32(k)), Z: int32(uint32(k >> 32))}
}

// Chebyshev returns max(|dx|, |dz|).
func (p Pos) Chebyshev(o Pos) int {
	dx := abs(int(p.X) - int(o.X))
	dz := abs(int(p.Z) - int(o.Z))
	if dx > dz {
		return dx
	}
	return dz
}

// Adjacent reports whether p and o are distinct sections within radius r.
func (p Pos) Adjacent(o Pos, r int) bool {
	return p != o && p.Chebyshev(o) <= r
}

// Neighbours calls fn for every section within Chebyshev radius r of p,
// excluding p itself. Iteration stops when fn returns false. Sections past
// the edge of the coordinate space are skipped.
func (p Pos) Neighbours(r int, fn func(Pos) bool) {
	for dz := -r; dz <= r; dz++ {
		z := int64(p.Z) + int64(dz)
		if z < math.MinInt32 || z > math.MaxInt32 {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			x := int64(p.X) + int64(dx)
			if (dx == 0 && dz == 0) || x < math.MinInt32 || x > math.MaxInt32 {
				continue
			}
			if !fn(Pos{X: int32(x), Z: int32(z)}) {
				return
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
