package section

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rect is an inclusive rectangle of sections.
type Rect struct {
	MinX int32 `json:"min_x"`
	MinZ int32 `json:"min_z"`
	MaxX int32 `json:"max_x"`
	MaxZ int32 `json:"max_z"`
}

// Square returns the sections within Chebyshev radius r of c, clipped to
// the int32 coordinate space.
func Square(c Pos, r int) Rect {
	if r < 0 {
		r = 0
	}
	d := int64(r)
	return Rect{
		MinX: clamp32(int64(c.X) - d),
		MinZ: clamp32(int64(c.Z) - d),
		MaxX: clamp32(int64(c.X) + d),
		MaxZ: clamp32(int64(c.Z) + d),
	}
}

func clamp32(v int64) int32 {
	if v < math.MinInt32 {
		return math.MinInt32
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// BlockRect returns the sections touched by the block rectangle spanned by
// (x1,z1) and (x2,z2), corners in any order.
func BlockRect(x1, z1, x2, z2 int, shift uint) Rect {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if z1 > z2 {
		z1, z2 = z2, z1
	}
	a := FromBlock(x1, z1, shift)
	b := FromBlock(x2, z2, shift)
	return Rect{MinX: a.X, MinZ: a.Z, MaxX: b.X, MaxZ: b.Z}
}

func (r Rect) Contains(p Pos) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Z >= r.MinZ && p.Z <= r.MaxZ
}

func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinZ <= o.MaxZ && o.MinZ <= r.MaxZ
}

// Expand grows r to include p.
func (r Rect) Expand(p Pos) Rect {
	if p.X < r.MinX {
		r.MinX = p.X
	}
	if p.X > r.MaxX {
		r.MaxX = p.X
	}
	if p.Z < r.MinZ {
		r.MinZ = p.Z
	}
	if p.Z > r.MaxZ {
		r.MaxZ = p.Z
	}
	return r
}

// Area is the number of sections covered. The full int32 plane is 2^64
// sections, so it saturates at math.MaxInt64.
func (r Rect) Area() int64 {
	w := int64(r.MaxX) - int64(r.MinX) + 1
	h := int64(r.MaxZ) - int64(r.MinZ) + 1
	if w <= 0 || h <= 0 {
		return 0
	}
	if w > math.MaxInt64/h {
		return math.MaxInt64
	}
	return w * h
}

// Each calls fn for every section in r, row by row.
func (r Rect) Each(fn func(Pos) bool) {
	for z := int64(r.MinZ); z <= int64(r.MaxZ); z++ {
		for x := int64(r.MinX); x <= int64(r.MaxX); x++ {
			if !fn(Pos{X: int32(x), Z: int32(z)}) {
				return
			}
		}
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.MinX, r.MinZ, r.MaxX, r.MaxZ)
}

// ParseRect parses "x1,z1,x2,z2" in section coordinates.
func ParseRect(s string) (Rect, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("rect: want x1,z1,x2,z2, got %q", s)
	}
	var v [4]int32
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Rect{}, fmt.Errorf("rect: %w", err)
		}
		v[i] = int32(n)
	}
	r := Rect{MinX: v[0], MinZ: v[1], MaxX: v[2], MaxZ: v[3]}
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinZ > r.MaxZ {
		r.MinZ, r.MaxZ = r.MaxZ, r.MinZ
	}
	return r, nil
}
