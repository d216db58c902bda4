package region

import (
	"fmt"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

type State uint8

const (
	StateForming State = iota
	StateActive
	StateDying
)

func (s State) String() string {
	switch s {
	case StateForming:
		return "FORMING"
	case StateActive:
		return "ACTIVE"
	case StateDying:
		return "DYING"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "FORMING":
		*s = StateForming
	case "ACTIVE":
		*s = StateActive
	case "DYING":
		*s = StateDying
	default:
		return fmt.Errorf("unknown region state %q", b)
	}
	return nil
}

// Region is a connected set of sections plus the payload simulated for it.
// The regioniser only mutates a region while its listener holds it, so a
// worker ticking the region sees a stable section set.
type Region[P any] struct {
	id       uint64
	state    State
	sections map[section.Pos]struct{}
	payload  P

	dirty             bool
	disconnectedSince time.Time

	// predecessors a forming region inherits cadence from
	from []*Region[P]
}

func (r *Region[P]) ID() uint64   { return r.id }
func (r *Region[P]) State() State { return r.state }
func (r *Region[P]) Payload() P   { return r.payload }

// Sections exposes the live section set. Callers must not modify it and may
// only read it while they hold the region.
func (r *Region[P]) Sections() map[section.Pos]struct{} { return r.sections }

func (r *Region[P]) SectionCount() int { return len(r.sections) }

func (r *Region[P]) Has(p section.Pos) bool {
	_, ok := r.sections[p]
	return ok
}

func (r *Region[P]) Bounds() section.Rect {
	first := true
	var b section.Rect
	for p := range r.sections {
		if first {
			b = section.Rect{MinX: p.X, MinZ: p.Z, MaxX: p.X, MaxZ: p.Z}
			first = false
			continue
		}
		b = b.Expand(p)
	}
	return b
}

func (r *Region[P]) String() string {
	return fmt.Sprintf("region %d (%s, %d sections)", r.id, r.state, len(r.sections))
}

// Handle is an immutable view of a region, safe to pass across goroutines.
type Handle struct {
	ID           uint64       `json:"id"`
	State        State        `json:"state"`
	Sections     int          `json:"sections"`
	Bounds       section.Rect `json:"bounds"`
	Center       section.Pos  `json:"center"`
	Anchors      int          `json:"anchors"`
	Disconnected bool         `json:"disconnected"`
}

func (r *Region[P]) handle(anchors int) Handle {
	b := r.Bounds()
	return Handle{
		ID:           r.id,
		State:        r.state,
		Sections:     len(r.sections),
		Bounds:       b,
		Center:       section.Pos{X: b.MinX + (b.MaxX-b.MinX)/2, Z: b.MinZ + (b.MaxZ-b.MinZ)/2},
		Anchors:      anchors,
		Disconnected: !r.disconnectedSince.IsZero(),
	}
}
