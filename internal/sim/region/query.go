package region

import (
	"fmt"
	"sort"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// ComputeForRegions returns a handle for every region with at least one
// section inside rect, ordered by id.
func (g *Regioniser[P]) ComputeForRegions(rect section.Rect) []Handle {
	g.enter("ComputeForRegions")
	defer g.exit()

	hit := map[uint64]*Region[P]{}
	if rect.Area() <= int64(len(g.owner)) {
		rect.Each(func(p section.Pos) bool {
			if r, ok := g.owner[p]; ok {
				hit[r.id] = r
			}
			return true
		})
	} else {
		for _, r := range g.regions {
			if !r.Bounds().Intersects(rect) {
				continue
			}
			for p := range r.sections {
				if rect.Contains(p) {
					hit[r.id] = r
					break
				}
			}
		}
	}
	return g.handles(hit)
}

// ComputeForAllRegions returns a handle for every live region, ordered by id.
func (g *Regioniser[P]) ComputeForAllRegions() []Handle {
	g.enter("ComputeForAllRegions")
	defer g.exit()
	return g.handles(g.regions)
}

func (g *Regioniser[P]) handles(rs map[uint64]*Region[P]) []Handle {
	anchors := g.anchorCounts()
	out := make([]Handle, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.handle(anchors[r.id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Regioniser[P]) anchorCounts() map[uint64]int {
	out := make(map[uint64]int, len(g.regions))
	for _, ts := range g.tickets {
		if r, ok := g.owner[ts.t.Pos]; ok {
			out[r.id]++
		}
	}
	return out
}

// RegionAt returns the region owning p.
func (g *Regioniser[P]) RegionAt(p section.Pos) (*Region[P], bool) {
	g.enter("RegionAt")
	defer g.exit()
	r, ok := g.owner[p]
	return r, ok
}

// Regions returns every live region, ordered by id.
func (g *Regioniser[P]) Regions() []*Region[P] {
	g.enter("Regions")
	defer g.exit()
	out := make([]*Region[P], 0, len(g.regions))
	for _, r := range g.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Regioniser[P]) Ticket(anchor string) (Ticket, bool) {
	g.enter("Ticket")
	defer g.exit()
	ts, ok := g.tickets[anchor]
	if !ok {
		return Ticket{}, false
	}
	return ts.t, true
}

func (g *Regioniser[P]) Len() int {
	g.enter("Len")
	defer g.exit()
	return len(g.regions)
}

func (g *Regioniser[P]) TicketCount() int {
	g.enter("TicketCount")
	defer g.exit()
	return len(g.tickets)
}

func (g *Regioniser[P]) SectionCount() int {
	g.enter("SectionCount")
	defer g.exit()
	return len(g.owner)
}

// Check verifies the partition: every covered section has exactly one live
// owner that lists it, owners agree with region section sets, and no two
// regions hold sections within the merge radius of each other.
func (g *Regioniser[P]) Check() error {
	g.enter("Check")
	defer g.exit()

	for p, n := range g.cover {
		if n <= 0 {
			return fmt.Errorf("section %s has coverage %d", p, n)
		}
		r, ok := g.owner[p]
		if !ok {
			return fmt.Errorf("covered section %s has no owner", p)
		}
		if g.regions[r.id] != r {
			return fmt.Errorf("section %s owned by retired region %d", p, r.id)
		}
		if !r.Has(p) {
			return fmt.Errorf("section %s owner region %d does not list it", p, r.id)
		}
	}
	total := 0
	for id, r := range g.regions {
		if r.state != StateActive {
			return fmt.Errorf("region %d is %s outside a step", id, r.state)
		}
		for p := range r.sections {
			if g.owner[p] != r {
				return fmt.Errorf("region %d lists %s owned elsewhere", id, p)
			}
			var bad error
			p.Neighbours(g.cfg.MergeRadius, func(n section.Pos) bool {
				if o, ok := g.owner[n]; ok && o != r {
					bad = fmt.Errorf("regions %d and %d touch at %s/%s", id, o.id, p, n)
					return false
				}
				return true
			})
			if bad != nil {
				return bad
			}
		}
		total += len(r.sections)
	}
	if total != len(g.owner) || total != len(g.cover) {
		return fmt.Errorf("section totals disagree: regions=%d owner=%d cover=%d", total, len(g.owner), len(g.cover))
	}
	return nil
}
