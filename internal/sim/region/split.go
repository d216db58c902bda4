package region

import (
	"sort"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// Reconcile rechecks every region touched since its last clean check.
// Empty regions are destroyed. A region whose sections fall apart is only
// split once it has stayed apart for SplitDebounce, so tickets that wander
// back and forth across a boundary do not cause merge/split churn.
func (g *Regioniser[P]) Reconcile(now time.Time) {
	g.begin("Reconcile")
	for _, r := range g.dirtyRegions() {
		if len(r.sections) == 0 {
			g.destroy(r)
			continue
		}
		comps := g.components(r.sections)
		if len(comps) < 2 {
			r.dirty = false
			r.disconnectedSince = time.Time{}
			continue
		}
		if r.disconnectedSince.IsZero() {
			r.disconnectedSince = now
		}
		if now.Sub(r.disconnectedSince) < g.cfg.SplitDebounce {
			continue
		}
		g.split(r, comps)
	}
	g.commit()
}

func (g *Regioniser[P]) dirtyRegions() []*Region[P] {
	var out []*Region[P]
	for _, r := range g.regions {
		if r.dirty {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Regioniser[P]) destroy(r *Region[P]) {
	g.acquire(r)
	if g.hooks.OnDestroy != nil {
		g.hooks.OnDestroy(r.payload)
	}
	g.retire(r)
	g.emit(Event{Kind: EventDestroy, From: []uint64{r.id}})
}

func (g *Regioniser[P]) split(r *Region[P], comps []map[section.Pos]struct{}) {
	g.acquire(r)

	assignment := make(map[section.Pos]int, len(r.sections))
	for i, c := range comps {
		for p := range c {
			assignment[p] = i
		}
	}

	var parts []P
	if g.hooks.OnSplit != nil {
		parts = g.hooks.OnSplit(r.payload, assignment, len(comps))
		if len(parts) != len(comps) {
			panic(&SplitHookError{RegionID: r.id, Want: len(comps), Got: len(parts)})
		}
	} else {
		parts = make([]P, len(comps))
		parts[0] = r.payload
	}

	ids := make([]uint64, len(comps))
	total := 0
	for i, c := range comps {
		n := g.newRegion(c, parts[i], []*Region[P]{r})
		ids[i] = n.id
		total += len(c)
	}
	g.retire(r)
	g.emit(Event{Kind: EventSplit, Regions: ids, From: []uint64{r.id}, Sections: total})
}

// components partitions secs into groups connected under the merge radius.
// Groups are ordered by their first section in row-major order.
func (g *Regioniser[P]) components(secs map[section.Pos]struct{}) []map[section.Pos]struct{} {
	keys := make([]section.Pos, 0, len(secs))
	for p := range secs {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Z != keys[j].Z {
			return keys[i].Z < keys[j].Z
		}
		return keys[i].X < keys[j].X
	})

	seen := make(map[section.Pos]bool, len(secs))
	var out []map[section.Pos]struct{}
	for _, start := range keys {
		if seen[start] {
			continue
		}
		comp := map[section.Pos]struct{}{}
		seen[start] = true
		queue := []section.Pos{start}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			comp[p] = struct{}{}
			p.Neighbours(g.cfg.MergeRadius, func(n section.Pos) bool {
				if _, ok := secs[n]; ok && !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
				return true
			})
		}
		out = append(out, comp)
	}
	return out
}
