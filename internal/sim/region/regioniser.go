package region

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

type Config struct {
	// MergeRadius is the Chebyshev distance, in sections, at which two
	// claimed sections must share a region.
	MergeRadius     int
	MaxTicketRadius int
	SplitDebounce   time.Duration
}

// Regioniser maintains the section to region partition. It is driven by a
// single coordinator goroutine; entering it from a second goroutine while a
// call is in flight panics with *StructuralRaceError.
type Regioniser[P any] struct {
	cfg      Config
	hooks    Hooks[P]
	listener Listener[P]

	nextID  uint64
	regions map[uint64]*Region[P]
	owner   map[section.Pos]*Region[P]
	cover   map[section.Pos]int
	tickets map[string]*ticketState

	busy   atomic.Bool
	active atomic.Value // string
	st     *step[P]
	events []Event
}

// step collects listener calls so they are delivered once the partition is
// consistent again.
type step[P any] struct {
	acquired map[uint64]*Region[P]
	created  []*Region[P]
	retired  []*Region[P]
}

func New[P any](cfg Config, hooks Hooks[P], listener Listener[P]) *Regioniser[P] {
	if cfg.MergeRadius < 1 {
		cfg.MergeRadius = 1
	}
	if cfg.MaxTicketRadius < 0 {
		cfg.MaxTicketRadius = 0
	}
	if listener == nil {
		listener = nopListener[P]{}
	}
	return &Regioniser[P]{
		cfg:      cfg,
		hooks:    hooks,
		listener: listener,
		regions:  map[uint64]*Region[P]{},
		owner:    map[section.Pos]*Region[P]{},
		cover:    map[section.Pos]int{},
		tickets:  map[string]*ticketState{},
	}
}

func (g *Regioniser[P]) Config() Config { return g.cfg }

func (g *Regioniser[P]) enter(op string) {
	if !g.busy.CompareAndSwap(false, true) {
		active, _ := g.active.Load().(string)
		panic(&StructuralRaceError{Op: op, Active: active})
	}
	g.active.Store(op)
}

func (g *Regioniser[P]) exit() {
	g.active.Store("")
	g.busy.Store(false)
}

func (g *Regioniser[P]) begin(op string) {
	g.enter(op)
	g.st = &step[P]{acquired: map[uint64]*Region[P]{}}
}

func (g *Regioniser[P]) commit() {
	st := g.st
	g.st = nil
	for _, r := range st.created {
		if r.state != StateForming {
			continue
		}
		r.state = StateActive
		from := r.from
		r.from = nil
		g.listener.Activate(r, from)
	}
	for _, r := range st.retired {
		g.listener.Retire(r)
	}
	for id, r := range st.acquired {
		if r.state == StateActive && g.regions[id] == r {
			g.listener.Release(r)
		}
	}
	g.exit()
}

func (g *Regioniser[P]) acquire(r *Region[P]) {
	if r.state != StateActive {
		return
	}
	if _, ok := g.st.acquired[r.id]; ok {
		return
	}
	g.st.acquired[r.id] = r
	g.listener.Acquire(r)
}

func (g *Regioniser[P]) emit(ev Event) { g.events = append(g.events, ev) }

// TakeEvents returns the structural events committed since the last call.
func (g *Regioniser[P]) TakeEvents() []Event {
	g.enter("TakeEvents")
	out := g.events
	g.events = nil
	g.exit()
	return out
}

func (g *Regioniser[P]) clampRadius(r int) int {
	if r < 0 {
		return 0
	}
	if r > g.cfg.MaxTicketRadius {
		return g.cfg.MaxTicketRadius
	}
	return r
}

// AddTicket claims the sections around t.Pos. Claims that come within the
// merge radius of existing regions join them, merging every region touched
// into one. Adding an identical ticket again is a no-op; adding a changed
// ticket under an existing anchor moves it. Reports whether anything changed.
func (g *Regioniser[P]) AddTicket(t Ticket) bool {
	g.begin("AddTicket")
	changed := g.addTicket(t)
	g.commit()
	return changed
}

func (g *Regioniser[P]) addTicket(t Ticket) bool {
	t.Radius = g.clampRadius(t.Radius)
	claims := section.Square(t.Pos, t.Radius)
	old, ok := g.tickets[t.Anchor]
	if ok && old.t == t {
		return false
	}
	g.tickets[t.Anchor] = &ticketState{t: t, claims: claims}
	if !ok {
		g.attach(g.claim(claims, nil), nil)
		return true
	}
	// A moved anchor keeps its region: new claims join it even when far
	// away, and Reconcile splits the region once the gap persists. Claim the
	// new square before releasing the old one so shared sections never drop
	// to zero coverage.
	home := g.owner[old.t.Pos]
	g.attach(g.claim(claims, &old.claims), home)
	g.release(old.claims, &claims)
	return true
}

// RemoveTicket drops the ticket for anchor and releases the sections only it
// justified. Affected regions are rechecked by the next Reconcile.
func (g *Regioniser[P]) RemoveTicket(anchor string) bool {
	g.begin("RemoveTicket")
	ts, ok := g.tickets[anchor]
	if ok {
		delete(g.tickets, anchor)
		g.release(ts.claims, nil)
	}
	g.commit()
	return ok
}

// claim bumps coverage for every section of rect outside skip and returns
// the sections that had no owner.
func (g *Regioniser[P]) claim(rect section.Rect, skip *section.Rect) []section.Pos {
	var fresh []section.Pos
	rect.Each(func(p section.Pos) bool {
		if skip != nil && skip.Contains(p) {
			return true
		}
		g.cover[p]++
		if g.cover[p] == 1 {
			fresh = append(fresh, p)
		}
		return true
	})
	return fresh
}

func (g *Regioniser[P]) release(rect section.Rect, keep *section.Rect) {
	rect.Each(func(p section.Pos) bool {
		if keep != nil && keep.Contains(p) {
			return true
		}
		n := g.cover[p] - 1
		if n > 0 {
			g.cover[p] = n
			return true
		}
		delete(g.cover, p)
		r := g.owner[p]
		if r == nil {
			return true
		}
		g.acquire(r)
		delete(g.owner, p)
		delete(r.sections, p)
		r.dirty = true
		return true
	})
}

// attach gives newly claimed sections an owner: a fresh region, the single
// region they touch, or the merge of every region they touch. home, when
// set, always counts as touched.
func (g *Regioniser[P]) attach(fresh []section.Pos, home *Region[P]) {
	if len(fresh) == 0 {
		return
	}
	set := make(map[section.Pos]struct{}, len(fresh))
	for _, p := range fresh {
		set[p] = struct{}{}
	}
	touched := map[uint64]*Region[P]{}
	for _, p := range fresh {
		p.Neighbours(g.cfg.MergeRadius, func(n section.Pos) bool {
			if r, ok := g.owner[n]; ok {
				touched[r.id] = r
			}
			return true
		})
	}
	if home != nil && g.regions[home.id] == home {
		touched[home.id] = home
	}

	switch len(touched) {
	case 0:
		var payload P
		if g.hooks.OnCreate != nil {
			payload = g.hooks.OnCreate()
		}
		r := g.newRegion(set, payload, nil)
		g.emit(Event{Kind: EventCreate, Regions: []uint64{r.id}, Sections: len(set)})
	case 1:
		for _, r := range touched {
			g.acquire(r)
			for p := range set {
				r.sections[p] = struct{}{}
				g.owner[p] = r
			}
			if home != nil {
				r.dirty = true
			}
		}
	default:
		rs := make([]*Region[P], 0, len(touched))
		for _, r := range touched {
			rs = append(rs, r)
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].id < rs[j].id })
		n := g.merge(rs, set)
		if home != nil {
			n.dirty = true
		}
	}
}

func (g *Regioniser[P]) merge(rs []*Region[P], extra map[section.Pos]struct{}) *Region[P] {
	total := len(extra)
	for _, r := range rs {
		g.acquire(r)
		total += len(r.sections)
	}

	var (
		payload P
		from    []*Region[P]
		ids     = make([]uint64, 0, len(rs))
		dirty   bool
		secs    = make(map[section.Pos]struct{}, total)
	)
	for i, r := range rs {
		switch {
		case i == 0:
			payload = r.payload
		case g.hooks.OnMerge != nil:
			payload = g.hooks.OnMerge(payload, r.payload)
		}
		for p := range r.sections {
			secs[p] = struct{}{}
		}
		if r.state == StateForming {
			from = append(from, r.from...)
		} else {
			from = append(from, r)
		}
		dirty = dirty || r.dirty
		ids = append(ids, r.id)
		g.retire(r)
	}
	for p := range extra {
		secs[p] = struct{}{}
	}

	n := g.newRegion(secs, payload, from)
	n.dirty = dirty
	g.emit(Event{Kind: EventMerge, Regions: []uint64{n.id}, From: ids, Sections: len(secs)})
	return n
}

func (g *Regioniser[P]) newRegion(secs map[section.Pos]struct{}, payload P, from []*Region[P]) *Region[P] {
	g.nextID++
	r := &Region[P]{
		id:       g.nextID,
		state:    StateForming,
		sections: secs,
		payload:  payload,
		from:     from,
	}
	g.regions[r.id] = r
	for p := range secs {
		g.owner[p] = r
	}
	g.st.created = append(g.st.created, r)
	return r
}

func (g *Regioniser[P]) retire(r *Region[P]) {
	wasActive := r.state == StateActive
	r.state = StateDying
	delete(g.regions, r.id)
	if wasActive {
		g.st.retired = append(g.st.retired, r)
	}
}
