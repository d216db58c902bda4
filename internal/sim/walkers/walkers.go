// Package walkers is a small simulation that runs on top of the region
// scheduler: walkers wander across the map, each holding a ticket that keeps
// the sections around it loaded, and now and then teleport far away.
package walkers

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync/atomic"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/scheduler"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

type Config struct {
	SectionShift uint
	TicketRadius int
	// TurnEvery is how many ticks a walker keeps its heading.
	TurnEvery uint64
	// TeleportEvery is the mean number of ticks between teleports of one
	// walker. Zero disables teleports.
	TeleportEvery uint64
	TeleportRange int
}

func DefaultConfig() Config {
	return Config{
		SectionShift:  4,
		TicketRadius:  2,
		TurnEvery:     40,
		TeleportEvery: 2000,
		TeleportRange: 4096,
	}
}

type Walker struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Z  int    `json:"z"`
	DX int    `json:"dx"`
	DZ int    `json:"dz"`

	// section of the last ticket accepted by the world
	ticket section.Pos
}

// Shard is the region payload: the walkers a region simulates.
type Shard struct {
	Walkers map[string]*Walker
	Ticks   uint64
}

func newShard() *Shard { return &Shard{Walkers: map[string]*Walker{}} }

func (s *Shard) String() string {
	return fmt.Sprintf("%d walkers, %d ticks", len(s.Walkers), s.Ticks)
}

// Census counts walkers per section.
func (s *Shard) Census(shift uint) map[section.Pos]int {
	out := map[section.Pos]int{}
	for _, w := range s.Walkers {
		out[section.FromBlock(w.X, w.Z, shift)]++
	}
	return out
}

type Stats struct {
	Spawned     int64  `json:"spawned"`
	Lost        int64  `json:"lost"`
	Teleports   int64  `json:"teleports"`
	Bounces     int64  `json:"bounces"`
	GlobalTicks uint64 `json:"global_ticks"`
}

// Sim drives walkers through a World. Wire it with Hooks, Tick and
// GlobalTick when building the world, then Attach the world.
type Sim struct {
	cfg    Config
	logger *log.Logger
	w      atomic.Pointer[world.World[*Shard]]

	spawned   atomic.Int64
	lost      atomic.Int64
	teleports atomic.Int64
	bounces   atomic.Int64
	clock     atomic.Uint64
}

var ErrDetached = errors.New("walkers: no world attached")

func New(cfg Config, logger *log.Logger) *Sim {
	if cfg.TurnEvery == 0 {
		cfg.TurnEvery = 1
	}
	if cfg.TicketRadius < 1 {
		cfg.TicketRadius = 1
	}
	return &Sim{cfg: cfg, logger: logger}
}

func (s *Sim) Attach(w *world.World[*Shard]) { s.w.Store(w) }

func (s *Sim) Stats() Stats {
	return Stats{
		Spawned:     s.spawned.Load(),
		Lost:        s.lost.Load(),
		Teleports:   s.teleports.Load(),
		Bounces:     s.bounces.Load(),
		GlobalTicks: s.clock.Load(),
	}
}

func (s *Sim) ticket(id string, p section.Pos) region.Ticket {
	return region.Ticket{Anchor: id, Pos: p, Radius: s.cfg.TicketRadius, Kind: region.TicketPlayer}
}

// Spawn places a new walker at block (x, z).
func (s *Sim) Spawn(id string, x, z int) error {
	w := s.w.Load()
	if w == nil {
		return ErrDetached
	}
	if err := section.CheckBlock(x, z, s.cfg.SectionShift); err != nil {
		return fmt.Errorf("walkers: spawn %s: %w", id, err)
	}
	wk := &Walker{ID: id, X: x, Z: z}
	wk.DX, wk.DZ = heading(id, 0)
	p := section.FromBlock(x, z, s.cfg.SectionShift)
	wk.ticket = p
	err := w.AddTicketThen(s.ticket(id, p), func(tc *scheduler.TickContext[*Shard]) {
		tc.EnsureOwnership(wk.X, wk.Z)
		tc.Payload.Walkers[wk.ID] = wk
	})
	if err != nil {
		return err
	}
	s.spawned.Add(1)
	return nil
}

func (s *Sim) Hooks() region.Hooks[*Shard] {
	return region.Hooks[*Shard]{
		OnCreate: newShard,
		OnMerge: func(a, b *Shard) *Shard {
			for id, wk := range b.Walkers {
				a.Walkers[id] = wk
			}
			if b.Ticks > a.Ticks {
				a.Ticks = b.Ticks
			}
			return a
		},
		OnSplit: func(p *Shard, assignment map[section.Pos]int, n int) []*Shard {
			out := make([]*Shard, n)
			for i := range out {
				out[i] = newShard()
				out[i].Ticks = p.Ticks
			}
			for id, wk := range p.Walkers {
				i, ok := assignment[section.FromBlock(wk.X, wk.Z, s.cfg.SectionShift)]
				if !ok {
					// walker stood outside the region; keep it with the first part
					i = 0
				}
				out[i].Walkers[id] = wk
			}
			return out
		},
		OnDestroy: func(p *Shard) {
			if n := len(p.Walkers); n > 0 {
				s.lost.Add(int64(n))
				if s.logger != nil {
					s.logger.Printf("walkers: %d lost with their region", n)
				}
			}
		},
	}
}

// Tick advances every walker in the region by one block. A walker never
// steps onto a block its region does not own; it turns around instead.
func (s *Sim) Tick(tc *scheduler.TickContext[*Shard]) error {
	w := s.w.Load()
	if w == nil {
		return ErrDetached
	}
	sh := tc.Payload
	sh.Ticks++

	ids := make([]string, 0, len(sh.Walkers))
	for id := range sh.Walkers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		wk := sh.Walkers[id]
		h := mix(id, tc.Tick)
		if s.cfg.TeleportEvery > 0 && h%s.cfg.TeleportEvery == 0 {
			if s.teleport(w, sh, wk, h) {
				continue
			}
		}
		if tc.Tick%s.cfg.TurnEvery == 0 {
			wk.DX, wk.DZ = heading(id, tc.Tick)
		}
		nx, nz := wk.X+wk.DX, wk.Z+wk.DZ
		if section.CheckBlock(nx, nz, s.cfg.SectionShift) != nil || !tc.OwnsBlock(nx, nz) {
			wk.DX, wk.DZ = -wk.DX, -wk.DZ
			s.bounces.Add(1)
			continue
		}
		tc.EnsureOwnership(nx, nz)
		wk.X, wk.Z = nx, nz

		p := section.FromBlock(nx, nz, s.cfg.SectionShift)
		if p != wk.ticket && w.AddTicket(s.ticket(id, p)) == nil {
			wk.ticket = p
		}
	}
	return nil
}

// teleport hands wk to whichever region ends up owning its destination.
func (s *Sim) teleport(w *world.World[*Shard], sh *Shard, wk *Walker, h uint64) bool {
	r := s.cfg.TeleportRange
	if r <= 0 {
		return false
	}
	dx := int(h>>8%uint64(2*r+1)) - r
	dz := int(h>>24%uint64(2*r+1)) - r
	moved := *wk
	moved.X += dx
	moved.Z += dz
	if section.CheckBlock(moved.X, moved.Z, s.cfg.SectionShift) != nil {
		return false
	}
	p := section.FromBlock(moved.X, moved.Z, s.cfg.SectionShift)
	moved.ticket = p

	err := w.AddTicketThen(s.ticket(wk.ID, p), func(tc *scheduler.TickContext[*Shard]) {
		tc.EnsureOwnership(moved.X, moved.Z)
		nw := moved
		tc.Payload.Walkers[nw.ID] = &nw
	})
	if err != nil {
		return false
	}
	delete(sh.Walkers, wk.ID)
	s.teleports.Add(1)
	return true
}

// GlobalTick advances the shared clock.
func (s *Sim) GlobalTick(*scheduler.GlobalContext) error {
	s.clock.Add(1)
	return nil
}

func mix(id string, tick uint64) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(id))
	var b [8]byte
	for i := range b {
		b[i] = byte(tick >> (8 * i))
	}
	_, _ = f.Write(b[:])
	return f.Sum64()
}

var headings = [8][2]int{{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}}

func heading(id string, tick uint64) (int, int) {
	d := headings[mix(id, tick^0x9e3779b97f4a7c15)%uint64(len(headings))]
	return d[0], d[1]
}
