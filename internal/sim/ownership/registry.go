package ownership

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// GlobalRegionID identifies the non-spatial global unit.
const GlobalRegionID uint64 = 0

// Binding is the capability a worker holds while ticking one region. The
// section set is only read while the binding is live and is not modified by
// anyone during that time. A binding is live from Registry.Bind until
// Registry.Unbind; a context that outlives its tick carries a dead binding.
type Binding struct {
	Worker   int
	RegionID uint64
	Global   bool

	shift    uint
	sections map[section.Pos]struct{}
	live     atomic.Bool
}

func NewBinding(worker int, regionID uint64, shift uint, sections map[section.Pos]struct{}) *Binding {
	return &Binding{Worker: worker, RegionID: regionID, shift: shift, sections: sections}
}

// GlobalBinding binds the global unit, which owns no sections.
func GlobalBinding(worker int) *Binding {
	return &Binding{Worker: worker, RegionID: GlobalRegionID, Global: true}
}

// Live reports whether b is still installed on its worker.
func (b *Binding) Live() bool { return b != nil && b.live.Load() }

func (b *Binding) Owns(p section.Pos) bool {
	if b == nil || b.Global {
		return false
	}
	_, ok := b.sections[p]
	return ok
}

func (b *Binding) OwnsBlock(x, z int) bool {
	if b == nil {
		return false
	}
	return b.Owns(section.FromBlock(x, z, b.shift))
}

// Registry records which region each worker currently ticks. It is written
// by the scheduler and read by diagnostics.
type Registry struct {
	slots []atomic.Pointer[Binding]
}

func NewRegistry(workers int) *Registry {
	if workers < 1 {
		workers = 1
	}
	return &Registry{slots: make([]atomic.Pointer[Binding], workers)}
}

// Bind installs b on its worker slot. Binding a slot that is already bound
// means two ticks share a worker, which is a scheduler bug.
func (r *Registry) Bind(b *Binding) {
	if !r.slots[b.Worker].CompareAndSwap(nil, b) {
		cur := r.slots[b.Worker].Load()
		panic(&Violation{Worker: b.Worker, Bound: true, RegionID: cur.RegionID, Reason: "worker already bound"})
	}
	b.live.Store(true)
}

func (r *Registry) Unbind(worker int) {
	if b := r.slots[worker].Swap(nil); b != nil {
		b.live.Store(false)
	}
}

func (r *Registry) Current(worker int) *Binding {
	if worker < 0 || worker >= len(r.slots) {
		return nil
	}
	return r.slots[worker].Load()
}

func (r *Registry) Workers() int { return len(r.slots) }

// Bound describes one live binding.
type Bound struct {
	Worker   int    `json:"worker"`
	RegionID uint64 `json:"region_id"`
	Global   bool   `json:"global"`
}

// Snapshot lists the live bindings ordered by worker.
func (r *Registry) Snapshot() []Bound {
	out := make([]Bound, 0, len(r.slots))
	for i := range r.slots {
		if b := r.slots[i].Load(); b != nil {
			out = append(out, Bound{Worker: b.Worker, RegionID: b.RegionID, Global: b.Global})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

type ctxKey struct{}

// WithBinding returns a context that carries b through the tick call stack.
func WithBinding(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

func FromContext(ctx context.Context) (*Binding, bool) {
	if ctx == nil {
		return nil, false
	}
	b, ok := ctx.Value(ctxKey{}).(*Binding)
	return b, ok && b != nil
}

// EnsureOwnership panics with a *Violation unless the block at (x, z) lies in
// the region bound to ctx and that binding is still live.
func EnsureOwnership(ctx context.Context, x, z int) {
	b, ok := FromContext(ctx)
	if !ok {
		panic(&Violation{Block: [2]int{x, z}, HasBlock: true, Reason: "no region bound"})
	}
	if !b.Live() {
		panic(&Violation{
			Worker:   b.Worker,
			RegionID: b.RegionID,
			Section:  section.FromBlock(x, z, b.shift),
			Block:    [2]int{x, z},
			HasBlock: true,
			Reason:   "binding no longer live",
		})
	}
	if !b.OwnsBlock(x, z) {
		panic(&Violation{
			Worker:   b.Worker,
			Bound:    true,
			RegionID: b.RegionID,
			Section:  section.FromBlock(x, z, b.shift),
			Block:    [2]int{x, z},
			HasBlock: true,
			Reason:   "section not owned by bound region",
		})
	}
}

// EnsureSectionOwnership is EnsureOwnership for callers that already hold a
// section coordinate.
func EnsureSectionOwnership(ctx context.Context, p section.Pos) {
	b, ok := FromContext(ctx)
	if !ok {
		panic(&Violation{Section: p, Reason: "no region bound"})
	}
	if !b.Live() {
		panic(&Violation{Worker: b.Worker, RegionID: b.RegionID, Section: p, Reason: "binding no longer live"})
	}
	if !b.Owns(p) {
		panic(&Violation{Worker: b.Worker, Bound: true, RegionID: b.RegionID, Section: p, Reason: "section not owned by bound region"})
	}
}
