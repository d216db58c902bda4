package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
)

// TickContext is handed to the tick callback. It is only valid for the
// duration of the call and must not be retained.
type TickContext[P any] struct {
	ctx     context.Context
	binding *ownership.Binding
	timed   *timedQueue[P]

	Region  *region.Region[P]
	Payload P
	Worker  int
	// Tick counts completed ticks of this region, including those inherited
	// from the regions it was formed from.
	Tick      uint64
	Scheduled time.Time
	Start     time.Time
}

// Context carries the ownership binding; pass it to code that calls
// ownership.EnsureOwnership.
func (tc *TickContext[P]) Context() context.Context { return tc.ctx }

func (tc *TickContext[P]) RegionID() uint64 { return tc.binding.RegionID }

func (tc *TickContext[P]) EnsureOwnership(x, z int) {
	ownership.EnsureOwnership(tc.ctx, x, z)
}

// OwnsBlock reports whether block (x, z) belongs to this region, for
// callers that want to branch instead of fail.
func (tc *TickContext[P]) OwnsBlock(x, z int) bool { return tc.binding.OwnsBlock(x, z) }

// GlobalContext is handed to the global tick callback and global tasks.
type GlobalContext struct {
	ctx       context.Context
	Worker    int
	Tick      uint64
	Scheduled time.Time
	Start     time.Time
}

func (gc *GlobalContext) Context() context.Context { return gc.ctx }

// TickFunc ticks one region. A returned error is logged and counted against
// the region; the region stays scheduled.
type TickFunc[P any] func(tc *TickContext[P]) error

type GlobalTickFunc func(gc *GlobalContext) error

// Task runs inside a region's next tick, before delayed tasks and the tick
// callback.
type Task[P any] func(tc *TickContext[P])

// GlobalTask runs inside the next global tick.
type GlobalTask func(gc *GlobalContext)

// TickError wraps a failed or panicking tick.
type TickError struct {
	RegionID uint64
	Err      error
	Panic    any
	Stack    []byte
}

func (e *TickError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("region %d tick panicked: %v", e.RegionID, e.Panic)
	}
	return fmt.Sprintf("region %d tick failed: %v", e.RegionID, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }
