package region

import "github.com/CSneko/nya-folia-sub021/internal/sim/section"

// Hooks let the simulation layer migrate its payload as regions change.
// All hooks run on the coordinator while the affected regions are held.
type Hooks[P any] struct {
	OnCreate func() P
	// OnMerge folds b into a. Chains of merges are folded pairwise in
	// ascending region id order.
	OnMerge func(a, b P) P
	// OnSplit partitions p. assignment maps every section of the old region
	// to an index in [0, n); the result must have exactly n entries.
	OnSplit   func(p P, assignment map[section.Pos]int, n int) []P
	OnDestroy func(p P)
}

// Listener is told about region lifecycle changes. The scheduler implements
// it to keep its ready queue in step with the partition.
type Listener[P any] interface {
	// Acquire returns once r is not ticking and keeps it from ticking until
	// Release or Retire.
	Acquire(r *Region[P])
	Release(r *Region[P])
	// Activate makes a new region schedulable. from lists the regions it
	// was merged or split from.
	Activate(r *Region[P], from []*Region[P])
	// Retire drops r for good, releasing it if held.
	Retire(r *Region[P])
}

type EventKind string

const (
	EventCreate  EventKind = "CREATE"
	EventMerge   EventKind = "MERGE"
	EventSplit   EventKind = "SPLIT"
	EventDestroy EventKind = "DESTROY"
)

// Event describes one committed structural change.
type Event struct {
	Kind     EventKind `json:"kind"`
	Regions  []uint64  `json:"regions"`
	From     []uint64  `json:"from,omitempty"`
	Sections int       `json:"sections"`
}

type nopListener[P any] struct{}

func (nopListener[P]) Acquire(*Region[P])                {}
func (nopListener[P]) Release(*Region[P])                {}
func (nopListener[P]) Activate(*Region[P], []*Region[P]) {}
func (nopListener[P]) Retire(*Region[P])                 {}
