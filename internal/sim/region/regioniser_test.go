package region

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

type testPayload struct {
	origin int
	merged int
}

type hookCounts struct {
	creates, merges, splits, destroys int
	lastAssignment                   map[section.Pos]int
	lastSplitN                       int
}

func countingHooks(c *hookCounts) Hooks[*testPayload] {
	return Hooks[*testPayload]{
		OnCreate: func() *testPayload {
			c.creates++
			return &testPayload{origin: c.creates}
		},
		OnMerge: func(a, b *testPayload) *testPayload {
			c.merges++
			a.merged += b.merged + 1
			return a
		},
		OnSplit: func(p *testPayload, assignment map[section.Pos]int, n int) []*testPayload {
			c.splits++
			c.lastAssignment = assignment
			c.lastSplitN = n
			out := make([]*testPayload, n)
			out[0] = p
			for i := 1; i < n; i++ {
				out[i] = &testPayload{origin: p.origin}
			}
			return out
		},
		OnDestroy: func(*testPayload) { c.destroys++ },
	}
}

type recListener struct {
	calls []string
	held  map[uint64]bool
}

func (l *recListener) Acquire(r *Region[*testPayload]) {
	if l.held == nil {
		l.held = map[uint64]bool{}
	}
	l.held[r.ID()] = true
	l.calls = append(l.calls, "acquire")
}

func (l *recListener) Release(r *Region[*testPayload]) {
	delete(l.held, r.ID())
	l.calls = append(l.calls, "release")
}

func (l *recListener) Activate(r *Region[*testPayload], from []*Region[*testPayload]) {
	l.calls = append(l.calls, "activate")
}

func (l *recListener) Retire(r *Region[*testPayload]) {
	delete(l.held, r.ID())
	l.calls = append(l.calls, "retire")
}

func testConfig() Config {
	return Config{MergeRadius: 1, MaxTicketRadius: 8, SplitDebounce: 5 * time.Second}
}

func mustCheck(t *testing.T, g *Regioniser[*testPayload]) {
	t.Helper()
	if err := g.Check(); err != nil {
		t.Fatalf("partition check: %v", err)
	}
}

func rectSet(r section.Rect) map[section.Pos]struct{} {
	out := map[section.Pos]struct{}{}
	r.Each(func(p section.Pos) bool { out[p] = struct{}{}; return true })
	return out
}

func sameSet(a, b map[section.Pos]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			return false
		}
	}
	return true
}

func TestScenario_CreateSplitDestroy(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)
	t0 := time.Unix(1000, 0)

	for _, a := range []string{"A", "B", "C"} {
		g.AddTicket(Ticket{Anchor: a, Pos: section.Pos{}, Radius: 2, Kind: TicketPlayer})
	}
	g.Reconcile(t0)
	if n := len(g.ComputeForAllRegions()); n != 1 {
		t.Fatalf("regions=%d want 1", n)
	}
	if c.creates != 1 {
		t.Fatalf("creates=%d want 1", c.creates)
	}
	mustCheck(t, g)

	g.AddTicket(Ticket{Anchor: "C", Pos: section.Pos{X: 100}, Radius: 2, Kind: TicketPlayer})
	g.Reconcile(t0.Add(time.Second))
	if c.splits != 0 {
		t.Fatalf("split before debounce elapsed")
	}
	hs := g.ComputeForAllRegions()
	if len(hs) != 1 || !hs[0].Disconnected {
		t.Fatalf("expected one disconnected region, got %+v", hs)
	}

	g.Reconcile(t0.Add(7 * time.Second))
	if c.splits != 1 || c.lastSplitN != 2 {
		t.Fatalf("splits=%d n=%d want 1/2", c.splits, c.lastSplitN)
	}
	if n := len(g.ComputeForAllRegions()); n != 2 {
		t.Fatalf("regions=%d want 2", n)
	}
	if c.creates != 1 {
		t.Fatalf("split must not call OnCreate, creates=%d", c.creates)
	}
	mustCheck(t, g)

	g.RemoveTicket("A")
	g.RemoveTicket("B")
	g.Reconcile(t0.Add(8 * time.Second))
	if c.destroys != 1 {
		t.Fatalf("destroys=%d want 1", c.destroys)
	}
	hs = g.ComputeForAllRegions()
	if len(hs) != 1 || hs[0].Anchors != 1 || hs[0].Sections != 25 {
		t.Fatalf("remaining regions=%+v", hs)
	}
	mustCheck(t, g)
}

func TestSplitCorrectness(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)
	t0 := time.Unix(1000, 0)

	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 2}, Radius: 1})
	if g.Len() != 1 {
		t.Fatalf("overlapping tickets should share a region, got %d", g.Len())
	}
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 10}, Radius: 1})
	g.Reconcile(t0)
	g.Reconcile(t0.Add(5 * time.Second))

	if c.splits != 1 {
		t.Fatalf("splits=%d want 1", c.splits)
	}
	rs := g.Regions()
	if len(rs) != 2 {
		t.Fatalf("regions=%d want 2", len(rs))
	}
	aOnly := rectSet(section.Square(section.Pos{}, 1))
	bOnly := rectSet(section.Square(section.Pos{X: 10}, 1))
	if !sameSet(rs[0].Sections(), aOnly) || !sameSet(rs[1].Sections(), bOnly) {
		t.Fatalf("split sections mismatch: %v / %v", rs[0].Sections(), rs[1].Sections())
	}
	for p := range aOnly {
		if c.lastAssignment[p] != 0 {
			t.Fatalf("A section %s assigned to %d", p, c.lastAssignment[p])
		}
	}
	for p := range bOnly {
		if c.lastAssignment[p] != 1 {
			t.Fatalf("B section %s assigned to %d", p, c.lastAssignment[p])
		}
	}
	if len(c.lastAssignment) != len(aOnly)+len(bOnly) {
		t.Fatalf("assignment covers %d sections", len(c.lastAssignment))
	}
	mustCheck(t, g)
}

func TestSplitDebounce_NoThrash(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)
	t0 := time.Unix(1000, 0)

	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 2}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 10}, Radius: 1})
	g.Reconcile(t0)
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 2}, Radius: 1})
	g.Reconcile(t0.Add(10 * time.Second))

	if c.splits != 0 || c.merges != 0 {
		t.Fatalf("unexpected restructuring: splits=%d merges=%d", c.splits, c.merges)
	}
	hs := g.ComputeForAllRegions()
	if len(hs) != 1 || hs[0].Disconnected {
		t.Fatalf("expected one connected region, got %+v", hs)
	}
	mustCheck(t, g)
}

func TestMovedAnchorKeepsRegion(t *testing.T) {
	var c hookCounts
	cfg := testConfig()
	cfg.SplitDebounce = 0
	g := New(cfg, countingHooks(&c), nil)

	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{Z: 40}, Radius: 1})
	g.Reconcile(time.Unix(1000, 0))
	// The old square lost its only ticket; the region is connected again.
	if c.splits != 0 || g.Len() != 1 {
		t.Fatalf("splits=%d regions=%d", c.splits, g.Len())
	}
	hs := g.ComputeForAllRegions()
	if hs[0].Bounds != section.Square(section.Pos{Z: 40}, 1) {
		t.Fatalf("region did not follow the anchor: %+v", hs[0])
	}
}

func TestEagerMerge(t *testing.T) {
	var c hookCounts
	l := &recListener{}
	g := New(testConfig(), countingHooks(&c), l)

	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 10}, Radius: 1})
	if g.Len() != 2 {
		t.Fatalf("regions=%d want 2", g.Len())
	}
	l.calls = nil

	g.AddTicket(Ticket{Anchor: "C", Pos: section.Pos{X: 5}, Radius: 3})
	hs := g.ComputeForAllRegions()
	if len(hs) != 1 {
		t.Fatalf("regions=%d want 1 after bridging ticket", len(hs))
	}
	if hs[0].ID != 3 {
		t.Fatalf("merged region id=%d want fresh id 3", hs[0].ID)
	}
	if c.merges != 1 {
		t.Fatalf("merges=%d want 1", c.merges)
	}
	want := []string{"acquire", "acquire", "activate", "retire", "retire"}
	if len(l.calls) != len(want) {
		t.Fatalf("listener calls=%v want %v", l.calls, want)
	}
	for i := range want {
		if l.calls[i] != want[i] {
			t.Fatalf("listener calls=%v want %v", l.calls, want)
		}
	}
	if len(l.held) != 0 {
		t.Fatalf("regions left held: %v", l.held)
	}

	evs := g.TakeEvents()
	last := evs[len(evs)-1]
	if last.Kind != EventMerge || len(last.From) != 2 || last.From[0] != 1 || last.From[1] != 2 {
		t.Fatalf("last event=%+v", last)
	}
	if len(g.TakeEvents()) != 0 {
		t.Fatalf("events should drain")
	}
	mustCheck(t, g)
}

func TestMergeChainFoldsPairwise(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)

	for i, x := range []int32{0, 10, 20} {
		g.AddTicket(Ticket{Anchor: string(rune('A' + i)), Pos: section.Pos{X: x}, Radius: 1})
	}
	g.AddTicket(Ticket{Anchor: "D", Pos: section.Pos{X: 10}, Radius: 8})
	if g.Len() != 1 {
		t.Fatalf("regions=%d want 1", g.Len())
	}
	if c.merges != 2 {
		t.Fatalf("merges=%d want 2", c.merges)
	}
	r := g.Regions()[0]
	if r.Payload().origin != 1 || r.Payload().merged != 2 {
		t.Fatalf("payload=%+v", r.Payload())
	}
	mustCheck(t, g)
}

func TestGrowInPlaceKeepsID(t *testing.T) {
	l := &recListener{}
	g := New(testConfig(), Hooks[*testPayload]{}, l)
	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	l.calls = nil
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 3}, Radius: 1})

	hs := g.ComputeForAllRegions()
	if len(hs) != 1 || hs[0].ID != 1 || hs[0].Sections != 18 {
		t.Fatalf("grow: %+v", hs)
	}
	if len(l.calls) != 2 || l.calls[0] != "acquire" || l.calls[1] != "release" {
		t.Fatalf("listener calls=%v", l.calls)
	}
}

func TestAddTicketIdempotent(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)
	tk := Ticket{Anchor: "A", Pos: section.Pos{X: 3, Z: -4}, Radius: 2, Kind: TicketForced}

	if !g.AddTicket(tk) {
		t.Fatalf("first add should change the partition")
	}
	before := g.ComputeForAllRegions()
	if g.AddTicket(tk) {
		t.Fatalf("second identical add reported a change")
	}
	after := g.ComputeForAllRegions()
	if len(before) != len(after) || before[0] != after[0] {
		t.Fatalf("partition changed: %+v -> %+v", before, after)
	}
	if c.creates != 1 || g.SectionCount() != 25 {
		t.Fatalf("creates=%d sections=%d", c.creates, g.SectionCount())
	}
}

func TestRadiusClamped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTicketRadius = 2
	g := New(cfg, Hooks[*testPayload]{}, nil)
	g.AddTicket(Ticket{Anchor: "A", Radius: 50})
	if g.SectionCount() != 25 {
		t.Fatalf("sections=%d want 25", g.SectionCount())
	}
	tk, _ := g.Ticket("A")
	if tk.Radius != 2 {
		t.Fatalf("stored radius=%d want 2", tk.Radius)
	}
}

func TestRemoveTicket(t *testing.T) {
	var c hookCounts
	g := New(testConfig(), countingHooks(&c), nil)
	if g.RemoveTicket("nobody") {
		t.Fatalf("removing an unknown anchor should report false")
	}
	g.AddTicket(Ticket{Anchor: "A", Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Radius: 0})
	g.RemoveTicket("A")
	// Still covered by B; nothing restructures until Reconcile.
	if g.SectionCount() != 1 || g.Len() != 1 {
		t.Fatalf("sections=%d regions=%d", g.SectionCount(), g.Len())
	}
	g.RemoveTicket("B")
	if g.Len() != 1 {
		t.Fatalf("empty region should survive until reconcile")
	}
	g.Reconcile(time.Unix(1000, 0))
	if g.Len() != 0 || c.destroys != 1 {
		t.Fatalf("regions=%d destroys=%d", g.Len(), c.destroys)
	}
	mustCheck(t, g)
}

func TestComputeForRegions(t *testing.T) {
	g := New(testConfig(), Hooks[*testPayload]{}, nil)
	g.AddTicket(Ticket{Anchor: "A", Pos: section.Pos{}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 20}, Radius: 1})
	g.AddTicket(Ticket{Anchor: "C", Pos: section.Pos{X: 40}, Radius: 1})

	hs := g.ComputeForRegions(section.Rect{MinX: 1, MinZ: 0, MaxX: 19, MaxZ: 0})
	if len(hs) != 2 || hs[0].ID != 1 || hs[1].ID != 2 {
		t.Fatalf("small rect hits=%+v", hs)
	}
	hs = g.ComputeForRegions(section.Rect{MinX: 30, MinZ: -500, MaxX: 500, MaxZ: 500})
	if len(hs) != 1 || hs[0].ID != 3 {
		t.Fatalf("large rect hits=%+v", hs)
	}
	if hs := g.ComputeForRegions(section.Rect{MinX: 5, MaxX: 15}); len(hs) != 0 {
		t.Fatalf("empty rect hits=%+v", hs)
	}
	r, ok := g.RegionAt(section.Pos{X: 21, Z: 1})
	if !ok || r.ID() != 2 {
		t.Fatalf("RegionAt mismatch")
	}
}

func TestCoordinateEdgeTickets(t *testing.T) {
	g := New(testConfig(), Hooks[*testPayload]{}, nil)
	g.AddTicket(Ticket{Anchor: "far", Pos: section.Pos{X: math.MaxInt32, Z: 0}, Radius: 2})
	g.AddTicket(Ticket{Anchor: "near", Pos: section.Pos{}, Radius: 1})
	mustCheck(t, g)
	if g.Len() != 2 {
		t.Fatalf("regions: got %d want 2", g.Len())
	}
	// The far ticket's square is clipped at the edge: 3 columns by 5 rows.
	far, ok := g.RegionAt(section.Pos{X: math.MaxInt32})
	if !ok || len(far.Sections()) != 15 {
		t.Fatalf("edge region: ok=%v", ok)
	}
	if _, ok := g.RegionAt(section.Pos{X: math.MinInt32}); ok {
		t.Fatalf("edge square wrapped to the other side")
	}

	done := make(chan []Handle, 1)
	go func() {
		done <- g.ComputeForRegions(section.Rect{MinX: 0, MinZ: 0, MaxX: math.MaxInt32, MaxZ: 0})
	}()
	select {
	case hs := <-done:
		if len(hs) != 2 {
			t.Fatalf("edge rect hits=%+v", hs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("query over a rect ending at the coordinate edge did not return")
	}
	hs := g.ComputeForRegions(section.Rect{MinX: math.MaxInt32 - 1, MinZ: -2, MaxX: math.MaxInt32, MaxZ: 2})
	if len(hs) != 1 || hs[0].ID != far.ID() {
		t.Fatalf("small edge rect hits=%+v", hs)
	}
}

func TestStructuralRaceDetected(t *testing.T) {
	var g *Regioniser[*testPayload]
	g = New(testConfig(), Hooks[*testPayload]{
		OnCreate: func() *testPayload {
			g.Len()
			return nil
		},
	}, nil)

	defer func() {
		r := recover()
		e, ok := r.(*StructuralRaceError)
		if !ok {
			t.Fatalf("expected *StructuralRaceError, got %v", r)
		}
		if e.Op != "Len" || e.Active != "AddTicket" {
			t.Fatalf("race error=%+v", e)
		}
	}()
	g.AddTicket(Ticket{Anchor: "A"})
}

func TestSplitHookWrongLengthPanics(t *testing.T) {
	cfg := testConfig()
	cfg.SplitDebounce = 0
	g := New(cfg, Hooks[*testPayload]{
		OnSplit: func(p *testPayload, _ map[section.Pos]int, _ int) []*testPayload {
			return []*testPayload{p}
		},
	}, nil)
	g.AddTicket(Ticket{Anchor: "A", Radius: 0})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 1}, Radius: 0})
	g.AddTicket(Ticket{Anchor: "B", Pos: section.Pos{X: 5}, Radius: 0})

	defer func() {
		if _, ok := recover().(*SplitHookError); !ok {
			t.Fatalf("expected *SplitHookError panic")
		}
	}()
	g.Reconcile(time.Unix(1000, 0))
}

// Random ticket churn must always leave a valid partition, and with no
// debounce every region is connected after Reconcile.
func TestRandomChurnKeepsPartitionValid(t *testing.T) {
	cfg := testConfig()
	cfg.SplitDebounce = 0
	cfg.MaxTicketRadius = 3
	g := New(cfg, Hooks[*testPayload]{
		OnCreate: func() *testPayload { return &testPayload{} },
		OnMerge:  func(a, b *testPayload) *testPayload { return a },
		OnSplit: func(p *testPayload, _ map[section.Pos]int, n int) []*testPayload {
			out := make([]*testPayload, n)
			for i := range out {
				out[i] = &testPayload{}
			}
			return out
		},
	}, nil)

	rng := rand.New(rand.NewSource(7))
	anchors := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	now := time.Unix(1000, 0)
	for i := 0; i < 400; i++ {
		a := anchors[rng.Intn(len(anchors))]
		if rng.Intn(4) == 0 {
			g.RemoveTicket(a)
		} else {
			g.AddTicket(Ticket{
				Anchor: a,
				Pos:    section.Pos{X: int32(rng.Intn(30) - 15), Z: int32(rng.Intn(30) - 15)},
				Radius: rng.Intn(4),
			})
		}
		mustCheck(t, g)
		if i%5 == 4 {
			now = now.Add(time.Second)
			g.Reconcile(now)
			mustCheck(t, g)
			for _, r := range g.Regions() {
				if r.SectionCount() == 0 {
					t.Fatalf("step %d: empty region %d survived reconcile", i, r.ID())
				}
				if n := len(g.components(r.Sections())); n != 1 {
					t.Fatalf("step %d: region %d has %d components", i, r.ID(), n)
				}
			}
		}
	}
}
