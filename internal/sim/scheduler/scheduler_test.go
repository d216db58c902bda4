package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

type cell struct {
	busy  atomic.Int32
	ticks atomic.Int64
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cellHooks() region.Hooks[*cell] {
	return region.Hooks[*cell]{
		OnCreate: func() *cell { return &cell{} },
		OnMerge:  func(a, _ *cell) *cell { return a },
		OnSplit: func(p *cell, _ map[section.Pos]int, n int) []*cell {
			out := make([]*cell, n)
			out[0] = p
			for i := 1; i < n; i++ {
				out[i] = &cell{}
			}
			return out
		},
	}
}

func ticket(anchor string, x, z int32) region.Ticket {
	return region.Ticket{Anchor: anchor, Pos: section.Pos{X: x, Z: z}, Radius: 1, Kind: region.TicketPlayer}
}

func testConfig(workers int, period time.Duration) Config {
	return Config{
		Workers:              workers,
		Period:               period,
		CatchupMaxTicks:      10,
		SectionShift:         4,
		MetricsCapacity:      256,
		FailureFlagThreshold: 3,
	}
}

func TestGlobalUnitDrainsTasksFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var ticks atomic.Int64
	s := New[*cell](testConfig(1, 5*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		Global: func(gc *GlobalContext) error {
			if ticks.Add(1) == 2 {
				mu.Lock()
				order = append(order, "tick")
				mu.Unlock()
			}
			if b, ok := ownership.FromContext(gc.Context()); !ok || !b.Global {
				return errors.New("global tick without global binding")
			}
			return nil
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	waitFor(t, time.Second, "first global tick", func() bool { return ticks.Load() >= 1 })
	s.QueueGlobalTask(func(*GlobalContext) {
		mu.Lock()
		order = append(order, "task")
		mu.Unlock()
	})
	waitFor(t, time.Second, "second global tick", func() bool { return ticks.Load() >= 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "task" || order[1] != "tick" {
		t.Fatalf("order: got %v want [task tick]", order)
	}
	if rep, ok := s.Report(ownership.GlobalRegionID, time.Minute); !ok || rep.Failures != 0 {
		t.Fatalf("global report: %+v ok=%v", rep, ok)
	}
}

func TestNoRegionTickedConcurrently(t *testing.T) {
	var overlaps atomic.Int64
	var s *Scheduler[*cell]
	s = New[*cell](testConfig(4, 2*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		Tick: func(tc *TickContext[*cell]) error {
			if tc.Payload.busy.Add(1) != 1 {
				overlaps.Add(1)
			}
			for _, b := range s.Registry().Snapshot() {
				if b.Worker != tc.Worker && !b.Global && b.RegionID == tc.RegionID() {
					overlaps.Add(1)
				}
			}
			if id, ok := s.CurrentRegion(tc.Context()); !ok || id != tc.RegionID() {
				overlaps.Add(1)
			}
			time.Sleep(200 * time.Microsecond)
			tc.Payload.ticks.Add(1)
			tc.Payload.busy.Add(-1)
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	for i := int32(0); i < 6; i++ {
		g.AddTicket(ticket(string(rune('a'+i)), i*10, 0))
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	// Churn the partition while workers tick: walk two anchors back and
	// forth so regions keep merging and splitting.
	for step := 0; step < 60; step++ {
		x := int32(step%10) * 2
		g.AddTicket(ticket("a", x, 0))
		g.AddTicket(ticket("b", 10+x, 0))
		g.Reconcile(time.Now().Add(time.Hour))
		time.Sleep(time.Millisecond)
	}
	if err := g.Check(); err != nil {
		t.Fatalf("partition: %v", err)
	}
	if n := overlaps.Load(); n != 0 {
		t.Fatalf("exclusivity violated %d times", n)
	}
	if s.Scheduled() != g.Len() {
		t.Fatalf("scheduled %d handles for %d regions", s.Scheduled(), g.Len())
	}
}

func TestCadenceConvergesToPeriod(t *testing.T) {
	const period = 10 * time.Millisecond
	const samples = 60
	var mu sync.Mutex
	var starts []time.Time
	done := make(chan struct{})
	s := New[*cell](testConfig(2, period), Options[*cell]{
		Logger: quietLogger(),
		Tick: func(tc *TickContext[*cell]) error {
			mu.Lock()
			defer mu.Unlock()
			if len(starts) <= samples {
				starts = append(starts, tc.Start)
				if len(starts) == samples+1 {
					close(done)
				}
			}
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("did not collect %d samples", samples)
	}
	mu.Lock()
	avg := starts[samples].Sub(starts[0]) / samples
	mu.Unlock()
	if avg < period*85/100 || avg > period*115/100 {
		t.Fatalf("mean interval %v, want about %v", avg, period)
	}

	id := g.Regions()[0].ID()
	rep, ok := s.Report(id, time.Minute)
	if !ok || rep.Samples < samples {
		t.Fatalf("report: %+v ok=%v", rep, ok)
	}
	if rep.TPS.Average < 85 || rep.TPS.Average > 115 {
		t.Fatalf("tps average %.1f, want about 100", rep.TPS.Average)
	}
	if rep.Lagging {
		t.Fatalf("idle region reported lagging: %+v", rep)
	}
}

func TestFailingRegionIsFlaggedAndKeepsTicking(t *testing.T) {
	var bad atomic.Pointer[cell]
	s := New[*cell](testConfig(2, 2*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		Tick: func(tc *TickContext[*cell]) error {
			tc.Payload.ticks.Add(1)
			if tc.Payload == bad.Load() {
				if tc.Tick%2 == 0 {
					panic("boom")
				}
				return errors.New("broken")
			}
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("bad", 0, 0))
	g.AddTicket(ticket("good", 100, 100))
	rs := g.Regions()
	bad.Store(rs[0].Payload())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	waitFor(t, 2*time.Second, "bad region flagged", func() bool {
		rep, _ := s.Report(rs[0].ID(), time.Minute)
		return rep.Flagged && rs[0].Payload().ticks.Load() > 5
	})
	waitFor(t, 2*time.Second, "good region ticking", func() bool { return rs[1].Payload().ticks.Load() > 5 })

	good, _ := s.Report(rs[1].ID(), time.Minute)
	if good.Flagged || good.Failures != 0 {
		t.Fatalf("healthy region affected: %+v", good)
	}
	badRep, _ := s.Report(rs[0].ID(), time.Minute)
	if badRep.Failures < 3 {
		t.Fatalf("failures: got %d", badRep.Failures)
	}
}

func TestOwnershipViolationIsFatal(t *testing.T) {
	fatal := make(chan error, 16)
	s := New[*cell](testConfig(1, 2*time.Millisecond), Options[*cell]{
		Logger:  quietLogger(),
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		Tick: func(tc *TickContext[*cell]) error {
			tc.EnsureOwnership(0, 0)
			tc.EnsureOwnership(100000, 100000)
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	select {
	case err := <-fatal:
		var v *ownership.Violation
		if !errors.As(err, &v) {
			t.Fatalf("fatal error %T: %v", err, err)
		}
		if v.RegionID != g.Regions()[0].ID() || !v.HasBlock || v.Block != [2]int{100000, 100000} {
			t.Fatalf("violation: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fatal report")
	}
}

func TestCurrentRegionOnlyInsideTick(t *testing.T) {
	var captured atomic.Value
	var seen atomic.Uint64
	var s *Scheduler[*cell]
	s = New[*cell](testConfig(1, 2*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		Tick: func(tc *TickContext[*cell]) error {
			captured.Store(tc.Context())
			if id, ok := s.CurrentRegion(tc.Context()); ok {
				seen.Store(id)
			}
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))

	if _, ok := s.CurrentRegion(context.Background()); ok {
		t.Fatalf("background context reported a region")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, "tick", func() bool { return seen.Load() != 0 })
	s.Close()

	if seen.Load() != g.Regions()[0].ID() {
		t.Fatalf("current region inside tick: got %d", seen.Load())
	}
	ctx := captured.Load().(context.Context)
	if _, ok := s.CurrentRegion(ctx); ok {
		t.Fatalf("escaped tick context still reports a region")
	}
}

func TestEscapedContextFailsOwnershipCheck(t *testing.T) {
	var captured atomic.Value
	s := New[*cell](testConfig(1, 2*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		Tick: func(tc *TickContext[*cell]) error {
			tc.EnsureOwnership(0, 0)
			captured.Store(tc.Context())
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, "tick", func() bool { return captured.Load() != nil })
	s.Close()

	ctx := captured.Load().(context.Context)
	var v *ownership.Violation
	func() {
		defer func() {
			var ok bool
			if v, ok = ownership.AsViolation(recover()); !ok {
				t.Fatalf("stale context passed the ownership check")
			}
		}()
		ownership.EnsureOwnership(ctx, 0, 0)
	}()
	if v.Reason != "binding no longer live" || v.RegionID != g.Regions()[0].ID() {
		t.Fatalf("violation: %+v", v)
	}
}

func TestFatalErrorHaltsRegion(t *testing.T) {
	fatal := make(chan error, 16)
	s := New[*cell](testConfig(2, 2*time.Millisecond), Options[*cell]{
		Logger: quietLogger(),
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		Tick: func(tc *TickContext[*cell]) error {
			tc.Payload.ticks.Add(1)
			if tc.Payload.busy.Load() == 1 {
				tc.EnsureOwnership(100000, 100000)
			}
			return nil
		},
	})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("bad", 0, 0))
	g.AddTicket(ticket("good", 100, 100))
	rs := g.Regions()
	bad, good := rs[0], rs[1]
	bad.Payload().busy.Store(1)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatalf("no fatal report")
	}
	waitFor(t, time.Second, "region halted", func() bool { return s.Halted(bad.ID()) })
	n := bad.Payload().ticks.Load()
	before := good.Payload().ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := bad.Payload().ticks.Load(); got != n {
		t.Fatalf("halted region kept ticking: %d -> %d", n, got)
	}
	if good.Payload().ticks.Load() <= before || s.Halted(good.ID()) {
		t.Fatalf("healthy region stopped")
	}
	if len(fatal) != 0 {
		t.Fatalf("fatal reported again after halt")
	}
}

func TestAggregateCapacityScalesWithWorkers(t *testing.T) {
	s := New[*cell](testConfig(3, time.Millisecond), Options[*cell]{Logger: quietLogger()})
	if s.cfg.GlobalMetricsCapacity != 256*3*8 {
		t.Fatalf("aggregate capacity: got %d", s.cfg.GlobalMetricsCapacity)
	}
	cfg := testConfig(3, time.Millisecond)
	cfg.GlobalMetricsCapacity = 10
	if s := New[*cell](cfg, Options[*cell]{}); s.cfg.GlobalMetricsCapacity != 10 {
		t.Fatalf("explicit capacity overridden: %d", s.cfg.GlobalMetricsCapacity)
	}
}

func TestTasksFollowMergedSections(t *testing.T) {
	ran := make(chan uint64, 1)
	s := New[*cell](testConfig(1, 2*time.Millisecond), Options[*cell]{Logger: quietLogger()})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	g.AddTicket(ticket("b", 6, 0))
	rs := g.Regions()
	if len(rs) != 2 {
		t.Fatalf("regions: got %d want 2", len(rs))
	}
	ok := s.QueueRegionTask(rs[0].ID(), section.Pos{X: 0, Z: 0}, func(tc *TickContext[*cell]) {
		ran <- tc.RegionID()
	})
	if !ok {
		t.Fatalf("queue task on live region failed")
	}

	g.AddTicket(ticket("bridge", 3, 0))
	merged := g.Regions()
	if len(merged) != 1 {
		t.Fatalf("regions after bridge: got %d want 1", len(merged))
	}
	if s.QueueRegionTask(rs[0].ID(), section.Pos{}, func(*TickContext[*cell]) {}) {
		t.Fatalf("queued a task on a retired region")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	select {
	case id := <-ran:
		if id != merged[0].ID() {
			t.Fatalf("task ran in region %d, want %d", id, merged[0].ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("task never ran")
	}
	if s.DroppedTasks() != 0 {
		t.Fatalf("dropped: %d", s.DroppedTasks())
	}
}

func TestRetiredRegionDropsOrphanTasks(t *testing.T) {
	s := New[*cell](testConfig(1, 2*time.Millisecond), Options[*cell]{Logger: quietLogger()})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	id := g.Regions()[0].ID()
	s.QueueRegionTask(id, section.Pos{}, func(*TickContext[*cell]) {})
	s.QueueRegionTask(id, section.Pos{X: 1}, func(*TickContext[*cell]) {})

	g.RemoveTicket("a")
	g.Reconcile(time.Now())
	if g.Len() != 0 || s.Scheduled() != 0 {
		t.Fatalf("regions=%d scheduled=%d", g.Len(), s.Scheduled())
	}
	if s.DroppedTasks() != 2 {
		t.Fatalf("dropped: got %d want 2", s.DroppedTasks())
	}
}

func TestSplitInheritsCadence(t *testing.T) {
	s := New[*cell](testConfig(1, 50*time.Millisecond), Options[*cell]{Logger: quietLogger()})
	g := region.New[*cell](region.Config{MergeRadius: 1, MaxTicketRadius: 8}, cellHooks(), s)
	g.AddTicket(ticket("a", 0, 0))
	g.AddTicket(ticket("b", 2, 0))
	parent := g.Regions()[0]
	ph := s.lookup(parent.ID())
	due := time.Now().Add(time.Hour)
	ph.next = due
	ph.ticks.Store(42)

	g.AddTicket(ticket("b", 50, 0))
	g.Reconcile(time.Now().Add(time.Hour))
	rs := g.Regions()
	if len(rs) != 2 {
		t.Fatalf("regions after split: got %d want 2", len(rs))
	}
	for _, r := range rs {
		h := s.lookup(r.ID())
		if h == nil {
			t.Fatalf("region %d not scheduled", r.ID())
		}
		if !h.next.Equal(due) || h.ticks.Load() != 42 {
			t.Fatalf("region %d: next=%v ticks=%d", r.ID(), h.next, h.ticks.Load())
		}
	}
}

func TestAdvanceCatchupBudget(t *testing.T) {
	const period = 50 * time.Millisecond
	t0 := time.Unix(1000, 0)
	h := &handle[*cell]{next: t0}

	if got := h.advance(t0.Add(10*time.Millisecond), period, 2); !got.Equal(t0.Add(50 * time.Millisecond)) {
		t.Fatalf("on time: got %v", got.Sub(t0))
	}
	// 200ms stall: the next ticks are already due and run back to back.
	if got := h.advance(t0.Add(200*time.Millisecond), period, 2); !got.Equal(t0.Add(100 * time.Millisecond)) {
		t.Fatalf("catch-up 1: got %v", got.Sub(t0))
	}
	if got := h.advance(t0.Add(210*time.Millisecond), period, 2); !got.Equal(t0.Add(150 * time.Millisecond)) {
		t.Fatalf("catch-up 2: got %v", got.Sub(t0))
	}
	// budget exhausted: the lag is written off
	if got := h.advance(t0.Add(220*time.Millisecond), period, 2); !got.Equal(t0.Add(270 * time.Millisecond)) {
		t.Fatalf("reset: got %v", got.Sub(t0))
	}
	if h.catchup != 0 {
		t.Fatalf("catchup counter: got %d", h.catchup)
	}
}

func TestStartTwice(t *testing.T) {
	s := New[*cell](testConfig(3, time.Millisecond), Options[*cell]{Logger: quietLogger()})
	if s.TotalThreadCount() != 3 {
		t.Fatalf("threads: got %d", s.TotalThreadCount())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start: %v", err)
	}
	s.Close()
	s.Close()
}
