package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
)

var (
	ErrStarted = errors.New("scheduler already started")
	ErrClosed  = errors.New("scheduler closed")
)

type Config struct {
	Workers int
	Period  time.Duration
	// CatchupMaxTicks bounds how many back-to-back ticks a lagging region
	// may run before its schedule is reset to now.
	CatchupMaxTicks int
	SectionShift    uint

	MetricsCapacity       int
	GlobalMetricsCapacity int
	FailureFlagThreshold  int
}

type Options[P any] struct {
	Tick   TickFunc[P]
	Global GlobalTickFunc
	Logger *log.Logger
	// OnFatal receives ownership violations and structural races raised
	// inside a tick. The default panics, taking the process down.
	OnFatal func(err error)
	// Now is the clock; tests may replace it.
	Now func() time.Time
}

// Scheduler ticks every active region on a fixed pool of workers. Each
// region and the global unit is ticked by at most one worker at a time, at
// most once per Period unless it is catching up.
type Scheduler[P any] struct {
	cfg    Config
	tick   TickFunc[P]
	global GlobalTickFunc
	logger *log.Logger
	fatal  func(error)
	now    func() time.Time

	reg       *ownership.Registry
	aggregate *tickstats.Recorder

	mu      sync.Mutex
	queue   readyQueue[P]
	handles map[uint64]*handle[P]
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	ctx         context.Context
	started     atomic.Bool
	globalH     *handle[P]
	globalTasks globalQueue
	dropped     atomic.Uint64
}

// handle is the scheduler's per-region state. own is held by a worker for
// the duration of a tick and by the coordinator between Acquire and Release.
type handle[P any] struct {
	id     uint64
	region *region.Region[P]

	own     sync.Mutex
	held    atomic.Bool
	retired atomic.Bool
	// halted is set after a fatal error when OnFatal returns; the handle
	// is never enqueued again.
	halted atomic.Bool

	// guarded by Scheduler.mu
	at     time.Time
	index  int
	queued bool

	// guarded by own
	next    time.Time
	catchup int
	flagged bool

	ticks atomic.Uint64
	stats *tickstats.Recorder
	tasks taskQueue[P]
	timed timedQueue[P]
}

func New[P any](cfg Config, opts Options[P]) *Scheduler[P] {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Period <= 0 {
		cfg.Period = 50 * time.Millisecond
	}
	if cfg.CatchupMaxTicks < 0 {
		cfg.CatchupMaxTicks = 0
	}
	if cfg.GlobalMetricsCapacity <= 0 {
		cfg.GlobalMetricsCapacity = cfg.MetricsCapacity * cfg.Workers * 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[sched] ", log.LstdFlags|log.Lmicroseconds)
	}
	fatal := opts.OnFatal
	if fatal == nil {
		fatal = func(err error) { panic(err) }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler[P]{
		cfg:       cfg,
		tick:      opts.Tick,
		global:    opts.Global,
		logger:    logger,
		fatal:     fatal,
		now:       now,
		reg:       ownership.NewRegistry(cfg.Workers),
		aggregate: tickstats.NewRecorder(cfg.GlobalMetricsCapacity, cfg.Period, cfg.FailureFlagThreshold),
		handles:   map[uint64]*handle[P]{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
	s.globalH = s.newHandle(ownership.GlobalRegionID, nil)
	return s
}

func (s *Scheduler[P]) newHandle(id uint64, r *region.Region[P]) *handle[P] {
	return &handle[P]{
		id:     id,
		region: r,
		index:  -1,
		stats:  tickstats.NewRecorder(s.cfg.MetricsCapacity, s.cfg.Period, s.cfg.FailureFlagThreshold),
	}
}

// Start launches the workers and schedules the global unit. ctx is the
// parent of every tick context; cancelling it does not stop the workers,
// Close does.
func (s *Scheduler[P]) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ctx != nil {
		s.ctx = ctx
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.globalH.next = s.now()
	s.enqueue(s.globalH, s.globalH.next)
	return nil
}

// Close stops the workers after their current tick and waits for them.
func (s *Scheduler[P]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler[P]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue schedules h to tick at at. A handle that is already queued only
// moves later, so a stale early entry cannot double its rate.
func (s *Scheduler[P]) enqueue(h *handle[P], at time.Time) {
	s.mu.Lock()
	if s.closed || h.retired.Load() || h.halted.Load() {
		s.mu.Unlock()
		return
	}
	if h.queued {
		if at.After(h.at) {
			h.at = at
			heap.Fix(&s.queue, h.index)
		}
		s.mu.Unlock()
		return
	}
	h.at = at
	h.queued = true
	heap.Push(&s.queue, h)
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler[P]) lookup(id uint64) *handle[P] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// Acquire implements region.Listener. It waits for an in-flight tick of r
// to finish and keeps r from ticking until Release or Retire.
func (s *Scheduler[P]) Acquire(r *region.Region[P]) {
	h := s.lookup(r.ID())
	if h == nil {
		return
	}
	h.held.Store(true)
	h.own.Lock()
}

func (s *Scheduler[P]) Release(r *region.Region[P]) {
	h := s.lookup(r.ID())
	if h == nil || !h.held.Load() {
		return
	}
	at := h.next
	h.held.Store(false)
	h.own.Unlock()
	s.enqueue(h, at)
}

// Activate registers a new region. It continues the schedule of the
// regions it came from: the latest pending deadline and the highest tick
// count carry over, and queued tasks follow their sections. Delayed tasks
// keep the number of ticks they still had to wait.
func (s *Scheduler[P]) Activate(r *region.Region[P], from []*region.Region[P]) {
	h := s.newHandle(r.ID(), r)
	h.next = s.now()

	var latest time.Time
	var ticks uint64
	var prev []*handle[P]
	for _, f := range from {
		fh := s.lookup(f.ID())
		if fh == nil {
			continue
		}
		prev = append(prev, fh)
		if fh.next.After(latest) {
			latest = fh.next
		}
		if t := fh.ticks.Load(); t > ticks {
			ticks = t
		}
	}
	for _, fh := range prev {
		for _, t := range fh.tasks.take(r.Has) {
			h.tasks.push(t)
		}
		moved := fh.timed.take(r.Has)
		sortTimed(moved)
		shift := ticks - fh.ticks.Load()
		for _, t := range moved {
			t.due += shift
			t.seq = 0
			h.timed.push(t)
		}
	}
	if !latest.IsZero() {
		h.next = latest
	}
	h.ticks.Store(ticks)

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	s.enqueue(h, h.next)
}

func (s *Scheduler[P]) Retire(r *region.Region[P]) {
	s.mu.Lock()
	h := s.handles[r.ID()]
	if h == nil {
		s.mu.Unlock()
		return
	}
	delete(s.handles, h.id)
	h.retired.Store(true)
	if h.queued {
		heap.Remove(&s.queue, h.index)
		h.queued = false
	}
	s.mu.Unlock()

	n := h.tasks.len() + h.timed.dropAll()
	if n > 0 {
		s.dropped.Add(uint64(n))
		s.logger.Printf("region %d retired with %d queued tasks outside any successor", h.id, n)
	}
	if h.held.CompareAndSwap(true, false) {
		h.own.Unlock()
	}
}

// QueueRegionTask runs fn inside the next tick of region id. It returns
// false if the region is not scheduled.
func (s *Scheduler[P]) QueueRegionTask(id uint64, pos section.Pos, fn Task[P]) bool {
	h := s.lookup(id)
	if h == nil || h.retired.Load() {
		return false
	}
	h.tasks.push(regionTask[P]{pos: pos, fn: fn, at: s.now()})
	return true
}

// QueueGlobalTask runs fn at the start of the next global tick.
func (s *Scheduler[P]) QueueGlobalTask(fn GlobalTask) {
	s.globalTasks.push(fn)
}

// CountDropped records tasks the caller could not route to any region.
func (s *Scheduler[P]) CountDropped(n int) {
	if n > 0 {
		s.dropped.Add(uint64(n))
	}
}

func (s *Scheduler[P]) DroppedTasks() uint64 { return s.dropped.Load() }

// TotalThreadCount is the number of tick workers.
func (s *Scheduler[P]) TotalThreadCount() int { return s.cfg.Workers }

func (s *Scheduler[P]) Registry() *ownership.Registry { return s.reg }

func (s *Scheduler[P]) Period() time.Duration { return s.cfg.Period }

// CurrentRegion returns the region bound to ctx while its tick is running.
// A context that outlived its tick reports nothing.
func (s *Scheduler[P]) CurrentRegion(ctx context.Context) (uint64, bool) {
	b, ok := ownership.FromContext(ctx)
	if !ok || s.reg.Current(b.Worker) != b {
		return 0, false
	}
	return b.RegionID, true
}

// Report summarises one region, or the global unit for id 0.
func (s *Scheduler[P]) Report(id uint64, window time.Duration) (tickstats.Report, bool) {
	h := s.globalH
	if id != ownership.GlobalRegionID {
		h = s.lookup(id)
	}
	if h == nil {
		return tickstats.Report{}, false
	}
	return h.stats.Report(s.now(), window), true
}

// Reports summarises every scheduled region, keyed by id. The global unit
// is not included.
func (s *Scheduler[P]) Reports(window time.Duration) map[uint64]tickstats.Report {
	s.mu.Lock()
	hs := make([]*handle[P], 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	now := s.now()
	out := make(map[uint64]tickstats.Report, len(hs))
	for _, h := range hs {
		out[h.id] = h.stats.Report(now, window)
	}
	return out
}

// AggregateReport covers every tick on every worker, global included. Its
// utilisation is summed across workers. The recorder holds
// GlobalMetricsCapacity samples; when more ticks than that fall inside
// window the report only covers the most recent ones and sets Truncated.
func (s *Scheduler[P]) AggregateReport(window time.Duration) tickstats.Report {
	return s.aggregate.Report(s.now(), window)
}

// Ticks returns the tick count of region id, including inherited ticks.
func (s *Scheduler[P]) Ticks(id uint64) uint64 {
	h := s.globalH
	if id != ownership.GlobalRegionID {
		h = s.lookup(id)
	}
	if h == nil {
		return 0
	}
	return h.ticks.Load()
}

// Halted reports whether region id stopped ticking after a fatal error.
func (s *Scheduler[P]) Halted(id uint64) bool {
	h := s.globalH
	if id != ownership.GlobalRegionID {
		h = s.lookup(id)
	}
	return h != nil && h.halted.Load()
}

func (s *Scheduler[P]) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

var _ region.Listener[int] = (*Scheduler[int])(nil)
