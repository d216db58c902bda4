package world

import (
	"context"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/scheduler"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tuning"
)

var (
	// ErrBusy means a request queue is full; retry on a later tick.
	ErrBusy   = errors.New("world request queue full")
	ErrClosed = errors.New("world stopped")
	// ErrInTick means a synchronous query was made from inside a tick,
	// where waiting on the coordinator could deadlock.
	ErrInTick = errors.New("synchronous world query from inside a tick")
)

// RegionEvent is one structural change as written to event sinks.
type RegionEvent struct {
	RunID    string           `json:"run_id,omitempty"`
	Step     uint64           `json:"step"`
	At       time.Time        `json:"at"`
	Kind     region.EventKind `json:"kind"`
	Regions  []uint64         `json:"regions,omitempty"`
	From     []uint64         `json:"from,omitempty"`
	Sections int              `json:"sections"`
}

type EventSink interface {
	WriteRegionEvent(e RegionEvent) error
}

type HealthSink interface {
	WriteHealth(h Health) error
}

// Snapshot is the partition as of the end of a coordinator step.
type Snapshot struct {
	Step     uint64          `json:"step"`
	At       time.Time       `json:"at"`
	Regions  []region.Handle `json:"regions"`
	Tickets  int             `json:"tickets"`
	Sections int             `json:"sections"`
}

type Options[P any] struct {
	Hooks  region.Hooks[P]
	Tick   scheduler.TickFunc[P]
	Global scheduler.GlobalTickFunc

	Logger  *log.Logger
	OnFatal func(error)
	Tracer  trace.Tracer
	Now     func() time.Time

	RunID       string
	EventSinks  []EventSink
	HealthSinks []HealthSink
}

// World owns the regioniser and the scheduler. Structural requests are
// queued and applied by Run on the coordinator goroutine; ticks run on the
// scheduler's workers.
type World[P any] struct {
	cfg    tuning.Tuning
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
	runID  string

	g     *region.Regioniser[P]
	sched *scheduler.Scheduler[P]

	events []EventSink
	health []HealthSink

	ops    chan ticketOp[P]
	submit chan submitReq[P]
	query  chan queryReq
	stop   chan struct{}

	stopped atomic.Bool
	running atomic.Bool
	step    atomic.Uint64
	snap    atomic.Pointer[Snapshot]
	metrics atomic.Value // Metrics

	droppedUnowned atomic.Uint64
}

type ticketOp[P any] struct {
	add    bool
	ticket region.Ticket
	anchor string
	then   scheduler.Task[P]
}

type submitReq[P any] struct {
	pos  section.Pos
	task scheduler.Task[P]

	// set for delayed and fixed-rate tasks
	timed  scheduler.TimedTask[P]
	delay  uint64
	handle *scheduler.ScheduledTask
}

type queryReq struct {
	rect *section.Rect
	resp chan []region.Handle
}

func New[P any](cfg tuning.Tuning, opts Options[P]) *World[P] {
	cfg.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/CSneko/nya-folia-sub021/internal/sim/world")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	w := &World[P]{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		now:    now,
		runID:  opts.RunID,
		events: opts.EventSinks,
		health: opts.HealthSinks,
		ops:    make(chan ticketOp[P], cfg.RequestQueue),
		submit: make(chan submitReq[P], cfg.RequestQueue),
		query:  make(chan queryReq, 64),
		stop:   make(chan struct{}),
	}
	w.sched = scheduler.New[P](scheduler.Config{
		Workers:               cfg.WorkerCount(),
		Period:                cfg.TickPeriod(),
		CatchupMaxTicks:       cfg.CatchupMaxTicks,
		SectionShift:          cfg.SectionShift,
		MetricsCapacity:       cfg.MetricsCapacity,
		GlobalMetricsCapacity: cfg.AggregateCapacity(),
		FailureFlagThreshold:  cfg.FailureFlagThreshold,
	}, scheduler.Options[P]{
		Tick:    opts.Tick,
		Global:  opts.Global,
		Logger:  logger,
		OnFatal: opts.OnFatal,
		Now:     now,
	})
	w.g = region.New[P](region.Config{
		MergeRadius:     cfg.MergeRadius,
		MaxTicketRadius: cfg.MaxTicketRadius,
		SplitDebounce:   cfg.SplitDebounce(),
	}, opts.Hooks, w.sched)
	w.snap.Store(&Snapshot{At: now(), Regions: []region.Handle{}})
	return w
}

func (w *World[P]) Tuning() tuning.Tuning { return w.cfg }

func (w *World[P]) RunID() string { return w.runID }

// TotalThreadCount is the number of tick workers.
func (w *World[P]) TotalThreadCount() int { return w.sched.TotalThreadCount() }

// CurrentRegion returns the region whose tick ctx belongs to, if that tick
// is still running.
func (w *World[P]) CurrentRegion(ctx context.Context) (uint64, bool) {
	return w.sched.CurrentRegion(ctx)
}

// Snapshot returns the partition published by the last coordinator step.
func (w *World[P]) Snapshot() Snapshot {
	return *w.snap.Load()
}

// Report summarises one region, or the global unit for id 0.
func (w *World[P]) Report(id uint64, window time.Duration) (tickstats.Report, bool) {
	return w.sched.Report(id, window)
}

// Bindings lists which worker is ticking which region right now.
func (w *World[P]) Bindings() []ownership.Bound {
	return w.sched.Registry().Snapshot()
}

func (w *World[P]) inTick(ctx context.Context) bool {
	_, ok := w.sched.CurrentRegion(ctx)
	return ok
}
