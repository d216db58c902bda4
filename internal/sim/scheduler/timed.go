package scheduler

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

var (
	ErrNotScheduled = errors.New("region not scheduled")
	ErrBadPeriod    = errors.New("fixed-rate task needs a positive initial delay and period")
)

// TimedTask runs inside a region tick once its delay has elapsed. task is
// its own handle, so a repeating task can cancel itself.
type TimedTask[P any] func(tc *TickContext[P], task *ScheduledTask)

// CancelState is the outcome of ScheduledTask.Cancel.
type CancelState int

const (
	// CancelledByCaller: the task had not run yet and never will.
	CancelledByCaller CancelState = iota
	// CancelRunning: a one-shot task is running right now and will finish.
	CancelRunning
	// NextRunsCancelled: a repeating task is running; it will not run again.
	NextRunsCancelled
	NextRunsCancelledAlready
	AlreadyExecuted
	CancelledAlready
)

func (c CancelState) String() string {
	switch c {
	case CancelledByCaller:
		return "cancelled_by_caller"
	case CancelRunning:
		return "running"
	case NextRunsCancelled:
		return "next_runs_cancelled"
	case NextRunsCancelledAlready:
		return "next_runs_cancelled_already"
	case AlreadyExecuted:
		return "already_executed"
	case CancelledAlready:
		return "cancelled_already"
	}
	return "unknown"
}

const (
	taskIdle int32 = iota
	taskRunning
	taskRunningCancelled
	taskFinished
	taskCancelled
)

// ScheduledTask is the cancel handle of a delayed or fixed-rate task. Its
// deadline counts region ticks, not wall time, and survives merges and
// splits of the region that holds it.
type ScheduledTask struct {
	period uint64
	state  atomic.Int32
	runs   atomic.Uint64
}

// NewScheduledTask returns an idle handle. A non-zero period makes the task
// repeat every period ticks after its first run.
func NewScheduledTask(period uint64) *ScheduledTask {
	return &ScheduledTask{period: period}
}

func (t *ScheduledTask) Repeating() bool { return t.period > 0 }

// Runs counts completed runs.
func (t *ScheduledTask) Runs() uint64 { return t.runs.Load() }

// Cancelled reports whether the task will not run again.
func (t *ScheduledTask) Cancelled() bool {
	st := t.state.Load()
	return st == taskCancelled || st == taskRunningCancelled
}

// Done reports whether a one-shot task has run.
func (t *ScheduledTask) Done() bool { return t.state.Load() == taskFinished }

// Cancel stops future runs. It never waits for a run in progress.
func (t *ScheduledTask) Cancel() CancelState {
	for {
		switch t.state.Load() {
		case taskIdle:
			if t.state.CompareAndSwap(taskIdle, taskCancelled) {
				return CancelledByCaller
			}
		case taskRunning:
			if !t.Repeating() {
				return CancelRunning
			}
			if t.state.CompareAndSwap(taskRunning, taskRunningCancelled) {
				return NextRunsCancelled
			}
		case taskRunningCancelled:
			return NextRunsCancelledAlready
		case taskFinished:
			return AlreadyExecuted
		default:
			return CancelledAlready
		}
	}
}

// drop cancels an idle task whose region went away. Reports whether it was
// still pending.
func (t *ScheduledTask) drop() bool {
	return t.state.CompareAndSwap(taskIdle, taskCancelled)
}

type timedTask[P any] struct {
	pos  section.Pos
	due  uint64
	seq  uint64
	fn   TimedTask[P]
	task *ScheduledTask
}

// timedQueue holds a region's delayed tasks keyed on the region's tick
// count. seq keeps tasks due on the same tick in submission order.
type timedQueue[P any] struct {
	mu    sync.Mutex
	seq   uint64
	items []timedTask[P]
}

func (q *timedQueue[P]) push(t timedTask[P]) {
	q.mu.Lock()
	if t.seq == 0 {
		q.seq++
		t.seq = q.seq
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// takeDue removes the tasks due at or before tick, oldest deadline first.
// Cancelled tasks are discarded on the way.
func (q *timedQueue[P]) takeDue(tick uint64) []timedTask[P] {
	q.mu.Lock()
	var out []timedTask[P]
	rest := q.items[:0]
	for _, t := range q.items {
		switch {
		case t.task.state.Load() == taskCancelled:
		case t.due <= tick:
			out = append(out, t)
		default:
			rest = append(rest, t)
		}
	}
	for i := len(rest); i < len(q.items); i++ {
		q.items[i] = timedTask[P]{}
	}
	q.items = rest
	q.mu.Unlock()
	sortTimed(out)
	return out
}

// take removes the tasks keep accepts, for handing them to a successor.
func (q *timedQueue[P]) take(keep func(section.Pos) bool) []timedTask[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []timedTask[P]
	rest := q.items[:0]
	for _, t := range q.items {
		if keep(t.pos) {
			out = append(out, t)
		} else {
			rest = append(rest, t)
		}
	}
	for i := len(rest); i < len(q.items); i++ {
		q.items[i] = timedTask[P]{}
	}
	q.items = rest
	return out
}

// dropAll cancels every pending task and returns how many were live.
func (q *timedQueue[P]) dropAll() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	n := 0
	for _, t := range items {
		if t.task.drop() {
			n++
		}
	}
	return n
}

func (q *timedQueue[P]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func sortTimed[P any](ts []timedTask[P]) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].due != ts[j].due {
			return ts[i].due < ts[j].due
		}
		return ts[i].seq < ts[j].seq
	})
}

// QueueScheduledTask runs fn in the region tick delay ticks from now, and
// then every task period ticks until cancelled. A zero delay means the next
// tick. The deadline follows pos across merges and splits.
func (s *Scheduler[P]) QueueScheduledTask(id uint64, pos section.Pos, delay uint64, task *ScheduledTask, fn TimedTask[P]) error {
	h := s.lookup(id)
	if h == nil || h.retired.Load() {
		return ErrNotScheduled
	}
	if delay == 0 {
		delay = 1
	}
	h.timed.push(timedTask[P]{pos: pos, due: h.ticks.Load() + delay, fn: fn, task: task})
	return nil
}

// RunDelayed runs fn once, delay ticks from now, in region id.
func (s *Scheduler[P]) RunDelayed(id uint64, pos section.Pos, delay uint64, fn TimedTask[P]) (*ScheduledTask, error) {
	t := NewScheduledTask(0)
	if err := s.QueueScheduledTask(id, pos, delay, t, fn); err != nil {
		return nil, err
	}
	return t, nil
}

// RunAtFixedRate runs fn after initial ticks and then every period ticks.
func (s *Scheduler[P]) RunAtFixedRate(id uint64, pos section.Pos, initial, period uint64, fn TimedTask[P]) (*ScheduledTask, error) {
	if initial == 0 || period == 0 {
		return nil, ErrBadPeriod
	}
	t := NewScheduledTask(period)
	if err := s.QueueScheduledTask(id, pos, initial, t, fn); err != nil {
		return nil, err
	}
	return t, nil
}

// RunDelayed schedules fn on this region from inside its tick. pos must be
// owned by the region.
func (tc *TickContext[P]) RunDelayed(pos section.Pos, delay uint64, fn TimedTask[P]) *ScheduledTask {
	t := NewScheduledTask(0)
	tc.schedule(pos, delay, t, fn)
	return t
}

func (tc *TickContext[P]) RunAtFixedRate(pos section.Pos, initial, period uint64, fn TimedTask[P]) (*ScheduledTask, error) {
	if initial == 0 || period == 0 {
		return nil, ErrBadPeriod
	}
	t := NewScheduledTask(period)
	tc.schedule(pos, initial, t, fn)
	return t, nil
}

func (tc *TickContext[P]) schedule(pos section.Pos, delay uint64, t *ScheduledTask, fn TimedTask[P]) {
	ownership.EnsureSectionOwnership(tc.ctx, pos)
	if delay == 0 {
		delay = 1
	}
	tc.timed.push(timedTask[P]{pos: pos, due: tc.Tick + 1 + delay, fn: fn, task: t})
}

// runTimed runs the tasks due on tick cur, which is the tick in progress.
// If one panics the rest go back on the queue for the next tick.
func (s *Scheduler[P]) runTimed(h *handle[P], tc *TickContext[P], cur uint64) {
	due := h.timed.takeDue(cur)
	i := 0
	defer func() {
		if i < len(due) {
			for _, t := range due[i+1:] {
				h.timed.push(t)
			}
		}
	}()
	for ; i < len(due); i++ {
		runOne(h, tc, cur, due[i])
	}
}

func runOne[P any](h *handle[P], tc *TickContext[P], cur uint64, t timedTask[P]) {
	if !t.task.state.CompareAndSwap(taskIdle, taskRunning) {
		return
	}
	defer func() {
		t.task.runs.Add(1)
		if !t.task.Repeating() {
			t.task.state.Store(taskFinished)
			return
		}
		if !t.task.state.CompareAndSwap(taskRunning, taskIdle) {
			t.task.state.Store(taskCancelled)
			return
		}
		t.due = cur + t.task.period
		t.seq = 0
		h.timed.push(t)
	}()
	t.fn(tc, t.task)
}
