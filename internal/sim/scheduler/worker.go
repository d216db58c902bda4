package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/ownership"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
)

func (s *Scheduler[P]) worker(id int) {
	defer s.wg.Done()
	for {
		h := s.next()
		if h == nil {
			return
		}
		// The coordinator holds the region; Release puts it back.
		if !h.own.TryLock() {
			continue
		}
		if h.retired.Load() {
			h.own.Unlock()
			continue
		}
		at := s.runTick(id, h)
		h.own.Unlock()
		if h.held.Load() {
			continue
		}
		s.enqueue(h, at)
	}
}

// next blocks until some handle is due and pops it, or returns nil once
// the scheduler is closed.
func (s *Scheduler[P]) next() *handle[P] {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		wait := time.Duration(-1)
		if len(s.queue) > 0 {
			h := s.queue[0]
			wait = h.at.Sub(s.now())
			if wait <= 0 {
				heap.Pop(&s.queue)
				h.queued = false
				more := len(s.queue) > 0
				s.mu.Unlock()
				if more {
					// pass the wakeup on so an idle worker re-arms its timer
					s.notify()
				}
				return h
			}
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		case <-s.done:
		}
	}
}

// runTick ticks h on worker and returns when it is next due. Must be
// called with h.own held.
func (s *Scheduler[P]) runTick(worker int, h *handle[P]) time.Time {
	scheduled := h.next
	var b *ownership.Binding
	if h.region == nil {
		b = ownership.GlobalBinding(worker)
	} else {
		b = ownership.NewBinding(worker, h.id, s.cfg.SectionShift, h.region.Sections())
	}
	s.reg.Bind(b)
	start := s.now()
	err := s.invoke(h, b, scheduled, start)
	end := s.now()
	s.reg.Unbind(worker)

	h.ticks.Add(1)
	h.stats.Record(start, end)
	s.aggregate.Record(start, end)
	if err != nil {
		h.stats.RecordFailure()
		s.aggregate.RecordFailure()
		s.logger.Printf("%v%s", err, s.describe(h))
		if isFatal(err) && !h.halted.Swap(true) {
			s.logger.Printf("region %d halted: no further ticks are scheduled", h.id)
		}
		if h.stats.Flagged() && !h.flagged {
			h.flagged = true
			s.logger.Printf("region %d flagged after %d consecutive failed ticks", h.id, s.cfg.FailureFlagThreshold)
		}
	} else {
		h.stats.RecordSuccess()
		s.aggregate.RecordSuccess()
		h.flagged = false
	}
	return h.advance(end, s.cfg.Period, s.cfg.CatchupMaxTicks)
}

// advance moves the deadline one period on. A region that is already late
// for its next tick runs again at once, up to budget times in a row; past
// that the lag is written off and the schedule restarts from now.
func (h *handle[P]) advance(now time.Time, period time.Duration, budget int) time.Time {
	h.next = h.next.Add(period)
	if now.Before(h.next) {
		h.catchup = 0
		return h.next
	}
	h.catchup++
	if h.catchup > budget {
		h.catchup = 0
		h.next = now.Add(period)
	}
	return h.next
}

func (s *Scheduler[P]) describe(h *handle[P]) string {
	if h.region == nil {
		return ""
	}
	if st, ok := any(h.region.Payload()).(fmt.Stringer); ok {
		return " (" + st.String() + ")"
	}
	return ""
}

func isFatal(err error) bool {
	if _, ok := ownership.AsViolation(err); ok {
		return true
	}
	var race *region.StructuralRaceError
	return errors.As(err, &race)
}

// invoke runs queued tasks and the tick callback, turning panics into
// errors. Ownership violations and structural races go to the fatal hook.
func (s *Scheduler[P]) invoke(h *handle[P], b *ownership.Binding, scheduled, start time.Time) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if v, ok := ownership.AsViolation(r); ok {
			err = v
			s.fatal(v)
			return
		}
		if race, ok := r.(*region.StructuralRaceError); ok {
			err = race
			s.fatal(race)
			return
		}
		err = &TickError{RegionID: h.id, Panic: r, Stack: debug.Stack()}
	}()

	ctx := ownership.WithBinding(s.ctx, b)
	if h.region == nil {
		gc := &GlobalContext{ctx: ctx, Worker: b.Worker, Tick: h.ticks.Load(), Scheduled: scheduled, Start: start}
		for _, t := range s.globalTasks.drain() {
			t(gc)
		}
		if s.global != nil {
			if e := s.global(gc); e != nil {
				return &TickError{RegionID: h.id, Err: e}
			}
		}
		return nil
	}

	tc := &TickContext[P]{
		ctx:       ctx,
		binding:   b,
		timed:     &h.timed,
		Region:    h.region,
		Payload:   h.region.Payload(),
		Worker:    b.Worker,
		Tick:      h.ticks.Load(),
		Scheduled: scheduled,
		Start:     start,
	}
	for _, t := range h.tasks.drain() {
		t.fn(tc)
	}
	s.runTimed(h, tc, tc.Tick+1)
	if s.tick != nil {
		if e := s.tick(tc); e != nil {
			return &TickError{RegionID: h.id, Err: e}
		}
	}
	return nil
}
