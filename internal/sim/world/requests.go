package world

import (
	"context"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/scheduler"
	"github.com/CSneko/nya-folia-sub021/internal/sim/section"
)

// AddTicket queues t for the next coordinator step. It never blocks and may
// be called from inside a tick.
func (w *World[P]) AddTicket(t region.Ticket) error {
	return w.sendOp(ticketOp[P]{add: true, ticket: t})
}

// AddTicketThen queues t together with a task for whichever region owns
// t.Pos once t is applied. Use it to place state next to a new anchor
// without racing the ticket.
func (w *World[P]) AddTicketThen(t region.Ticket, task scheduler.Task[P]) error {
	return w.sendOp(ticketOp[P]{add: true, ticket: t, then: task})
}

func (w *World[P]) RemoveTicket(anchor string) error {
	return w.sendOp(ticketOp[P]{anchor: anchor})
}

func (w *World[P]) sendOp(op ticketOp[P]) error {
	if w.stopped.Load() {
		return ErrClosed
	}
	select {
	case w.ops <- op:
		return nil
	default:
		return ErrBusy
	}
}

// Submit queues task to run in the tick of whichever region owns block
// (x, z) once the next coordinator step routes it. If no region owns the
// block by then the task is dropped and counted. Blocks outside the section
// space are refused with section.ErrOutOfRange.
func (w *World[P]) Submit(x, z int, task scheduler.Task[P]) error {
	if err := section.CheckBlock(x, z, w.cfg.SectionShift); err != nil {
		return err
	}
	return w.SubmitSection(section.FromBlock(x, z, w.cfg.SectionShift), task)
}

func (w *World[P]) SubmitSection(p section.Pos, task scheduler.Task[P]) error {
	return w.sendTask(submitReq[P]{pos: p, task: task})
}

// SubmitDelayed runs task once, delay ticks of the owning region after the
// next coordinator step routes it. The delay is counted in region ticks and
// carries across merges and splits. If no region owns the block the task is
// dropped and its handle reports cancelled.
func (w *World[P]) SubmitDelayed(x, z int, delay uint64, task scheduler.TimedTask[P]) (*scheduler.ScheduledTask, error) {
	return w.submitTimed(x, z, delay, 0, task)
}

// SubmitAtFixedRate runs task after initial region ticks and then every
// period ticks until the returned handle is cancelled.
func (w *World[P]) SubmitAtFixedRate(x, z int, initial, period uint64, task scheduler.TimedTask[P]) (*scheduler.ScheduledTask, error) {
	if initial == 0 || period == 0 {
		return nil, scheduler.ErrBadPeriod
	}
	return w.submitTimed(x, z, initial, period, task)
}

func (w *World[P]) submitTimed(x, z int, delay, period uint64, task scheduler.TimedTask[P]) (*scheduler.ScheduledTask, error) {
	if err := section.CheckBlock(x, z, w.cfg.SectionShift); err != nil {
		return nil, err
	}
	h := scheduler.NewScheduledTask(period)
	req := submitReq[P]{pos: section.FromBlock(x, z, w.cfg.SectionShift), timed: task, delay: delay, handle: h}
	if err := w.sendTask(req); err != nil {
		return nil, err
	}
	return h, nil
}

func (w *World[P]) sendTask(req submitReq[P]) error {
	if w.stopped.Load() {
		return ErrClosed
	}
	select {
	case w.submit <- req:
		return nil
	default:
		return ErrBusy
	}
}

// QueueGlobalTask runs task at the start of the next global tick.
func (w *World[P]) QueueGlobalTask(task scheduler.GlobalTask) error {
	if w.stopped.Load() {
		return ErrClosed
	}
	w.sched.QueueGlobalTask(task)
	return nil
}

// ComputeForRegions asks the coordinator for every region with a section
// inside rect. It waits for the coordinator, so it is refused inside a
// tick.
func (w *World[P]) ComputeForRegions(ctx context.Context, rect section.Rect) ([]region.Handle, error) {
	return w.ask(ctx, &rect)
}

func (w *World[P]) ComputeForAllRegions(ctx context.Context) ([]region.Handle, error) {
	return w.ask(ctx, nil)
}

func (w *World[P]) ask(ctx context.Context, rect *section.Rect) ([]region.Handle, error) {
	if w.inTick(ctx) {
		return nil, ErrInTick
	}
	if w.stopped.Load() {
		return nil, ErrClosed
	}
	req := queryReq{rect: rect, resp: make(chan []region.Handle, 1)}
	select {
	case w.query <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stop:
		return nil, ErrClosed
	}
	select {
	case hs := <-req.resp:
		return hs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stop:
		return nil, ErrClosed
	}
}

// StepOnce drains the queued requests and runs one coordinator step on the
// calling goroutine. It must not be used while Run is running.
func (w *World[P]) StepOnce(ctx context.Context) {
	var ops []ticketOp[P]
	var tasks []submitReq[P]
	for {
		select {
		case op := <-w.ops:
			ops = append(ops, op)
			continue
		case req := <-w.submit:
			tasks = append(tasks, req)
			continue
		case req := <-w.query:
			w.handleQuery(req)
			continue
		default:
		}
		break
	}
	w.stepOnce(ctx, ops, tasks)
}
