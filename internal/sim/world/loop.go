package world

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
)

// Run starts the tick workers and drives the coordinator until ctx is done
// or Stop is called. Ticket and task requests collect between steps and
// are applied together, in arrival order, once per coordinator period.
func (w *World[P]) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("world already running")
	}
	if err := w.sched.Start(ctx); err != nil {
		return err
	}
	defer w.sched.Close()

	ticker := time.NewTicker(w.cfg.CoordinatorPeriod())
	defer ticker.Stop()

	var healthC <-chan time.Time
	if len(w.health) > 0 && w.cfg.Health.RecordEveryMs > 0 {
		ht := time.NewTicker(time.Duration(w.cfg.Health.RecordEveryMs) * time.Millisecond)
		defer ht.Stop()
		healthC = ht.C
	}

	var pendingOps []ticketOp[P]
	var pendingTasks []submitReq[P]

	for {
		// Past RequestQueue pending entries the channel is left to fill, so
		// senders see ErrBusy instead of growing the backlog.
		ops, submit := w.ops, w.submit
		if len(pendingOps) >= w.cfg.RequestQueue {
			ops = nil
		}
		if len(pendingTasks) >= w.cfg.RequestQueue {
			submit = nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case op := <-ops:
			pendingOps = append(pendingOps, op)
		case req := <-submit:
			pendingTasks = append(pendingTasks, req)
		case req := <-w.query:
			w.handleQuery(req)
		case <-healthC:
			w.writeHealth()
		case <-ticker.C:
			w.stepOnce(ctx, pendingOps, pendingTasks)
			clear(pendingOps)
			clear(pendingTasks)
			pendingOps = pendingOps[:0]
			pendingTasks = pendingTasks[:0]
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (w *World[P]) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stop)
	}
}

func (w *World[P]) stepOnce(ctx context.Context, ops []ticketOp[P], tasks []submitReq[P]) {
	start := w.now()
	step := w.step.Add(1)
	_, span := w.tracer.Start(ctx, "world.step", trace.WithAttributes(
		attribute.Int64("world.step", int64(step)),
		attribute.Int("world.ticket_ops", len(ops)),
		attribute.Int("world.tasks", len(tasks)),
	))
	defer span.End()

	follow := w.applyOps(ops)
	w.g.Reconcile(start)
	dropped := w.routeTasks(append(follow, tasks...))

	events := w.g.TakeEvents()
	w.writeEvents(step, start, events)

	snap := &Snapshot{
		Step:     step,
		At:       start,
		Regions:  w.g.ComputeForAllRegions(),
		Tickets:  w.g.TicketCount(),
		Sections: w.g.SectionCount(),
	}
	w.snap.Store(snap)

	elapsed := w.now().Sub(start)
	w.metrics.Store(Metrics{
		Step:         step,
		Regions:      len(snap.Regions),
		Tickets:      snap.Tickets,
		Sections:     snap.Sections,
		Threads:      w.sched.TotalThreadCount(),
		QueueDepths:  QueueDepths{Tickets: len(w.ops), Tasks: len(w.submit)},
		StepMS:       float64(elapsed) / float64(time.Millisecond),
		DroppedTasks: w.sched.DroppedTasks(),
		Unowned:      w.droppedUnowned.Load(),
	})

	span.SetAttributes(
		attribute.Int("world.regions", len(snap.Regions)),
		attribute.Int("world.events", len(events)),
		attribute.Int("world.dropped_tasks", dropped),
	)
	if dropped > 0 {
		span.SetStatus(codes.Error, "tasks submitted to unowned sections")
	}
}

// applyOps applies ticket changes in arrival order and returns the tasks
// that were queued to follow them.
func (w *World[P]) applyOps(ops []ticketOp[P]) []submitReq[P] {
	var follow []submitReq[P]
	for _, op := range ops {
		if !op.add {
			w.g.RemoveTicket(op.anchor)
			continue
		}
		w.g.AddTicket(op.ticket)
		if op.then != nil {
			follow = append(follow, submitReq[P]{pos: op.ticket.Pos, task: op.then})
		}
	}
	return follow
}

// routeTasks hands each task to the region owning its section. Tasks for
// sections nobody owns are dropped and counted.
func (w *World[P]) routeTasks(tasks []submitReq[P]) int {
	dropped := 0
	for _, t := range tasks {
		r, ok := w.g.RegionAt(t.pos)
		if ok && t.timed != nil {
			if w.sched.QueueScheduledTask(r.ID(), t.pos, t.delay, t.handle, t.timed) == nil {
				continue
			}
		} else if ok && w.sched.QueueRegionTask(r.ID(), t.pos, t.task) {
			continue
		}
		if t.handle != nil {
			t.handle.Cancel()
		}
		dropped++
	}
	if dropped > 0 {
		w.droppedUnowned.Add(uint64(dropped))
		w.sched.CountDropped(dropped)
	}
	return dropped
}

func (w *World[P]) writeEvents(step uint64, at time.Time, events []region.Event) {
	for _, ev := range events {
		e := RegionEvent{
			RunID:    w.runID,
			Step:     step,
			At:       at,
			Kind:     ev.Kind,
			Regions:  ev.Regions,
			From:     ev.From,
			Sections: ev.Sections,
		}
		for _, s := range w.events {
			if err := s.WriteRegionEvent(e); err != nil {
				w.logger.Printf("region event sink: %v", err)
			}
		}
	}
}

func (w *World[P]) writeHealth() {
	h := w.Health(w.cfg.ShortWindow(), w.cfg.Health.LowestRegions)
	for _, s := range w.health {
		if err := s.WriteHealth(h); err != nil {
			w.logger.Printf("health sink: %v", err)
		}
	}
}

func (w *World[P]) handleQuery(req queryReq) {
	var hs []region.Handle
	if req.rect == nil {
		hs = w.g.ComputeForAllRegions()
	} else {
		hs = w.g.ComputeForRegions(*req.rect)
	}
	req.resp <- hs
}
