package main

import (
	"fmt"
	"io"

	"github.com/CSneko/nya-folia-sub021/internal/sim/walkers"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
	"github.com/CSneko/nya-folia-sub021/internal/transport/observer"
)

// writeMetrics renders a minimal Prometheus exposition of coordinator and
// scheduler state.
func writeMetrics(w io.Writer, runID string, m world.Metrics, h world.Health, ws walkers.Stats, idx runtimeIndex, hub *observer.Hub) {
	gauge := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
	}

	gauge("regions_step", "Coordinator steps applied.")
	fmt.Fprintf(w, "regions_step{run=%q} %d\n", runID, m.Step)

	gauge("regions_regions", "Live regions.")
	fmt.Fprintf(w, "regions_regions{run=%q} %d\n", runID, m.Regions)

	gauge("regions_tickets", "Active tickets.")
	fmt.Fprintf(w, "regions_tickets{run=%q} %d\n", runID, m.Tickets)

	gauge("regions_sections", "Claimed sections.")
	fmt.Fprintf(w, "regions_sections{run=%q} %d\n", runID, m.Sections)

	gauge("regions_threads", "Tick worker threads.")
	fmt.Fprintf(w, "regions_threads{run=%q} %d\n", runID, m.Threads)

	gauge("regions_queue_depth", "Coordinator request backlog.")
	fmt.Fprintf(w, "regions_queue_depth{run=%q,queue=%q} %d\n", runID, "tickets", m.QueueDepths.Tickets)
	fmt.Fprintf(w, "regions_queue_depth{run=%q,queue=%q} %d\n", runID, "tasks", m.QueueDepths.Tasks)

	gauge("regions_step_ms", "Last coordinator step duration in milliseconds.")
	fmt.Fprintf(w, "regions_step_ms{run=%q} %.3f\n", runID, m.StepMS)

	counter("regions_dropped_tasks_total", "Tasks dropped because no region owned their section.")
	fmt.Fprintf(w, "regions_dropped_tasks_total{run=%q} %d\n", runID, m.DroppedTasks)

	gauge("regions_tps", "Region TPS spread over the short window.")
	for _, q := range []struct {
		name string
		v    float64
	}{{"least", h.TPS.Least}, {"median", h.TPS.Median}, {"average", h.TPS.Average}, {"greatest", h.TPS.Greatest}} {
		fmt.Fprintf(w, "regions_tps{run=%q,stat=%q} %.3f\n", runID, q.name, q.v)
	}
	gauge("regions_mspt", "Region MSPT spread over the short window.")
	for _, q := range []struct {
		name string
		v    float64
	}{{"least", h.MSPT.Least}, {"median", h.MSPT.Median}, {"average", h.MSPT.Average}, {"greatest", h.MSPT.Greatest}} {
		fmt.Fprintf(w, "regions_mspt{run=%q,stat=%q} %.3f\n", runID, q.name, q.v)
	}

	gauge("regions_utilisation", "Sum of region and global utilisation; max is the thread count.")
	fmt.Fprintf(w, "regions_utilisation{run=%q} %.4f\n", runID, h.Utilisation)

	gauge("regions_flagged", "Regions whose ticks keep failing.")
	fmt.Fprintf(w, "regions_flagged{run=%q} %d\n", runID, len(h.Flagged))

	gauge("regions_walkers", "Demo walker counters.")
	fmt.Fprintf(w, "regions_walkers{run=%q,stat=%q} %d\n", runID, "spawned", ws.Spawned)
	fmt.Fprintf(w, "regions_walkers{run=%q,stat=%q} %d\n", runID, "lost", ws.Lost)
	fmt.Fprintf(w, "regions_walkers{run=%q,stat=%q} %d\n", runID, "teleports", ws.Teleports)
	fmt.Fprintf(w, "regions_walkers{run=%q,stat=%q} %d\n", runID, "bounces", ws.Bounces)

	if hub != nil {
		gauge("regions_event_subscribers", "Live region event streams.")
		fmt.Fprintf(w, "regions_event_subscribers{run=%q} %d\n", runID, hub.Subscribers())
		counter("regions_event_stream_dropped_total", "Region events not delivered to a slow stream.")
		fmt.Fprintf(w, "regions_event_stream_dropped_total{run=%q} %d\n", runID, hub.Dropped())
	}

	if depth, capacity, dropped, ok := indexStats(idx); ok {
		gauge("regions_index_queue_depth", "Index writer queue depth.")
		fmt.Fprintf(w, "regions_index_queue_depth{run=%q} %d\n", runID, depth)
		gauge("regions_index_queue_capacity", "Index writer queue capacity.")
		fmt.Fprintf(w, "regions_index_queue_capacity{run=%q} %d\n", runID, capacity)
		counter("regions_index_dropped_total", "Index records dropped.")
		fmt.Fprintf(w, "regions_index_dropped_total{run=%q} %d\n", runID, dropped)
	}
}
