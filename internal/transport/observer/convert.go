package observer

import (
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/protocol"
	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

func spreadMsg(s tickstats.SegmentedAverage) protocol.Spread {
	return protocol.Spread{Least: s.Least, Median: s.Median, Average: s.Average, Greatest: s.Greatest}
}

func rowMsg(h region.Handle, rep tickstats.Report, ok bool) protocol.RegionRow {
	row := protocol.RegionRow{
		ID:       h.ID,
		State:    h.State.String(),
		Sections: h.Sections,
		Anchors:  h.Anchors,
		Bounds: protocol.Bounds{
			MinX: h.Bounds.MinX,
			MinZ: h.Bounds.MinZ,
			MaxX: h.Bounds.MaxX,
			MaxZ: h.Bounds.MaxZ,
		},
		Disconnected: h.Disconnected,
	}
	if ok {
		row.TPS = rep.TPS.Average
		row.MSPT = rep.MSPT.Average
		row.Utilisation = rep.Utilisation
		row.Flagged = rep.Flagged
	}
	return row
}

// HealthMsg converts a world health report to its wire form.
func HealthMsg(runID string, h world.Health) protocol.HealthMsg {
	lowest := make([]protocol.RegionRow, 0, len(h.Lowest))
	for _, r := range h.Lowest {
		lowest = append(lowest, rowMsg(r.Region, r.Report, true))
	}
	threads := h.Threads
	if threads < 1 {
		threads = 1
	}
	maxU := h.MaxUtilisation
	if maxU < 1 {
		maxU = float64(threads)
	}
	return protocol.HealthMsg{
		Type:            protocol.TypeHealth,
		ProtocolVersion: protocol.Version,
		RunID:           runID,
		At:              h.At.UTC().Format(time.RFC3339Nano),
		Step:            h.Step,
		WindowMs:        h.Window.Milliseconds(),
		Threads:         threads,
		Regions:         h.Regions,
		Tickets:         h.Tickets,
		TPS:             spreadMsg(h.TPS),
		MSPT:            spreadMsg(h.MSPT),
		Utilisation:     h.Utilisation,
		MaxUtilisation:  maxU,
		GlobalTPS:       h.Global.TPS.Average,
		Lowest:          lowest,
		Flagged:         h.Flagged,
		DroppedTasks:    h.DroppedTasks,
	}
}
