package world

import (
	"sort"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
)

// RegionReport pairs a region with its tick report.
type RegionReport struct {
	Region region.Handle    `json:"region"`
	Report tickstats.Report `json:"report"`
}

// Health is the server-wide view behind the tps command: region TPS and
// MSPT spread, total utilisation and the worst regions.
type Health struct {
	At      time.Time     `json:"at"`
	Window  time.Duration `json:"window"`
	Step    uint64        `json:"step"`
	Threads int           `json:"threads"`
	Regions int           `json:"regions"`
	Tickets int           `json:"tickets"`

	// TPS and MSPT spread over the per-region averages.
	TPS  tickstats.SegmentedAverage `json:"tps"`
	MSPT tickstats.SegmentedAverage `json:"mspt"`

	// Utilisation sums every region and the global unit; MaxUtilisation is
	// the worker count.
	Utilisation    float64 `json:"utilisation"`
	MaxUtilisation float64 `json:"max_utilisation"`

	Global  tickstats.Report `json:"global"`
	Lowest  []RegionReport   `json:"lowest"`
	Flagged []uint64         `json:"flagged,omitempty"`

	DroppedTasks uint64 `json:"dropped_tasks"`
}

// Health builds a report over window. lowest limits how many of the
// slowest regions are listed.
func (w *World[P]) Health(window time.Duration, lowest int) Health {
	snap := w.Snapshot()
	reports := w.sched.Reports(window)
	global, _ := w.sched.Report(0, window)

	h := Health{
		At:             w.now(),
		Window:         window,
		Step:           snap.Step,
		Threads:        w.sched.TotalThreadCount(),
		Tickets:        snap.Tickets,
		Global:         global,
		MaxUtilisation: float64(w.sched.TotalThreadCount()),
		DroppedTasks:   w.sched.DroppedTasks(),
		Utilisation:    global.Utilisation,
	}

	rows := make([]RegionReport, 0, len(snap.Regions))
	var tps, mspt []float64
	for _, hd := range snap.Regions {
		rep, ok := reports[hd.ID]
		if !ok {
			continue
		}
		rows = append(rows, RegionReport{Region: hd, Report: rep})
		h.Utilisation += rep.Utilisation
		if rep.Flagged {
			h.Flagged = append(h.Flagged, hd.ID)
		}
		if rep.Samples == 0 {
			continue
		}
		tps = append(tps, rep.TPS.Average)
		mspt = append(mspt, rep.MSPT.Average)
	}
	h.Regions = len(rows)

	target := float64(time.Second) / float64(w.cfg.TickPeriod())
	if len(tps) == 0 {
		// an idle server runs at full rate
		h.TPS = tickstats.SegmentedAverage{Least: target, Median: target, Average: target, Greatest: target}
	} else {
		h.TPS = spread(tps)
		h.MSPT = spread(mspt)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Report, rows[j].Report
		if a.TPS.Average != b.TPS.Average {
			return a.TPS.Average < b.TPS.Average
		}
		if a.MSPT.Average != b.MSPT.Average {
			return a.MSPT.Average > b.MSPT.Average
		}
		return rows[i].Region.ID < rows[j].Region.ID
	})
	if lowest < 0 {
		lowest = 0
	}
	if len(rows) > lowest {
		rows = rows[:lowest]
	}
	h.Lowest = rows
	return h
}

func spread(v []float64) tickstats.SegmentedAverage {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	var sum float64
	for _, x := range s {
		sum += x
	}
	return tickstats.SegmentedAverage{
		Least:    s[0],
		Median:   tickstats.Median(s),
		Average:  sum / float64(len(s)),
		Greatest: s[len(s)-1],
	}
}
