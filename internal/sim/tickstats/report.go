package tickstats

import (
	"sort"
	"time"
)

// SegmentedAverage summarises a series.
type SegmentedAverage struct {
	Least    float64 `json:"least"`
	Median   float64 `json:"median"`
	Average  float64 `json:"average"`
	Greatest float64 `json:"greatest"`
}

// Report is a point-in-time summary of one recorder over one window.
//
// Utilisation is busy time over wall time and may exceed 1 for aggregate
// recorders fed by several workers. Load is mean tick duration over the
// target period; Lagging means the region cannot keep its cadence.
// Truncated means the ring wrapped inside the window, so the figures cover
// only the most recent Samples ticks.
type Report struct {
	Window      time.Duration    `json:"window"`
	Samples     int              `json:"samples"`
	TPS         SegmentedAverage `json:"tps"`
	MSPT        SegmentedAverage `json:"mspt"`
	Utilisation float64          `json:"utilisation"`
	Load        float64          `json:"load"`
	Lagging     bool             `json:"lagging"`
	Failures    uint64           `json:"failures"`
	Flagged     bool             `json:"flagged"`
	Truncated   bool             `json:"truncated,omitempty"`
}

func segmented(v []float64, avg float64) SegmentedAverage {
	if len(v) == 0 {
		return SegmentedAverage{}
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return SegmentedAverage{
		Least:    s[0],
		Median:   Median(s),
		Average:  avg,
		Greatest: s[len(s)-1],
	}
}

// Median of an already sorted slice.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
