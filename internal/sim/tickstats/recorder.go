package tickstats

import (
	"sort"
	"sync/atomic"
	"time"
)

// Standard report windows.
const (
	Window15s = 15 * time.Second
	Window1m  = time.Minute
)

type sample struct {
	start int64 // unix nanos
	end   int64
}

// Recorder keeps a bounded ring of tick samples. Record may be called from
// any number of goroutines; readers never block writers. Each slot holds an
// immutable sample so a reader sees either the old or the new one, never a
// torn value.
type Recorder struct {
	period    time.Duration
	threshold int64

	slots []atomic.Pointer[sample]
	head  atomic.Uint64

	consecutiveFail atomic.Int64
	totalFail       atomic.Uint64
	totalTicks      atomic.Uint64
}

// NewRecorder creates a ring with room for capacity samples. period is the
// target tick period used for Load; flagAfter is the number of consecutive
// failures after which Flagged reports true.
func NewRecorder(capacity int, period time.Duration, flagAfter int) *Recorder {
	if capacity <= 0 {
		capacity = 1200
	}
	if flagAfter <= 0 {
		flagAfter = 3
	}
	return &Recorder{
		period:    period,
		threshold: int64(flagAfter),
		slots:     make([]atomic.Pointer[sample], capacity),
	}
}

// Record appends one completed tick.
func (r *Recorder) Record(start, end time.Time) {
	if r == nil {
		return
	}
	if end.Before(start) {
		end = start
	}
	s := &sample{start: start.UnixNano(), end: end.UnixNano()}
	i := r.head.Add(1) - 1
	r.slots[i%uint64(len(r.slots))].Store(s)
	r.totalTicks.Add(1)
}

func (r *Recorder) RecordFailure() {
	if r == nil {
		return
	}
	r.consecutiveFail.Add(1)
	r.totalFail.Add(1)
}

func (r *Recorder) RecordSuccess() {
	if r == nil {
		return
	}
	r.consecutiveFail.Store(0)
}

// Flagged reports whether the last N ticks all failed.
func (r *Recorder) Flagged() bool {
	if r == nil {
		return false
	}
	return r.consecutiveFail.Load() >= r.threshold
}

func (r *Recorder) Failures() uint64 {
	if r == nil {
		return 0
	}
	return r.totalFail.Load()
}

func (r *Recorder) Ticks() uint64 {
	if r == nil {
		return 0
	}
	return r.totalTicks.Load()
}

// samplesSince returns samples that ended at or after cutoff, oldest first.
func (r *Recorder) samplesSince(cutoff int64) []sample {
	out := make([]sample, 0, len(r.slots))
	for i := range r.slots {
		s := r.slots[i].Load()
		if s == nil || s.end < cutoff {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// Report summarises the samples that completed within window before now.
func (r *Recorder) Report(now time.Time, window time.Duration) Report {
	rep := Report{Window: window}
	if r == nil {
		return rep
	}
	rep.Failures = r.Failures()
	rep.Flagged = r.Flagged()

	nowN := now.UnixNano()
	cutoff := nowN - int64(window)
	ss := r.samplesSince(cutoff)
	rep.Samples = len(ss)
	rep.Truncated = len(ss) == len(r.slots) && r.head.Load() > uint64(len(r.slots))
	if len(ss) == 0 {
		return rep
	}

	durs := make([]float64, len(ss))
	var busy int64
	for i, s := range ss {
		d := s.end - s.start
		durs[i] = float64(d) / float64(time.Millisecond)
		// Only the part of the tick inside the window counts as busy time.
		from := s.start
		if from < cutoff {
			from = cutoff
		}
		if s.end > from {
			busy += s.end - from
		}
	}
	rep.MSPT = segmented(durs, mean(durs))

	if len(ss) > 1 {
		tps := make([]float64, 0, len(ss)-1)
		var total int64
		for i := 1; i < len(ss); i++ {
			gap := ss[i].start - ss[i-1].start
			if gap <= 0 {
				continue
			}
			total += gap
			tps = append(tps, float64(time.Second)/float64(gap))
		}
		if len(tps) > 0 {
			avg := float64(len(tps)) * float64(time.Second) / float64(total)
			rep.TPS = segmented(tps, avg)
		}
	}

	span := nowN - ss[0].start
	if span > int64(window) {
		span = int64(window)
	}
	if span > 0 {
		rep.Utilisation = float64(busy) / float64(span)
	}
	if r.period > 0 {
		rep.Load = rep.MSPT.Average / (float64(r.period) / float64(time.Millisecond))
		rep.Lagging = rep.Load > 1
	}
	return rep
}
