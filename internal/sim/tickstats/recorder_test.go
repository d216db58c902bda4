package tickstats

import (
	"math"
	"sync"
	"testing"
	"time"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestReport_SteadyCadence(t *testing.T) {
	r := NewRecorder(100, 50*time.Millisecond, 3)
	base := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		st := base.Add(time.Duration(i) * 50 * time.Millisecond)
		r.Record(st, st.Add(10*time.Millisecond))
	}

	rep := r.Report(base.Add(time.Second), Window15s)
	if rep.Samples != 20 {
		t.Fatalf("samples=%d want 20", rep.Samples)
	}
	if !near(rep.MSPT.Least, 10) || !near(rep.MSPT.Greatest, 10) || !near(rep.MSPT.Median, 10) || !near(rep.MSPT.Average, 10) {
		t.Fatalf("mspt=%+v", rep.MSPT)
	}
	if !near(rep.TPS.Average, 20) || !near(rep.TPS.Median, 20) {
		t.Fatalf("tps=%+v", rep.TPS)
	}
	if !near(rep.Utilisation, 0.2) {
		t.Fatalf("utilisation=%v want 0.2", rep.Utilisation)
	}
	if !near(rep.Load, 0.2) || rep.Lagging {
		t.Fatalf("load=%v lagging=%v", rep.Load, rep.Lagging)
	}
}

func TestReport_WindowExcludesOldSamples(t *testing.T) {
	r := NewRecorder(100, 50*time.Millisecond, 3)
	base := time.Unix(1000, 0)
	r.Record(base, base.Add(10*time.Millisecond))
	r.Record(base.Add(5*time.Second), base.Add(5*time.Second+10*time.Millisecond))

	rep := r.Report(base.Add(6*time.Second), 2*time.Second)
	if rep.Samples != 1 {
		t.Fatalf("samples=%d want 1", rep.Samples)
	}
	if rep.TPS != (SegmentedAverage{}) {
		t.Fatalf("one sample has no interval, tps=%+v", rep.TPS)
	}

	empty := r.Report(base.Add(time.Hour), Window1m)
	if empty.Samples != 0 || empty.Utilisation != 0 {
		t.Fatalf("expected empty report, got %+v", empty)
	}
}

func TestReport_MixedSeries(t *testing.T) {
	r := NewRecorder(100, 50*time.Millisecond, 3)
	base := time.Unix(1000, 0)
	// Starts at 0, 50, 150, 250 ms: intervals 50, 100, 100.
	starts := []time.Duration{0, 50, 150, 250}
	durs := []time.Duration{10, 40, 20, 30}
	for i := range starts {
		st := base.Add(starts[i] * time.Millisecond)
		r.Record(st, st.Add(durs[i]*time.Millisecond))
	}
	rep := r.Report(base.Add(300*time.Millisecond), Window15s)
	if !near(rep.MSPT.Least, 10) || !near(rep.MSPT.Greatest, 40) || !near(rep.MSPT.Median, 25) || !near(rep.MSPT.Average, 25) {
		t.Fatalf("mspt=%+v", rep.MSPT)
	}
	if !near(rep.TPS.Least, 10) || !near(rep.TPS.Greatest, 20) || !near(rep.TPS.Median, 10) {
		t.Fatalf("tps=%+v", rep.TPS)
	}
	// 3 intervals over 250ms.
	if !near(rep.TPS.Average, 12) {
		t.Fatalf("tps average=%v want 12", rep.TPS.Average)
	}
}

func TestReport_LaggingWhenOverPeriod(t *testing.T) {
	r := NewRecorder(16, 50*time.Millisecond, 3)
	base := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		st := base.Add(time.Duration(i) * 100 * time.Millisecond)
		r.Record(st, st.Add(100*time.Millisecond))
	}
	rep := r.Report(base.Add(400*time.Millisecond), Window15s)
	if !near(rep.Load, 2) || !rep.Lagging {
		t.Fatalf("load=%v lagging=%v", rep.Load, rep.Lagging)
	}
}

func TestRecorder_RingOverwrites(t *testing.T) {
	r := NewRecorder(4, 50*time.Millisecond, 3)
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		st := base.Add(time.Duration(i) * time.Millisecond)
		r.Record(st, st)
	}
	rep := r.Report(base.Add(time.Second), Window15s)
	if rep.Samples != 4 {
		t.Fatalf("samples=%d want 4", rep.Samples)
	}
	if !rep.Truncated {
		t.Fatalf("wrapped ring inside the window should report truncated")
	}
	// every retained sample is older than a 500ms window
	if r.Report(base.Add(2*time.Second), 500*time.Millisecond).Truncated {
		t.Fatalf("window older than the ring is not truncated")
	}
	if r.Ticks() != 10 {
		t.Fatalf("ticks=%d want 10", r.Ticks())
	}
}

func TestRecorder_FailureFlag(t *testing.T) {
	r := NewRecorder(4, 50*time.Millisecond, 3)
	r.RecordFailure()
	r.RecordFailure()
	if r.Flagged() {
		t.Fatalf("flagged after 2 failures")
	}
	r.RecordFailure()
	if !r.Flagged() {
		t.Fatalf("expected flag after 3 failures")
	}
	r.RecordSuccess()
	if r.Flagged() {
		t.Fatalf("success should clear the flag")
	}
	if r.Failures() != 3 {
		t.Fatalf("failures=%d want 3", r.Failures())
	}
}

func TestRecorder_ConcurrentWriters(t *testing.T) {
	r := NewRecorder(64, 50*time.Millisecond, 3)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				now := time.Now()
				r.Record(now, now.Add(time.Microsecond))
				_ = r.Report(now, Window15s)
			}
		}()
	}
	wg.Wait()
	if r.Ticks() != 800 {
		t.Fatalf("ticks=%d want 800", r.Ticks())
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(time.Now(), time.Now())
	r.RecordFailure()
	if r.Flagged() || r.Ticks() != 0 {
		t.Fatalf("nil recorder should be inert")
	}
	if rep := r.Report(time.Now(), Window15s); rep.Samples != 0 {
		t.Fatalf("nil recorder report: %+v", rep)
	}
}

func TestMedian(t *testing.T) {
	if m := Median([]float64{1, 2, 3, 4}); m != 2.5 {
		t.Fatalf("median=%v", m)
	}
	if m := Median([]float64{1, 5, 9}); m != 5 {
		t.Fatalf("median=%v", m)
	}
	if m := Median(nil); m != 0 {
		t.Fatalf("median(nil)=%v", m)
	}
}
