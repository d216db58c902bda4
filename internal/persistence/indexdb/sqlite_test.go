package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tickstats"
	"github.com/CSneko/nya-folia-sub021/internal/sim/tuning"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

func TestSQLiteIndex_EventsAndHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = idx.WriteRegionEvent(world.RegionEvent{RunID: "r", Step: 1, At: at, Kind: region.EventCreate, Regions: []uint64{1}, Sections: 9})
	_ = idx.WriteRegionEvent(world.RegionEvent{RunID: "r", Step: 2, At: at, Kind: region.EventCreate, Regions: []uint64{2}, Sections: 9})
	_ = idx.WriteRegionEvent(world.RegionEvent{RunID: "r", Step: 3, At: at, Kind: region.EventMerge, Regions: []uint64{1}, From: []uint64{2}, Sections: 15})
	_ = idx.WriteRegionEvent(world.RegionEvent{RunID: "r", Step: 9, At: at, Kind: region.EventSplit, Regions: []uint64{1, 3}, From: []uint64{1}, Sections: 15})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	all, err := idx.RecentEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(all) != 4 || all[0].Kind != region.EventSplit || all[0].Step != 9 {
		t.Fatalf("recent: %+v", all)
	}
	if len(all[0].Regions) != 2 || all[0].Regions[1] != 3 || !all[0].At.Equal(at) {
		t.Fatalf("split row: %+v", all[0])
	}

	merges, err := idx.RecentEvents(ctx, region.EventMerge, 10)
	if err != nil || len(merges) != 1 || merges[0].From[0] != 2 {
		t.Fatalf("merges: %+v err=%v", merges, err)
	}

	hist, err := idx.RegionHistory(ctx, 2)
	if err != nil {
		t.Fatalf("RegionHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].Kind != region.EventCreate || hist[1].Kind != region.EventMerge {
		t.Fatalf("history of 2: %+v", hist)
	}
}

func TestSQLiteIndex_HealthAndRun(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	h := world.Health{
		At:          time.Now().UTC(),
		Window:      15 * time.Second,
		Step:        40,
		Threads:     4,
		Regions:     2,
		TPS:         tickstats.SegmentedAverage{Least: 18, Median: 19, Average: 19, Greatest: 20},
		MSPT:        tickstats.SegmentedAverage{Average: 12.5},
		Utilisation: 0.75,
		Flagged:     []uint64{7},
	}
	_ = idx.WriteHealth(h)
	if err := idx.UpsertRun("run-1", tuning.Defaults()); err != nil {
		t.Fatalf("UpsertRun: %v", err)
	}
	// Close drains the queue.
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := idx.Stats(); st.WrittenTotal != 1 || st.WriteFailTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}

	idx, err = OpenSQLite(idx.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	rows, err := idx.RecentHealth(ctx, 5)
	if err != nil || len(rows) != 1 {
		t.Fatalf("RecentHealth: %+v err=%v", rows, err)
	}
	r := rows[0]
	if r.Window != 15*time.Second || r.TPSMin != 18 || r.TPSMax != 20 || r.MSPTAvg != 12.5 || r.Threads != 4 {
		t.Fatalf("row: %+v", r)
	}
	full, ok, err := idx.HealthDetail(ctx, r.ID)
	if err != nil || !ok || len(full.Flagged) != 1 || full.Flagged[0] != 7 {
		t.Fatalf("detail: %+v ok=%v err=%v", full, ok, err)
	}

	runID, ok, err := idx.Meta(ctx, "run_id")
	if err != nil || !ok || runID != "run-1" {
		t.Fatalf("run id: %q ok=%v err=%v", runID, ok, err)
	}
	if _, ok, _ := idx.Meta(ctx, "tuning_digest"); !ok {
		t.Fatalf("missing tuning digest")
	}
}
