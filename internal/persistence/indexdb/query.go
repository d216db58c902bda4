package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/CSneko/nya-folia-sub021/internal/sim/region"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// StoredEvent is a region event as read back from the index.
type StoredEvent struct {
	ID int64 `json:"id"`
	world.RegionEvent
}

type HealthRow struct {
	ID          int64         `json:"id"`
	At          time.Time     `json:"at"`
	Step        uint64        `json:"step"`
	Window      time.Duration `json:"window"`
	Regions     int           `json:"regions"`
	Threads     int           `json:"threads"`
	TPSMin      float64       `json:"tps_min"`
	TPSMedian   float64       `json:"tps_median"`
	TPSMax      float64       `json:"tps_max"`
	MSPTAvg     float64       `json:"mspt_avg"`
	Utilisation float64       `json:"utilisation"`
}

// RecentEvents returns up to limit events, newest first. A non-empty kind
// filters by event kind.
func (s *SQLiteIndex) RecentEvents(ctx context.Context, kind region.EventKind, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id,run_id,step,at,kind,regions,from_regions,sections FROM region_events`
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, cols+` ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+` WHERE kind=? ORDER BY id DESC LIMIT ?`, string(kind), limit)
	}
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RegionHistory returns the events a region took part in, oldest first,
// whether it was produced by them or consumed.
func (s *SQLiteIndex) RegionHistory(ctx context.Context, regionID uint64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT e.id,e.run_id,e.step,e.at,e.kind,e.regions,e.from_regions,e.sections
		FROM region_events e
		WHERE e.id IN (SELECT event_id FROM region_event_members WHERE region_id=?)
		ORDER BY e.id ASC`, int64(regionID))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var (
			ev         StoredEvent
			step       int64
			at, kind   string
			regs, from string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &step, &at, &kind, &regs, &from, &ev.Sections); err != nil {
			return nil, err
		}
		ev.Step = uint64(step)
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		ev.Kind = region.EventKind(kind)
		ev.Regions = splitIDs(regs)
		ev.From = splitIDs(from)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentHealth returns up to limit health summaries, newest first.
func (s *SQLiteIndex) RecentHealth(ctx context.Context, limit int) ([]HealthRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,at,step,window_ms,regions,threads,tps_min,tps_median,tps_max,mspt_avg,utilisation
		FROM health_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthRow
	for rows.Next() {
		var (
			h        HealthRow
			at       string
			step     int64
			windowMs int64
		)
		if err := rows.Scan(&h.ID, &at, &step, &windowMs, &h.Regions, &h.Threads, &h.TPSMin, &h.TPSMedian, &h.TPSMax, &h.MSPTAvg, &h.Utilisation); err != nil {
			return nil, err
		}
		h.At, _ = time.Parse(time.RFC3339Nano, at)
		h.Step = uint64(step)
		h.Window = time.Duration(windowMs) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}

// HealthDetail returns the full stored report for one row.
func (s *SQLiteIndex) HealthDetail(ctx context.Context, id int64) (world.Health, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT raw_json FROM health_reports WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return world.Health{}, false, nil
	}
	if err != nil {
		return world.Health{}, false, err
	}
	var h world.Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return world.Health{}, false, err
	}
	return h, true, nil
}
