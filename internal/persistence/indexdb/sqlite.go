package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CSneko/nya-folia-sub021/internal/sim/tuning"
	"github.com/CSneko/nya-folia-sub021/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index of region events and health
// reports. Writes are queued and applied by a single goroutine in batched
// transactions; when the queue is full they are dropped and counted, since
// the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db   *sql.DB
	path string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvent  atomic.Uint64
	dropHealth atomic.Uint64
	written    atomic.Uint64
	writeFail  atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqHealth
)

type req struct {
	kind   reqKind
	event  world.RegionEvent
	health world.Health
}

type Stats struct {
	DropEventTotal  uint64 `json:"drop_event_total"`
	DropHealthTotal uint64 `json:"drop_health_total"`
	WrittenTotal    uint64 `json:"written_total"`
	WriteFailTotal  uint64 `json:"write_fail_total"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:   db,
		path: path,
		ch:   make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload; the index is secondary so NORMAL
	// durability is enough.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS region_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			regions TEXT NOT NULL,
			from_regions TEXT NOT NULL,
			sections INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_region_events_run_step ON region_events(run_id, step);`,
		`CREATE INDEX IF NOT EXISTS idx_region_events_kind ON region_events(kind, id);`,
		`CREATE TABLE IF NOT EXISTS region_event_members (
			event_id INTEGER NOT NULL,
			region_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (event_id, region_id, role)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_region_event_members_region ON region_event_members(region_id, event_id);`,
		`CREATE TABLE IF NOT EXISTS health_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			step INTEGER NOT NULL,
			window_ms INTEGER NOT NULL,
			regions INTEGER NOT NULL,
			threads INTEGER NOT NULL,
			tps_min REAL NOT NULL,
			tps_median REAL NOT NULL,
			tps_max REAL NOT NULL,
			mspt_avg REAL NOT NULL,
			utilisation REAL NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_reports_at ON health_reports(at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteRegionEvent(e world.RegionEvent) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e}:
	default:
		s.dropEvent.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteHealth(h world.Health) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqHealth, health: h}:
	default:
		s.dropHealth.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropEventTotal:  s.dropEvent.Load(),
		DropHealthTotal: s.dropHealth.Load(),
		WrittenTotal:    s.written.Load(),
		WriteFailTotal:  s.writeFail.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

// UpsertRun records the run id and the tuning it started with, keyed by a
// digest of the tuning so config drift between runs is visible.
func (s *SQLiteIndex) UpsertRun(runID string, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	rows := [][2]string{
		{"run_id", runID},
		{"tuning", string(b)},
		{"tuning_digest", tune.Digest()},
	}
	for _, kv := range rows {
		if _, err := tx.Exec(`INSERT INTO meta(key,value,updated_at) VALUES(?,?,?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, kv[0], kv[1], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Meta returns one meta value.
func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO region_events(run_id,step,at,kind,regions,from_regions,sections) VALUES(?,?,?,?,?,?,?)`)
	insertMember, _ := s.db.Prepare(`INSERT OR IGNORE INTO region_event_members(event_id,region_id,role) VALUES(?,?,?)`)
	insertHealth, _ := s.db.Prepare(`INSERT INTO health_reports(at,step,window_ms,regions,threads,tps_min,tps_median,tps_max,mspt_avg,utilisation,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, insertMember, insertHealth} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFail.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFail.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		// An idle queue means nobody is waiting behind us; commit now so
		// readers see fresh rows.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.writeFail.Add(1)
			continue
		}
		switch r.kind {
		case reqEvent:
			e := r.event
			if insertEvent == nil {
				break
			}
			res, err := tx.Stmt(insertEvent).Exec(
				e.RunID,
				int64(e.Step),
				e.At.UTC().Format(time.RFC3339Nano),
				string(e.Kind),
				joinIDs(e.Regions),
				joinIDs(e.From),
				e.Sections,
			)
			if err != nil {
				rollback()
				continue
			}
			id, _ := res.LastInsertId()
			failed := false
			members := func(ids []uint64, role string) {
				for _, rid := range ids {
					if failed || insertMember == nil {
						return
					}
					if _, err := tx.Stmt(insertMember).Exec(id, int64(rid), role); err != nil {
						failed = true
					}
				}
			}
			members(e.Regions, "to")
			members(e.From, "from")
			if failed {
				rollback()
				continue
			}
			opCount++

		case reqHealth:
			h := r.health
			if insertHealth == nil {
				break
			}
			raw, _ := json.Marshal(h)
			if _, err := tx.Stmt(insertHealth).Exec(
				h.At.UTC().Format(time.RFC3339Nano),
				int64(h.Step),
				h.Window.Milliseconds(),
				h.Regions,
				h.Threads,
				h.TPS.Least,
				h.TPS.Median,
				h.TPS.Greatest,
				h.MSPT.Average,
				h.Utilisation,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []uint64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseUint(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
