package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Tuning holds every knob of the region scheduler. Durations are stored as
// integer milliseconds to keep the yaml flat.
type Tuning struct {
	SectionShift    uint `yaml:"section_shift" env:"SECTION_SHIFT"`
	MaxTicketRadius int  `yaml:"max_ticket_radius" env:"MAX_TICKET_RADIUS"`
	MergeRadius     int  `yaml:"merge_radius" env:"MERGE_RADIUS"`
	SplitDebounceMs int  `yaml:"split_debounce_ms" env:"SPLIT_DEBOUNCE_MS"`

	TickPeriodMs        int `yaml:"tick_period_ms" env:"TICK_PERIOD_MS"`
	CatchupMaxTicks     int `yaml:"catchup_max_ticks" env:"CATCHUP_MAX_TICKS"`
	Workers             int `yaml:"workers" env:"WORKERS"`
	CoordinatorPeriodMs int `yaml:"coordinator_period_ms" env:"COORDINATOR_PERIOD_MS"`
	RequestQueue        int `yaml:"request_queue" env:"REQUEST_QUEUE"`

	FailureFlagThreshold  int `yaml:"failure_flag_threshold" env:"FAILURE_FLAG_THRESHOLD"`
	MetricsCapacity       int `yaml:"metrics_capacity" env:"METRICS_CAPACITY"`
	// GlobalMetricsCapacity sizes the all-worker recorder; 0 derives it from
	// the worker count and the long health window.
	GlobalMetricsCapacity int `yaml:"global_metrics_capacity" env:"GLOBAL_METRICS_CAPACITY"`

	Health Health `yaml:"health" envPrefix:"HEALTH_"`
}

// Health controls the periodic server-health summary.
type Health struct {
	ShortWindowMs int `yaml:"short_window_ms" env:"SHORT_WINDOW_MS"`
	LongWindowMs  int `yaml:"long_window_ms" env:"LONG_WINDOW_MS"`
	LowestRegions int `yaml:"lowest_regions" env:"LOWEST_REGIONS"`
	RecordEveryMs int `yaml:"record_every_ms" env:"RECORD_EVERY_MS"`
}

// EnvPrefix scopes environment overrides, e.g. REGIONS_WORKERS=8.
const EnvPrefix = "REGIONS_"

func Defaults() Tuning {
	return Tuning{
		SectionShift:          4,
		MaxTicketRadius:       32,
		MergeRadius:           1,
		SplitDebounceMs:       5000,
		TickPeriodMs:          50,
		CatchupMaxTicks:       10,
		Workers:               0,
		CoordinatorPeriodMs:   50,
		RequestQueue:          4096,
		FailureFlagThreshold:  3,
		MetricsCapacity:       1200,
		GlobalMetricsCapacity: 0,
		Health: Health{
			ShortWindowMs: 15_000,
			LongWindowMs:  60_000,
			LowestRegions: 3,
			RecordEveryMs: 15_000,
		},
	}
}

// Load reads a regions.yaml file on top of Defaults, then applies
// environment overrides. An empty path yields defaults plus env.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("regions.yaml: %w", err)
		}
	}
	if err := t.ApplyEnv(); err != nil {
		return t, err
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("regions.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv overlays REGIONS_* environment variables. Unset variables keep
// the current value.
func (t *Tuning) ApplyEnv() error {
	if err := env.ParseWithOptions(t, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if t.TickPeriodMs <= 0 {
		t.TickPeriodMs = d.TickPeriodMs
	}
	if t.CoordinatorPeriodMs <= 0 {
		t.CoordinatorPeriodMs = t.TickPeriodMs
	}
	if t.MergeRadius <= 0 {
		t.MergeRadius = 1
	}
	if t.MaxTicketRadius < 0 {
		t.MaxTicketRadius = 0
	}
	if t.SplitDebounceMs < 0 {
		t.SplitDebounceMs = 0
	}
	if t.CatchupMaxTicks < 0 {
		t.CatchupMaxTicks = 0
	}
	if t.RequestQueue <= 0 {
		t.RequestQueue = d.RequestQueue
	}
	if t.FailureFlagThreshold <= 0 {
		t.FailureFlagThreshold = d.FailureFlagThreshold
	}
	if t.MetricsCapacity <= 0 {
		t.MetricsCapacity = d.MetricsCapacity
	}
	if t.GlobalMetricsCapacity < 0 {
		t.GlobalMetricsCapacity = 0
	}
	if t.Health.ShortWindowMs <= 0 {
		t.Health.ShortWindowMs = d.Health.ShortWindowMs
	}
	if t.Health.LongWindowMs <= 0 {
		t.Health.LongWindowMs = d.Health.LongWindowMs
	}
	if t.Health.LowestRegions <= 0 {
		t.Health.LowestRegions = d.Health.LowestRegions
	}
	if t.Health.RecordEveryMs <= 0 {
		t.Health.RecordEveryMs = t.Health.ShortWindowMs
	}
}

func (t Tuning) Validate() error {
	if t.SectionShift > 10 {
		return fmt.Errorf("section_shift must be in [0, 10]")
	}
	if t.MergeRadius < 1 || t.MergeRadius > 8 {
		return fmt.Errorf("merge_radius must be in [1, 8]")
	}
	if t.MaxTicketRadius > 256 {
		return fmt.Errorf("max_ticket_radius must be <= 256")
	}
	if t.TickPeriodMs <= 0 {
		return fmt.Errorf("tick_period_ms must be > 0")
	}
	if t.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if t.Health.LongWindowMs < t.Health.ShortWindowMs {
		return fmt.Errorf("health.long_window_ms must be >= health.short_window_ms")
	}
	// Each window should hold at least one sample per tick.
	if need := t.Health.LongWindowMs / t.TickPeriodMs; t.MetricsCapacity < need {
		return fmt.Errorf("metrics_capacity=%d cannot hold a %dms window at %dms ticks (need %d)",
			t.MetricsCapacity, t.Health.LongWindowMs, t.TickPeriodMs, need)
	}
	return nil
}

// Digest is a stable hash of the effective tuning, recorded next to
// persisted artefacts so runs with different settings can be told apart.
func (t Tuning) Digest() string {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (t Tuning) TickPeriod() time.Duration {
	return time.Duration(t.TickPeriodMs) * time.Millisecond
}

func (t Tuning) SplitDebounce() time.Duration {
	return time.Duration(t.SplitDebounceMs) * time.Millisecond
}

func (t Tuning) CoordinatorPeriod() time.Duration {
	return time.Duration(t.CoordinatorPeriodMs) * time.Millisecond
}

func (t Tuning) ShortWindow() time.Duration {
	return time.Duration(t.Health.ShortWindowMs) * time.Millisecond
}

func (t Tuning) LongWindow() time.Duration {
	return time.Duration(t.Health.LongWindowMs) * time.Millisecond
}

// WorkerCount resolves Workers, deriving a value from the CPU count when
// unset: half the cores, a quarter on large machines, never less than one.
func (t Tuning) WorkerCount() int {
	if t.Workers > 0 {
		return t.Workers
	}
	return DefaultWorkers(runtime.NumCPU())
}

// aggregateTicksPerWorker is the number of region ticks one worker is
// assumed to fit into a period when sizing the aggregate recorder.
const aggregateTicksPerWorker = 8

// AggregateCapacity is the sample capacity of the all-worker recorder. An
// explicit global_metrics_capacity wins; otherwise it holds the long window
// at aggregateTicksPerWorker ticks per worker per period, and never less
// than 4096.
func (t Tuning) AggregateCapacity() int {
	if t.GlobalMetricsCapacity > 0 {
		return t.GlobalMetricsCapacity
	}
	period := t.TickPeriodMs
	if period <= 0 {
		period = Defaults().TickPeriodMs
	}
	window := t.Health.LongWindowMs
	if window <= 0 {
		window = Defaults().Health.LongWindowMs
	}
	n := window / period * t.WorkerCount() * aggregateTicksPerWorker
	if n < 4096 {
		n = 4096
	}
	return n
}

func DefaultWorkers(cpus int) int {
	n := cpus / 2
	if n <= 4 {
		n = 1
	} else {
		n /= 4
	}
	if n < 1 {
		n = 1
	}
	return n
}
