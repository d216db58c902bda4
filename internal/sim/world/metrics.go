package world

// Metrics is a read-only view of coordinator state, updated once per step
// and safe to read from HTTP handlers.
type Metrics struct {
	Step     uint64 `json:"step"`
	Regions  int    `json:"regions"`
	Tickets  int    `json:"tickets"`
	Sections int    `json:"sections"`
	Threads  int    `json:"threads"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`

	DroppedTasks uint64 `json:"dropped_tasks"`
	// Unowned counts submitted tasks whose section had no owner.
	Unowned uint64 `json:"unowned"`
}

type QueueDepths struct {
	Tickets int `json:"tickets"`
	Tasks   int `json:"tasks"`
}

func (w *World[P]) Metrics() Metrics {
	if w == nil {
		return Metrics{}
	}
	m, ok := w.metrics.Load().(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}
