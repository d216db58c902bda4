package protocol

// SUBSCRIBE (client -> server) adjusts a health stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WindowMs        int    `json:"window_ms,omitempty"`
	EveryMs         int    `json:"every_ms,omitempty"`
	Lowest          int    `json:"lowest,omitempty"`
	Events          bool   `json:"events,omitempty"`
}

type Spread struct {
	Least    float64 `json:"least"`
	Median   float64 `json:"median"`
	Average  float64 `json:"average"`
	Greatest float64 `json:"greatest"`
}

type Bounds struct {
	MinX int32 `json:"min_x"`
	MinZ int32 `json:"min_z"`
	MaxX int32 `json:"max_x"`
	MaxZ int32 `json:"max_z"`
}

// RegionRow is one region with its averages over the report window.
type RegionRow struct {
	ID           uint64  `json:"id"`
	State        string  `json:"state"`
	Sections     int     `json:"sections"`
	Anchors      int     `json:"anchors"`
	Bounds       Bounds  `json:"bounds"`
	Disconnected bool    `json:"disconnected,omitempty"`
	TPS          float64 `json:"tps"`
	MSPT         float64 `json:"mspt"`
	Utilisation  float64 `json:"utilisation"`
	Flagged      bool    `json:"flagged,omitempty"`
}

// HEALTH (server -> client)
type HealthMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id,omitempty"`
	At              string `json:"at"`
	Step            uint64 `json:"step"`
	WindowMs        int64  `json:"window_ms"`
	Threads         int    `json:"threads"`
	Regions         int    `json:"regions"`
	Tickets         int    `json:"tickets"`

	TPS            Spread  `json:"tps"`
	MSPT           Spread  `json:"mspt"`
	Utilisation    float64 `json:"utilisation"`
	MaxUtilisation float64 `json:"max_utilisation"`
	GlobalTPS      float64 `json:"global_tps"`

	Lowest       []RegionRow `json:"lowest"`
	Flagged      []uint64    `json:"flagged,omitempty"`
	DroppedTasks uint64      `json:"dropped_tasks"`
}

// REGIONS (server -> client)
type RegionsMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Step            uint64      `json:"step"`
	Regions         []RegionRow `json:"regions"`
}

// REGION_EVENT (server -> client)
type RegionEventMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Step            uint64   `json:"step"`
	At              string   `json:"at"`
	Kind            string   `json:"kind"`
	Regions         []uint64 `json:"regions,omitempty"`
	From            []uint64 `json:"from,omitempty"`
	Sections        int      `json:"sections"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
