package registry

import (
	"time"

	"github.com/perch-ai/perch"
)

// State is the lifecycle state of a registered extension.
type State int

const (
	// StateLoaded means registered but not yet configured.
	StateLoaded State = iota
	// StateInitialized means configured and ready to start.
	StateInitialized
	// StateRunning means started and callable.
	StateRunning
	// StateStopped means stopped; it can be started again.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// transitions is the full lifecycle graph:
// Loaded -> Initialized -> Running <-> Stopped. Any other edge is
// rejected; a losing concurrent transition fails cleanly against the
// current state.
var transitions = map[State][]State{
	StateLoaded:      {StateInitialized},
	StateInitialized: {StateRunning},
	StateRunning:     {StateStopped},
	StateStopped:     {StateRunning},
}

// canTransition reports whether the edge s -> to is part of the
// lifecycle graph.
func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Stats are the registry's per-extension counters, merged with the
// handle's self-reported counters (when it keeps any) by maximum, so
// they only ever move forward.
type Stats struct {
	StartCount  int64         `json:"start_count"`
	StopCount   int64         `json:"stop_count"`
	CallCount   int64         `json:"call_count"`
	ErrorCount  int64         `json:"error_count"`
	LastStartAt time.Time     `json:"last_start_at,omitempty"`
	TotalUptime time.Duration `json:"total_uptime"`
}

// Info is a point-in-time snapshot of a registered extension. Only the
// registry mutates the underlying record; callers always receive a
// copy.
type Info struct {
	Metadata perch.Metadata `json:"metadata"`
	Kind     perch.Kind     `json:"kind"`
	State    State          `json:"-"`
	StateStr string         `json:"state"`
	Enabled  bool           `json:"enabled"`
	LoadedAt time.Time      `json:"loaded_at"`
	Stats    Stats          `json:"stats"`
}

// instance pairs a capability handle with its lifecycle record. It is
// owned exclusively by the registry's catalogue and never escapes.
type instance struct {
	ext    perch.Extension
	kind   perch.Kind
	source string // load path, used for reload
	state  State

	// configuring marks an Initialize whose Configure call is still in
	// flight; the state stays Loaded until it succeeds.
	configuring bool

	enabled   bool
	loadedAt  time.Time
	lastStart time.Time
	config    map[string]interface{} // last applied config, reused on reload
	stats     Stats
}

// snapshot builds an Info copy for callers. Caller holds at least a
// read lock on the catalogue.
func (in *instance) snapshot() Info {
	meta := in.ext.Metadata()
	if meta.Source == "" {
		meta.Source = in.source
	}
	stats := in.stats
	if rep, ok := in.ext.(perch.StatsReporter); ok {
		stats.CallCount = maxInt64(stats.CallCount, rep.CallCount())
		stats.ErrorCount = maxInt64(stats.ErrorCount, rep.ErrorCount())
	}
	return Info{
		Metadata: meta,
		Kind:     in.kind,
		State:    in.state,
		StateStr: in.state.String(),
		Enabled:  in.enabled,
		LoadedAt: in.loadedAt,
		Stats:    stats,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
