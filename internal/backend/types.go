package backend

import "time"

const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultHost         = "localhost"
)

// DefaultPorts is the fixed candidate port list, in probe priority order.
var DefaultPorts = []int{8000, 8001}

// Source describes where the cached base URL came from.
type Source string

const (
	SourceNone       Source = "none"
	SourceConfigured Source = "configured"
	SourceCandidate  Source = "candidate"
	SourceFallback   Source = "fallback"
)

type Candidate struct {
	URL    string
	Source Source
}

type Outcome string

const (
	OutcomeReachable   Outcome = "reachable"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeUnhealthy   Outcome = "unhealthy"
	OutcomeInvalid     Outcome = "invalid"
)

// ProbeResult is the outcome of a single liveness probe. An unreachable
// candidate is a normal result, not an error; Err carries the cause.
type ProbeResult struct {
	Candidate  Candidate
	StatusCode int
	Latency    time.Duration
	Outcome    Outcome
	Err        error
}

func (r ProbeResult) OK() bool {
	return r.Outcome == OutcomeReachable
}

// State is a point-in-time view of the locator cache.
type State struct {
	URL        string    `json:"url,omitempty"`
	Source     Source    `json:"source"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Generation uint64    `json:"generation"`
}

// Fallback reports whether the cached URL was adopted without any candidate
// answering its probe.
func (s State) Fallback() bool {
	return s.Source == SourceFallback
}
