// Package telemetry fans every pipeline stage's outcome out to one or
// more sinks: structured logs via log/slog (the teacher's convention
// throughout) and Prometheus counters/histograms for the metrics
// surface the rest of the retrieval pack exposes.
package telemetry

import "time"

// EventKind identifies which pipeline stage produced an Event.
type EventKind string

const (
	EventCallStarted   EventKind = "call_started"
	EventCallCompleted EventKind = "call_completed"
	EventPolicyDenied  EventKind = "policy_denied"
	EventRateLimited   EventKind = "rate_limited"
	EventResourceLimited EventKind = "resource_limited"
	EventHealthTransition EventKind = "health_transition"
	EventUpstreamUnavailable EventKind = "upstream_unavailable"
)

// Event is one occurrence worth recording, carrying just enough context
// for both a log line and a metric label set.
type Event struct {
	Kind       EventKind
	UpstreamID string
	ToolName   string
	Principal  string
	Duration   time.Duration
	Err        error
	Attrs      map[string]string
}

// Sink receives pipeline events. Implementations must not block the
// caller for long — the wrapper emits synchronously on the call path.
type Sink interface {
	Emit(Event)
}

// Multi fans events out to every sink, the way the teacher's proxy fans
// one audit event out to its OnAuditEvent callback and the dashboard's
// broadcast channel.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
