// Package health derives service health from per-stream pipeline state
// and serves it over HTTP alongside the Prometheus metrics.
package health

import (
	"context"

	"github.com/lumenlabs/streamwatch/internal/ingest/breaker"
)

// SystemStatus represents the overall health state of the service or a stream.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// StreamState is one stream's raw pipeline state as the orchestrator sees it.
type StreamState struct {
	StreamID           string           `json:"stream_id"`
	Breaker            breaker.Snapshot `json:"breaker"`
	QueueDepth         int              `json:"queue_depth"`
	ActiveBatches      int64            `json:"active_batches"`
	CheckpointPosition uint64           `json:"checkpoint_position"`
}

// StreamHealth is the derived status for one stream.
type StreamHealth struct {
	StreamState
	Status SystemStatus `json:"status"`
}

// Report contains the full service health report.
type Report struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Streams      map[string]StreamHealth `json:"streams"`
}

// StateFunc supplies the current per-stream state.
type StateFunc func(ctx context.Context) []StreamState

// Monitor derives health reports from pipeline state.
type Monitor struct {
	states StateFunc
}

// NewMonitor creates a monitor over the given state source.
func NewMonitor(states StateFunc) *Monitor {
	return &Monitor{states: states}
}

// CheckHealth builds the current report. A stream is healthy with its
// breaker closed, degraded half-open, critical open. The service is
// degraded when any stream is not healthy and critical only when every
// stream's breaker is open.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	states := m.states(ctx)
	report := Report{
		SystemStatus: StatusHealthy,
		Streams:      make(map[string]StreamHealth, len(states)),
	}

	open := 0
	for _, st := range states {
		status := StatusHealthy
		switch st.Breaker.State {
		case breaker.StateOpen:
			status = StatusCritical
			open++
		case breaker.StateHalfOpen:
			status = StatusDegraded
		}
		if status != StatusHealthy && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
		report.Streams[st.StreamID] = StreamHealth{StreamState: st, Status: status}
	}
	if len(states) > 0 && open == len(states) {
		report.SystemStatus = StatusCritical
	}
	return report
}
