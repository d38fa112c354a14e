package domain

import "time"

// StreamCheckpoint is the last acknowledged position for one stream.
// Position is monotonically non-decreasing for a given stream; a restart
// resumes at or before it, never after.
type StreamCheckpoint struct {
	StreamID    string
	Position    uint64
	LastEventID string
	UpdatedAt   time.Time
}
