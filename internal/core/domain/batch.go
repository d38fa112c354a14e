package domain

import (
	"encoding/json"
	"time"
)

// Batch is an ordered, bounded slice of work items from one stream,
// released by the buffer and consumed exactly once by the committer.
type Batch struct {
	ID       string
	StreamID string
	Items    []*WorkItem
	Created  time.Time
}

// Size returns the number of items in the batch.
func (b *Batch) Size() int { return len(b.Items) }

// GroupByKind splits the batch into per-kind groups, preserving arrival
// order within each group. Iterate with Kinds for a stable group order.
func (b *Batch) GroupByKind() map[EventKind][]*WorkItem {
	groups := make(map[EventKind][]*WorkItem)
	for _, item := range b.Items {
		groups[item.Kind] = append(groups[item.Kind], item)
	}
	return groups
}

// DeadLetter is a batch that exhausted its commit retries, preserved for
// manual replay.
type DeadLetter struct {
	BatchID  string           `json:"batch_id"`
	StreamID string           `json:"stream_id"`
	Items    []DeadLetterItem `json:"items"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error"`
	FailedAt time.Time        `json:"failed_at"`
}

// DeadLetterItem is a JSON-stable rendering of one work item.
type DeadLetterItem struct {
	EventID  string          `json:"event_id"`
	Position uint64          `json:"position"`
	Kind     EventKind       `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// NewDeadLetter renders a failed batch into its dead-letter form.
func NewDeadLetter(batch *Batch, attempts int, cause error) *DeadLetter {
	dl := &DeadLetter{
		BatchID:  batch.ID,
		StreamID: batch.StreamID,
		Items:    make([]DeadLetterItem, 0, len(batch.Items)),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	for _, item := range batch.Items {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			raw = json.RawMessage("null")
		}
		dl.Items = append(dl.Items, DeadLetterItem{
			EventID:  item.ID,
			Position: item.Position,
			Kind:     item.Kind,
			Payload:  raw,
		})
	}
	return dl
}
