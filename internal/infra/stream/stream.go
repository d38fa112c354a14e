// Package stream connects to the ledger RPC endpoint and exposes contract
// events as per-contract subscriptions. Raw wire events are decoded into
// domain work items at this boundary; nothing above it sees wire format.
package stream

import (
	"context"
	"errors"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

// ErrSubscriptionClosed is reported by a subscription whose source ended
// without a transport or decode failure.
var ErrSubscriptionClosed = errors.New("stream: subscription closed")

// Cursor selects where a subscription starts.
type Cursor struct {
	// Position is the first ledger to deliver, inclusive. A checkpoint
	// resumes at its own ledger because a position says nothing about
	// how much of that ledger was processed.
	Position uint64

	// FromNow starts after the current ledger head, ignoring Position.
	FromNow bool
}

// Subscription is a live feed of decoded events for one contract. Events
// closes when the feed ends; Err reports why.
type Subscription interface {
	Events() <-chan *domain.WorkItem
	Err() error
	Close()
}

// Provider establishes subscriptions. Subscribe returns an error only for
// failures during establishment; failures after that surface through the
// subscription itself.
type Provider interface {
	Subscribe(ctx context.Context, streamID, contract string, cur Cursor) (Subscription, error)
}
