package storage

import (
	"context"
	"errors"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

var (
	// ErrCheckpointNotFound is returned when a stream has no checkpoint yet
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointRepository persists stream checkpoints.
type CheckpointRepository interface {
	// Get retrieves the checkpoint for a stream
	Get(ctx context.Context, streamID string) (*domain.StreamCheckpoint, error)

	// Save upserts a checkpoint. Implementations must ignore writes that
	// would move the position backwards.
	Save(ctx context.Context, cp *domain.StreamCheckpoint) error

	// List retrieves all checkpoints
	List(ctx context.Context) ([]*domain.StreamCheckpoint, error)
}

// UnitOfWork bundles one batch's writes into a single transaction:
// all groups land together or not at all.
type UnitOfWork interface {
	// UpsertTokens writes token rows, keyed by address
	UpsertTokens(ctx context.Context, tokens []*domain.Token) error

	// InsertTrades writes trade rows, keyed by event ID (redelivery is a no-op)
	InsertTrades(ctx context.Context, trades []*domain.Trade) error

	// UpsertPools writes pool summaries, ignoring stale positions
	UpsertPools(ctx context.Context, pools []*domain.Pool) error

	// InsertLiquidity writes liquidity event rows, keyed by event ID
	InsertLiquidity(ctx context.Context, events []*domain.LiquidityEvent) error

	// Commit commits the transaction
	Commit() error

	// Rollback aborts the transaction; safe to call after Commit
	Rollback() error
}

// Store opens batch transactions.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// DeadLetterStore preserves batches that exhausted commit retries.
type DeadLetterStore interface {
	// Push appends a dead letter for manual replay
	Push(ctx context.Context, dl *domain.DeadLetter) error

	// List retrieves up to limit dead letters for a stream, oldest first
	List(ctx context.Context, streamID string, limit int64) ([]*domain.DeadLetter, error)
}
