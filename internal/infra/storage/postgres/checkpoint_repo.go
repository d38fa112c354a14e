package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

type checkpointRow struct {
	StreamID    string `db:"stream_id"`
	Position    int64  `db:"position"`
	LastEventID string `db:"last_event_id"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r checkpointRow) toDomain() *domain.StreamCheckpoint {
	return &domain.StreamCheckpoint{
		StreamID:    r.StreamID,
		Position:    uint64(r.Position),
		LastEventID: r.LastEventID,
		UpdatedAt:   time.Unix(r.UpdatedAt, 0),
	}
}

// Get retrieves a checkpoint by stream ID.
func (r *CheckpointRepo) Get(ctx context.Context, streamID string) (*domain.StreamCheckpoint, error) {
	var row checkpointRow
	err := r.db.GetContext(ctx, &row,
		`SELECT stream_id, position, last_event_id, updated_at FROM checkpoints WHERE stream_id = $1`,
		streamID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return row.toDomain(), nil
}

// Save upserts a checkpoint. The WHERE guard on the conflict branch keeps
// the position monotonically non-decreasing even when async writes land out
// of order.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.StreamCheckpoint) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkpoints (stream_id, position, last_event_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stream_id) DO UPDATE SET
		   position = EXCLUDED.position,
		   last_event_id = EXCLUDED.last_event_id,
		   updated_at = EXCLUDED.updated_at
		 WHERE checkpoints.position <= EXCLUDED.position`,
		cp.StreamID, int64(cp.Position), cp.LastEventID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// List retrieves all checkpoints.
func (r *CheckpointRepo) List(ctx context.Context) ([]*domain.StreamCheckpoint, error) {
	var rows []checkpointRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT stream_id, position, last_event_id, updated_at FROM checkpoints ORDER BY stream_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	cps := make([]*domain.StreamCheckpoint, 0, len(rows))
	for _, row := range rows {
		cps = append(cps, row.toDomain())
	}
	return cps, nil
}
