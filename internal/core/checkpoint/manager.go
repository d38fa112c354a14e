// Package checkpoint tracks the last-processed position for each stream.
//
// The checkpoint is the resume point after a restart: reads happen only at
// startup and reconnect, writes happen after every accepted event. Writes
// are asynchronous on the hot path (never block the stream) but Flush waits
// for every in-flight write so a clean shutdown cannot lose the final
// position.
//
// Position is monotonically non-decreasing per stream. The cache rejects
// stale updates before they are issued and the repository guards again at
// the durable layer, so out-of-order async writes cannot move a checkpoint
// backwards.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// writeTimeout bounds a single async checkpoint write.
const writeTimeout = 10 * time.Second

// Manager caches checkpoints in memory and writes them through to the
// repository asynchronously.
type Manager struct {
	repo storage.CheckpointRepository
	log  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*domain.StreamCheckpoint

	wg sync.WaitGroup
}

// NewManager creates a checkpoint manager over the given repository.
func NewManager(repo storage.CheckpointRepository, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		repo:  repo,
		log:   log,
		cache: make(map[string]*domain.StreamCheckpoint),
	}
}

// Last returns the last acknowledged position for a stream, reading through
// the cache. ok is false when the stream has never been checkpointed.
func (m *Manager) Last(ctx context.Context, streamID string) (uint64, bool, error) {
	m.mu.RLock()
	cp, hit := m.cache[streamID]
	m.mu.RUnlock()
	if hit {
		return cp.Position, true, nil
	}

	cp, err := m.repo.Get(ctx, streamID)
	if errors.Is(err, storage.ErrCheckpointNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	m.mu.Lock()
	// Another reader may have raced a newer update in; keep the larger.
	if cached, ok := m.cache[streamID]; !ok || cached.Position < cp.Position {
		m.cache[streamID] = cp
	}
	pos := m.cache[streamID].Position
	m.mu.Unlock()

	return pos, true, nil
}

// Update advances the checkpoint for a stream. The durable write is issued
// on a separate goroutine; failures are logged and counted, never surfaced
// to the caller. Stale positions are dropped.
func (m *Manager) Update(streamID string, position uint64, eventID string) {
	cp := &domain.StreamCheckpoint{
		StreamID:    streamID,
		Position:    position,
		LastEventID: eventID,
		UpdatedAt:   time.Now(),
	}

	m.mu.Lock()
	if existing, ok := m.cache[streamID]; ok && existing.Position > position {
		m.mu.Unlock()
		return
	}
	m.cache[streamID] = cp
	m.mu.Unlock()

	metrics.CheckpointPosition.WithLabelValues(streamID).Set(float64(position))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := m.repo.Save(ctx, cp); err != nil {
			metrics.CheckpointWriteFailures.WithLabelValues(streamID).Inc()
			m.log.Error("Checkpoint write failed",
				"stream", streamID, "position", position, "error", err)
		}
	}()
}

// Flush waits for all in-flight checkpoint writes. Called on shutdown so
// the final positions reach durable storage before the process exits.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("checkpoint flush interrupted: %w", ctx.Err())
	}
}

// Snapshot returns the cached checkpoint for a stream, if any.
func (m *Manager) Snapshot(streamID string) (*domain.StreamCheckpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.cache[streamID]
	if !ok {
		return nil, false
	}
	out := *cp
	return &out, true
}
