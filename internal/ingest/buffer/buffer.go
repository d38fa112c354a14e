// Package buffer accumulates work items per stream and releases them as
// bounded batches: when a stream's list reaches the batch size, or when the
// wait timer for its oldest buffered item expires, whichever comes first.
// A process-wide ceiling on buffered items is the backpressure signal:
// enqueue returns false, synchronously and without side effects, once the
// ceiling is reached.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// CommitFn consumes a released batch. Invoked on a buffer-owned goroutine;
// it must handle its own retries and never panic.
type CommitFn func(ctx context.Context, batch *domain.Batch)

// Config controls batching thresholds.
type Config struct {
	// MaxBatchSize is the flush threshold and the batch size ceiling.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxBatchWait is how long a partial batch may sit before flushing.
	MaxBatchWait time.Duration `yaml:"max_batch_wait"`

	// MaxQueueSize caps buffered items across all streams.
	MaxQueueSize int `yaml:"max_queue_size"`
}

// DefaultConfig matches the production deployment.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 100,
		MaxBatchWait: 5 * time.Second,
		MaxQueueSize: 10000,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 5 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	return c
}

// Buffer is the per-stream batching layer. All state is owned by the one
// Buffer value; queues and timers are instance fields, never package-level.
type Buffer struct {
	cfg    Config
	commit CommitFn
	log    *slog.Logger

	mu     sync.Mutex
	queues map[string][]*domain.WorkItem
	timers map[string]*time.Timer
	gens   map[string]uint64
	total  int
	closed bool

	// inflight tracks dispatched commits so FlushAll can drain them.
	inflight sync.WaitGroup
}

// New creates a buffer that hands released batches to commit.
func New(cfg Config, commit CommitFn, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		cfg:    cfg.withDefaults(),
		commit: commit,
		log:    log,
		queues: make(map[string][]*domain.WorkItem),
		timers: make(map[string]*time.Timer),
		gens:   make(map[string]uint64),
	}
}

// Enqueue appends an item to its stream's queue. It returns false, with no
// state mutated, when the global ceiling is reached or the buffer has been
// closed; the caller must treat that as backpressure and not checkpoint
// the item.
func (b *Buffer) Enqueue(item *domain.WorkItem) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.total >= b.cfg.MaxQueueSize {
		return false
	}

	streamID := item.StreamID
	b.queues[streamID] = append(b.queues[streamID], item)
	b.total++
	metrics.QueueDepth.WithLabelValues(streamID).Set(float64(len(b.queues[streamID])))
	metrics.QueueDepthGlobal.Set(float64(b.total))

	if len(b.queues[streamID]) >= b.cfg.MaxBatchSize {
		b.flushLocked(streamID)
	} else if b.timers[streamID] == nil {
		b.scheduleLocked(streamID)
	}
	return true
}

// Depth returns the buffered item count for one stream.
func (b *Buffer) Depth(streamID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[streamID])
}

// Total returns the buffered item count across all streams.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// FlushAll synchronously flushes every stream's buffer and waits for all
// in-flight commits to drain. Used only during shutdown; the buffer
// rejects new items afterwards.
func (b *Buffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	for streamID, q := range b.queues {
		for len(q) > 0 {
			b.flushLocked(streamID)
			q = b.queues[streamID]
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer drain interrupted: %w", ctx.Err())
	}
}

// scheduleLocked arms the wait timer for a stream's oldest buffered item.
// Callers hold b.mu.
func (b *Buffer) scheduleLocked(streamID string) {
	gen := b.gens[streamID]
	b.timers[streamID] = time.AfterFunc(b.cfg.MaxBatchWait, func() {
		b.onTimer(streamID, gen)
	})
}

// onTimer flushes a stream when its wait elapses. The generation guard
// drops timers that raced a size-triggered flush.
func (b *Buffer) onTimer(streamID string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gens[streamID] != gen {
		return
	}
	b.timers[streamID] = nil
	if len(b.queues[streamID]) == 0 {
		return
	}
	b.flushLocked(streamID)
}

// flushLocked releases up to MaxBatchSize items from the front of a
// stream's queue and dispatches them. Callers hold b.mu.
func (b *Buffer) flushLocked(streamID string) {
	q := b.queues[streamID]
	if len(q) == 0 {
		return
	}

	n := len(q)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	items := make([]*domain.WorkItem, n)
	copy(items, q[:n])
	b.queues[streamID] = q[n:]
	b.total -= n

	// Invalidate any pending timer; re-arm if items remain.
	b.gens[streamID]++
	if t := b.timers[streamID]; t != nil {
		t.Stop()
		b.timers[streamID] = nil
	}
	if len(b.queues[streamID]) > 0 && !b.closed {
		b.scheduleLocked(streamID)
	}

	metrics.QueueDepth.WithLabelValues(streamID).Set(float64(len(b.queues[streamID])))
	metrics.QueueDepthGlobal.Set(float64(b.total))
	metrics.BatchSize.WithLabelValues(streamID).Observe(float64(n))

	batch := &domain.Batch{
		ID:       uuid.New().String(),
		StreamID: streamID,
		Items:    items,
		Created:  time.Now(),
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.commit(context.Background(), batch)
	}()
}
