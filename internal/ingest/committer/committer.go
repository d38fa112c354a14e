// Package committer turns released batches into transactional store writes.
// Commits run under a bounded-concurrency limiter shared across all
// streams; a failing transaction is retried whole-batch with exponential
// backoff and dead-lettered when retries are exhausted.
package committer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
	"github.com/lumenlabs/streamwatch/internal/ingest/handler"
	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// Config controls commit concurrency and retry behavior.
type Config struct {
	// MaxConcurrent caps batches processing simultaneously across all streams.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// MaxAttempts is the total number of transaction attempts per batch.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the backoff floor between attempts.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps backoff growth between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`

	// AcquireTimeout bounds the wait for a concurrency slot.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// CommitTimeout bounds one transaction attempt.
	CommitTimeout time.Duration `yaml:"commit_timeout"`
}

// DefaultConfig matches the production deployment: 3 concurrent batches,
// 5 attempts backing off 1s..30s, 30s to acquire a slot, 60s per attempt.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		AcquireTimeout: 30 * time.Second,
		CommitTimeout:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 60 * time.Second
	}
	return c
}

// Committer commits batches against the store.
type Committer struct {
	cfg      Config
	store    storage.Store
	handlers *handler.Registry
	dlq      storage.DeadLetterStore
	sem      *semaphore.Weighted
	log      *slog.Logger
	active   atomic.Int64

	mu        sync.Mutex
	perStream map[string]int64
}

// New creates a committer. dlq may be nil, in which case dead-lettered
// batches are only logged.
func New(cfg Config, store storage.Store, handlers *handler.Registry, dlq storage.DeadLetterStore, log *slog.Logger) *Committer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Committer{
		cfg:       cfg,
		store:     store,
		handlers:  handlers,
		dlq:       dlq,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		log:       log,
		perStream: make(map[string]int64),
	}
}

// Active returns the number of batches currently holding a commit slot.
func (c *Committer) Active() int64 {
	return c.active.Load()
}

// ActiveFor returns the number of one stream's batches currently holding
// a commit slot.
func (c *Committer) ActiveFor(streamID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perStream[streamID]
}

func (c *Committer) track(streamID string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perStream[streamID] += delta
	if c.perStream[streamID] <= 0 {
		delete(c.perStream, streamID)
	}
}

// Commit processes one batch to completion: success or dead-letter. It
// blocks for the duration; the buffer invokes it on its own goroutine.
// A stuck transaction occupies one concurrency slot until its attempt
// times out, never the whole pool.
func (c *Committer) Commit(ctx context.Context, batch *domain.Batch) error {
	if batch.Size() == 0 {
		return nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		c.deadLetter(batch, 0, fmt.Errorf("commit slot unavailable: %w", err))
		return err
	}
	defer c.sem.Release(1)

	c.active.Add(1)
	c.track(batch.StreamID, 1)
	metrics.ActiveBatches.Inc()
	defer func() {
		c.active.Add(-1)
		c.track(batch.StreamID, -1)
		metrics.ActiveBatches.Dec()
	}()

	start := time.Now()

	backoff := retry.WithCappedDuration(c.cfg.MaxDelay, retry.NewExponential(c.cfg.InitialDelay))
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), backoff)

	attempts := 0
	var itemErrs map[string]error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		var attemptErr error
		itemErrs, attemptErr = c.attempt(ctx, batch)
		if attemptErr != nil {
			c.log.Warn("Batch commit attempt failed",
				"stream", batch.StreamID, "batch", batch.ID,
				"attempt", attempts, "size", batch.Size(), "error", attemptErr)
			return retry.RetryableError(attemptErr)
		}
		return nil
	})
	if err != nil {
		c.deadLetter(batch, attempts, err)
		return err
	}

	duration := time.Since(start)
	metrics.BatchesCommitted.WithLabelValues(batch.StreamID).Inc()
	metrics.BatchCommitDuration.WithLabelValues(batch.StreamID).Observe(duration.Seconds())

	for _, item := range batch.Items {
		if _, failed := itemErrs[item.ID]; failed {
			metrics.EventsFailed.WithLabelValues(item.StreamID, string(item.Kind)).Inc()
			continue
		}
		metrics.EventsProcessed.WithLabelValues(item.StreamID, string(item.Kind)).Inc()
	}
	for id, itemErr := range itemErrs {
		c.log.Error("Event mapping failed inside committed batch",
			"stream", batch.StreamID, "batch", batch.ID, "event", id, "error", itemErr)
	}

	c.log.Debug("Batch committed",
		"stream", batch.StreamID, "batch", batch.ID,
		"size", batch.Size(), "failed_items", len(itemErrs),
		"attempts", attempts, "duration", duration)
	return nil
}

// attempt runs one transaction over the whole batch. Items are grouped by
// kind and every group's writes land in the same transaction. A handler
// error fails only that item; a store error aborts the attempt.
func (c *Committer) attempt(ctx context.Context, batch *domain.Batch) (map[string]error, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()

	uow, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	defer func() { _ = uow.Rollback() }()

	itemErrs := make(map[string]error)
	groups := batch.GroupByKind()

	for _, kind := range domain.Kinds {
		items := groups[kind]
		if len(items) == 0 {
			continue
		}

		merged := &domain.Mutation{}
		for _, item := range items {
			mut, err := c.handlers.Handle(item)
			if err != nil {
				itemErrs[item.ID] = err
				continue
			}
			merged.Merge(mut)
		}
		if merged.Empty() {
			continue
		}

		if err := c.applyGroup(ctx, uow, merged); err != nil {
			return nil, fmt.Errorf("apply %s group failed: %w", kind, err)
		}
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return itemErrs, nil
}

func (c *Committer) applyGroup(ctx context.Context, uow storage.UnitOfWork, m *domain.Mutation) error {
	if err := uow.UpsertTokens(ctx, m.Tokens); err != nil {
		return err
	}
	if err := uow.InsertTrades(ctx, m.Trades); err != nil {
		return err
	}
	if err := uow.UpsertPools(ctx, m.Pools); err != nil {
		return err
	}
	return uow.InsertLiquidity(ctx, m.Liquidity)
}

// deadLetter preserves an exhausted batch and counts every item as failed.
// This is the only path that can lose data, so it logs loudly.
func (c *Committer) deadLetter(batch *domain.Batch, attempts int, cause error) {
	metrics.BatchesDeadLettered.WithLabelValues(batch.StreamID).Inc()
	for _, item := range batch.Items {
		metrics.EventsFailed.WithLabelValues(item.StreamID, string(item.Kind)).Inc()
	}

	dl := domain.NewDeadLetter(batch, attempts, cause)
	c.log.Error("Batch permanently failed, dead-lettering",
		"stream", batch.StreamID, "batch", batch.ID,
		"size", batch.Size(), "attempts", attempts,
		"first_position", batch.Items[0].Position,
		"last_position", batch.Items[len(batch.Items)-1].Position,
		"error", cause)

	if c.dlq == nil {
		return
	}
	// The caller's context may already be cancelled (shutdown); the dead
	// letter must still be preserved.
	pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dlq.Push(pushCtx, dl); err != nil {
		c.log.Error("Failed to preserve dead letter",
			"stream", batch.StreamID, "batch", batch.ID, "error", err)
	}
}
