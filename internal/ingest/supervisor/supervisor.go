// Package supervisor owns the lifecycle of one stream: resume position,
// subscription, failure accounting through the circuit breaker, and
// reconnects. One supervisor goroutine runs per configured stream.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/checkpoint"
	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/stream"
	"github.com/lumenlabs/streamwatch/internal/ingest/breaker"
	"github.com/lumenlabs/streamwatch/internal/ingest/buffer"
	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// StreamConfig identifies one contract to follow.
type StreamConfig struct {
	ID       string `yaml:"id"`
	Contract string `yaml:"contract"`

	// StartPosition seeds a stream with no checkpoint. Zero means
	// resume from the ledger head.
	StartPosition uint64 `yaml:"start_position"`
}

// Supervisor drives a single stream's subscribe/consume/reconnect loop.
type Supervisor struct {
	cfg         StreamConfig
	provider    stream.Provider
	breaker     *breaker.Breaker
	buf         *buffer.Buffer
	checkpoints *checkpoint.Manager
	log         *slog.Logger

	// shutdown is process-wide; once set, no supervisor reconnects.
	shutdown *atomic.Bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor. All collaborators are required except log.
func New(cfg StreamConfig, provider stream.Provider, brk *breaker.Breaker, buf *buffer.Buffer, checkpoints *checkpoint.Manager, shutdown *atomic.Bool, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		provider:    provider,
		breaker:     brk,
		buf:         buf,
		checkpoints: checkpoints,
		shutdown:    shutdown,
		log:         log.With("stream", cfg.ID),
		done:        make(chan struct{}),
	}
}

// Start launches the supervision loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
}

// Stop ends the loop and waits for it to exit. Safe to call twice.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

// Breaker exposes the stream's circuit breaker for status reporting.
func (s *Supervisor) Breaker() *breaker.Breaker { return s.breaker }

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	first := true
	for {
		if ctx.Err() != nil || s.shutdown.Load() {
			return
		}
		if !first {
			metrics.Reconnects.WithLabelValues(s.cfg.ID).Inc()
		}
		first = false

		cur, err := s.resumeCursor(ctx)
		if err != nil {
			s.log.Error("resolving resume position", "error", err)
			if !s.sleep(ctx, s.breaker.CurrentDelay()) {
				return
			}
			continue
		}

		if err := s.breaker.Allow(); err != nil {
			if !s.sleep(ctx, s.breaker.RemainingDelay()) {
				return
			}
			continue
		}

		// Establishment is not success: resuming from a cursor does no
		// network I/O, so the breaker is only reset once events flow.
		sub, err := s.provider.Subscribe(ctx, s.cfg.ID, s.cfg.Contract, cur)
		if err != nil {
			s.breaker.RecordFailure(err)
			s.log.Warn("subscribe failed", "error", err, "delay", s.breaker.CurrentDelay())
			if !s.sleep(ctx, s.breaker.CurrentDelay()) {
				return
			}
			continue
		}

		s.log.Info("subscribed", "contract", s.cfg.Contract, "from_now", cur.FromNow, "position", cur.Position)
		s.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil || s.shutdown.Load() {
			return
		}

		// The subscription was established and then dropped; count the
		// drop against the breaker before reconnecting.
		cause := sub.Err()
		if cause == nil || errors.Is(cause, stream.ErrSubscriptionClosed) {
			continue
		}
		s.breaker.RecordFailure(cause)
		s.log.Warn("subscription dropped", "error", cause, "delay", s.breaker.CurrentDelay())
		if !s.sleep(ctx, s.breaker.CurrentDelay()) {
			return
		}
	}
}

// consume drains the subscription. The first delivered event resets the
// breaker. Accepted items are checkpointed; rejected items are dropped
// without advancing the checkpoint so a later resume replays them.
func (s *Supervisor) consume(ctx context.Context, sub stream.Subscription) {
	healthy := false
	for {
		select {
		case item, ok := <-sub.Events():
			if !ok {
				return
			}
			if !healthy {
				healthy = true
				s.breaker.RecordSuccess()
			}
			s.ingest(item)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) ingest(item *domain.WorkItem) {
	if !s.buf.Enqueue(item) {
		metrics.EventsDropped.WithLabelValues(s.cfg.ID).Inc()
		s.log.Warn("buffer full, dropping event",
			"event_id", item.ID,
			"position", item.Position,
			"kind", item.Kind)
		return
	}
	s.checkpoints.Update(s.cfg.ID, item.Position, item.ID)
}

// resumeCursor picks the start position: the durable checkpoint when one
// exists, the configured seed otherwise, the ledger head as last resort.
func (s *Supervisor) resumeCursor(ctx context.Context) (stream.Cursor, error) {
	pos, ok, err := s.checkpoints.Last(ctx, s.cfg.ID)
	if err != nil {
		return stream.Cursor{}, err
	}
	if ok {
		return stream.Cursor{Position: pos}, nil
	}
	if s.cfg.StartPosition > 0 {
		return stream.Cursor{Position: s.cfg.StartPosition}, nil
	}
	return stream.Cursor{FromNow: true}, nil
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	select {
	case <-time.After(d):
		return !s.shutdown.Load()
	case <-ctx.Done():
		return false
	}
}
