// Package e2e exercises the assembled pipeline: supervisor, buffer,
// committer, checkpoint manager and storage working together against a
// scripted event source.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/checkpoint"
	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/memory"
	"github.com/lumenlabs/streamwatch/internal/infra/stream"
	"github.com/lumenlabs/streamwatch/internal/ingest/breaker"
	"github.com/lumenlabs/streamwatch/internal/ingest/buffer"
	"github.com/lumenlabs/streamwatch/internal/ingest/committer"
	"github.com/lumenlabs/streamwatch/internal/ingest/handler"
	"github.com/lumenlabs/streamwatch/internal/ingest/supervisor"
)

type scriptedSub struct {
	events chan *domain.WorkItem
	err    error
}

func (s *scriptedSub) Events() <-chan *domain.WorkItem { return s.events }
func (s *scriptedSub) Err() error                      { return s.err }
func (s *scriptedSub) Close()                          {}

// scriptedProvider returns one subscription per Subscribe call, or an
// error once the script runs out.
type scriptedProvider struct {
	mu    sync.Mutex
	subs  []*scriptedSub
	calls int
}

func (p *scriptedProvider) Subscribe(_ context.Context, _, _ string, _ stream.Cursor) (stream.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.subs) {
		p.calls++
		return nil, errors.New("endpoint unreachable")
	}
	sub := p.subs[p.calls]
	p.calls++
	return sub, nil
}

func buyItem(streamID string, pos uint64) *domain.WorkItem {
	return &domain.WorkItem{
		ID:       fmt.Sprintf("%s-ev-%d", streamID, pos),
		StreamID: streamID,
		Position: pos,
		Kind:     domain.KindCurveBuy,
		Payload: &domain.CurveTrade{
			Trader:      "GTRADER",
			Token:       "CTOKEN",
			Side:        domain.SideBuy,
			LumenAmount: "500",
			TokenAmount: "1000",
		},
	}
}

type pipeline struct {
	store    *memory.Store
	cps      *checkpoint.Manager
	buf      *buffer.Buffer
	brk      *breaker.Breaker
	sup      *supervisor.Supervisor
	shutdown *atomic.Bool

	mu         sync.Mutex
	batchSizes []int
}

func newPipeline(t *testing.T, streamID string, provider stream.Provider, bufCfg buffer.Config, brkCfg breaker.Config) *pipeline {
	t.Helper()

	p := &pipeline{
		store:    memory.NewStore(),
		shutdown: &atomic.Bool{},
	}
	com := committer.New(committer.Config{
		MaxConcurrent: 3,
		MaxAttempts:   2,
		InitialDelay:  5 * time.Millisecond,
	}, p.store, handler.NewRegistry(), memory.NewDeadLetterStore(p.store), nil)

	p.buf = buffer.New(bufCfg, func(ctx context.Context, b *domain.Batch) {
		p.mu.Lock()
		p.batchSizes = append(p.batchSizes, b.Size())
		p.mu.Unlock()
		_ = com.Commit(ctx, b)
	}, nil)
	p.cps = checkpoint.NewManager(memory.NewCheckpointRepo(p.store), nil)
	p.brk = breaker.New(streamID, brkCfg)
	p.sup = supervisor.New(supervisor.StreamConfig{ID: streamID, Contract: "CFACTORY"},
		provider, p.brk, p.buf, p.cps, p.shutdown, nil)
	return p
}

func (p *pipeline) sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.batchSizes))
	copy(out, p.batchSizes)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBatchingAndCheckpointAcross250Events(t *testing.T) {
	sub := &scriptedSub{events: make(chan *domain.WorkItem, 250)}
	for pos := uint64(1); pos <= 250; pos++ {
		sub.events <- buyItem("factory", pos)
	}
	provider := &scriptedProvider{subs: []*scriptedSub{sub}}

	p := newPipeline(t, "factory", provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 10000},
		breaker.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.sup.Start(ctx)
	defer p.sup.Stop()

	// Two full batches commit on size; the remaining 50 sit in the buffer.
	waitUntil(t, 5*time.Second, func() bool { return p.store.TradeCount() == 200 }, "full batches never landed")
	waitUntil(t, 5*time.Second, func() bool {
		pos, ok, _ := p.cps.Last(context.Background(), "factory")
		return ok && pos == 250
	}, "checkpoint never reached 250")

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := p.buf.FlushAll(flushCtx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if got := p.store.TradeCount(); got != 250 {
		t.Fatalf("trades = %d, want 250", got)
	}
	want := []int{100, 100, 50}
	got := p.sizes()
	if len(got) != len(want) {
		t.Fatalf("batch sizes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batch sizes = %v, want %v", got, want)
		}
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	provider := &scriptedProvider{} // every Subscribe fails

	p := newPipeline(t, "factory", provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.sup.Start(ctx)
	defer p.sup.Stop()

	waitUntil(t, 5*time.Second, func() bool { return p.brk.State() == breaker.StateOpen }, "breaker never opened")

	snap := p.brk.Snapshot()
	if snap.ConsecutiveFailures != 5 {
		t.Fatalf("failures = %d, want 5", snap.ConsecutiveFailures)
	}
	if got := p.brk.CurrentDelay(); got != 320*time.Millisecond {
		t.Fatalf("delay after 5 failures = %v, want 320ms", got)
	}
}

func TestBackpressureRejectsInArrivalOrder(t *testing.T) {
	sub := &scriptedSub{events: make(chan *domain.WorkItem, 15)}
	for pos := uint64(1); pos <= 15; pos++ {
		sub.events <- buyItem("factory", pos)
	}
	provider := &scriptedProvider{subs: []*scriptedSub{sub}}

	// Nothing flushes: the batch threshold is above the ceiling and the
	// wait timer is effectively infinite.
	p := newPipeline(t, "factory", provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 10},
		breaker.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.sup.Start(ctx)
	defer p.sup.Stop()

	waitUntil(t, 5*time.Second, func() bool {
		pos, ok, _ := p.cps.Last(context.Background(), "factory")
		return ok && pos == 10
	}, "checkpoint never reached 10")

	// The five rejected items must not advance the checkpoint or occupy
	// the buffer.
	time.Sleep(50 * time.Millisecond)
	pos, _, _ := p.cps.Last(context.Background(), "factory")
	if pos != 10 {
		t.Fatalf("checkpoint = %d, want 10 (items 11-15 rejected)", pos)
	}
	if got := p.buf.Total(); got != 10 {
		t.Fatalf("buffered = %d, want 10", got)
	}
}
