package supervisor

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
)

type fakeSub struct {
	events chan *domain.WorkItem
	err    error

	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Events() <-chan *domain.WorkItem { return s.events }

func (s *fakeSub) Err() error { return s.err }

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// fakeProvider scripts Subscribe outcomes in order; nil entries mean an
// establishment error.
type fakeProvider struct {
	mu      sync.Mutex
	script  []*fakeSub
	cursors []stream.Cursor
	calls   int
}

func (p *fakeProvider) Subscribe(_ context.Context, _, _ string, cur stream.Cursor) (stream.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, cur)
	if p.calls >= len(p.script) {
		p.calls++
		return nil, errors.New("endpoint unreachable")
	}
	sub := p.script[p.calls]
	p.calls++
	if sub == nil {
		return nil, errors.New("endpoint unreachable")
	}
	return sub, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func item(pos uint64) *domain.WorkItem {
	return &domain.WorkItem{
		ID:       fmt.Sprintf("ev-%d", pos),
		StreamID: "factory",
		Position: pos,
		Kind:     domain.KindCurveBuy,
		Payload:  &domain.CurveTrade{Trader: "GTRADER", Token: "CTOKEN", Side: domain.SideBuy},
	}
}

type harness struct {
	sup    *Supervisor
	buf    *buffer.Buffer
	cps    *checkpoint.Manager
	brk    *breaker.Breaker
	sink   *batchSink
	flag   *atomic.Bool
	cancel context.CancelFunc
}

type batchSink struct {
	mu    sync.Mutex
	items []*domain.WorkItem
}

func (s *batchSink) commit(_ context.Context, b *domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, b.Items...)
}

func newHarness(t *testing.T, provider stream.Provider, bufCfg buffer.Config, brkCfg breaker.Config) *harness {
	t.Helper()
	sink := &batchSink{}
	buf := buffer.New(bufCfg, sink.commit, nil)
	cps := checkpoint.NewManager(memory.NewCheckpointRepo(memory.NewStore()), nil)
	brk := breaker.New("factory", brkCfg)
	flag := &atomic.Bool{}

	sup := New(StreamConfig{ID: "factory", Contract: "CFACTORY"}, provider, brk, buf, cps, flag, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sup.Stop()
	})
	return &harness{sup: sup, buf: buf, cps: cps, brk: brk, sink: sink, flag: flag, cancel: cancel}
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

func TestAcceptedItemsAreCheckpointed(t *testing.T) {
	sub := &fakeSub{events: make(chan *domain.WorkItem, 4)}
	sub.events <- item(11)
	sub.events <- item(12)
	provider := &fakeProvider{script: []*fakeSub{sub}}

	h := newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond})

	waitUntil(t, 2*time.Second, func() bool {
		pos, ok, _ := h.cps.Last(context.Background(), "factory")
		return ok && pos == 12
	}, "checkpoint did not reach 12")

	if got := h.buf.Depth("factory"); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}

func TestRejectedItemsAreNotCheckpointed(t *testing.T) {
	sub := &fakeSub{events: make(chan *domain.WorkItem, 4)}
	sub.events <- item(11)
	sub.events <- item(12)
	sub.events <- item(13)
	provider := &fakeProvider{script: []*fakeSub{sub}}

	h := newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 2},
		breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond})

	waitUntil(t, 2*time.Second, func() bool {
		pos, ok, _ := h.cps.Last(context.Background(), "factory")
		return ok && pos == 12
	}, "checkpoint did not reach 12")

	// Give the drop of item 13 time to land, then confirm the checkpoint
	// stayed behind it.
	time.Sleep(50 * time.Millisecond)
	pos, _, _ := h.cps.Last(context.Background(), "factory")
	if pos != 12 {
		t.Fatalf("checkpoint = %d, want 12 (13 was rejected)", pos)
	}
	if got := h.buf.Total(); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}

func TestResumesFromCheckpoint(t *testing.T) {
	store := memory.NewStore()
	if err := memory.NewCheckpointRepo(store).Save(context.Background(), &domain.StreamCheckpoint{
		StreamID: "factory", Position: 42, LastEventID: "ev-42",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	provider := &fakeProvider{script: []*fakeSub{{events: make(chan *domain.WorkItem)}}}
	sink := &batchSink{}
	buf := buffer.New(buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100}, sink.commit, nil)
	cps := checkpoint.NewManager(memory.NewCheckpointRepo(store), nil)
	flag := &atomic.Bool{}
	sup := New(StreamConfig{ID: "factory", Contract: "CFACTORY"}, provider, breaker.New("factory", breaker.Config{}), buf, cps, flag, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sup.Stop()
	})

	waitUntil(t, 2*time.Second, func() bool { return provider.callCount() >= 1 }, "never subscribed")

	provider.mu.Lock()
	cur := provider.cursors[0]
	provider.mu.Unlock()
	if cur.FromNow || cur.Position != 42 {
		t.Fatalf("cursor = %+v, want position 42", cur)
	}
}

func TestFreshStreamStartsFromNow(t *testing.T) {
	provider := &fakeProvider{script: []*fakeSub{{events: make(chan *domain.WorkItem)}}}
	newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond})

	waitUntil(t, 2*time.Second, func() bool { return provider.callCount() >= 1 }, "never subscribed")

	provider.mu.Lock()
	cur := provider.cursors[0]
	provider.mu.Unlock()
	if !cur.FromNow {
		t.Fatalf("cursor = %+v, want FromNow", cur)
	}
}

func TestDroppedSubscriptionTripsBreaker(t *testing.T) {
	failing := make([]*fakeSub, 3)
	for i := range failing {
		sub := &fakeSub{events: make(chan *domain.WorkItem), err: errors.New("stream reset")}
		close(sub.events)
		failing[i] = sub
	}
	provider := &fakeProvider{script: failing}

	h := newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Hour})

	waitUntil(t, 2*time.Second, func() bool { return h.brk.State() == breaker.StateOpen }, "breaker never opened")
}

// droppingProvider always establishes successfully and always drops.
type droppingProvider struct {
	calls atomic.Int64
}

func (p *droppingProvider) Subscribe(_ context.Context, _, _ string, _ stream.Cursor) (stream.Subscription, error) {
	p.calls.Add(1)
	sub := &fakeSub{events: make(chan *domain.WorkItem), err: errors.New("poll failed")}
	close(sub.events)
	return sub, nil
}

func TestEstablishmentAloneDoesNotResetBreaker(t *testing.T) {
	// Resuming from a cursor makes Subscribe succeed without any network
	// round trip; only the poll failures after it count.
	provider := &droppingProvider{}

	h := newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Hour})

	waitUntil(t, 2*time.Second, func() bool { return h.brk.State() == breaker.StateOpen }, "breaker never opened")

	if got := provider.calls.Load(); got < 3 {
		t.Fatalf("subscribes = %d, want at least 3 successful establishments", got)
	}
}

func TestFirstEventResetsBreaker(t *testing.T) {
	sub := &fakeSub{events: make(chan *domain.WorkItem, 1)}
	sub.events <- item(11)
	provider := &fakeProvider{script: []*fakeSub{sub}}

	sink := &batchSink{}
	buf := buffer.New(buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100}, sink.commit, nil)
	cps := checkpoint.NewManager(memory.NewCheckpointRepo(memory.NewStore()), nil)
	brk := breaker.New("factory", breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond})
	brk.RecordFailure(errors.New("earlier outage"))
	brk.RecordFailure(errors.New("earlier outage"))

	sup := New(StreamConfig{ID: "factory", Contract: "CFACTORY"}, provider, brk, buf, cps, &atomic.Bool{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sup.Stop()
	})

	waitUntil(t, 2*time.Second, func() bool {
		return brk.Snapshot().ConsecutiveFailures == 0
	}, "delivered event never reset the breaker")
}

func TestStopIsIdempotent(t *testing.T) {
	sub := &fakeSub{events: make(chan *domain.WorkItem)}
	provider := &fakeProvider{script: []*fakeSub{sub}}
	h := newHarness(t, provider,
		buffer.Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100},
		breaker.Config{FailureThreshold: 5, BaseDelay: 10 * time.Millisecond})

	waitUntil(t, 2*time.Second, func() bool { return provider.callCount() >= 1 }, "never subscribed")

	h.flag.Store(true)
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.sup.Stop()
		h.sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
