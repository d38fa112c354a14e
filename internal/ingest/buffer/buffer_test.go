package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

type batchSink struct {
	mu      sync.Mutex
	batches []*domain.Batch
}

func (s *batchSink) commit(_ context.Context, b *domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *batchSink) snapshot() []*domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *batchSink) waitFor(t *testing.T, n int, timeout time.Duration) []*domain.Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, len(s.snapshot()))
	return nil
}

func item(streamID string, pos uint64) *domain.WorkItem {
	return &domain.WorkItem{
		ID:       fmt.Sprintf("%s-ev-%d", streamID, pos),
		StreamID: streamID,
		Position: pos,
		Kind:     domain.KindCurveBuy,
		Payload:  &domain.CurveTrade{Trader: "GTRADER", Token: "CTOKEN", Side: domain.SideBuy},
	}
}

func TestFlushesOnBatchSize(t *testing.T) {
	sink := &batchSink{}
	buf := New(Config{MaxBatchSize: 3, MaxBatchWait: time.Hour, MaxQueueSize: 100}, sink.commit, nil)

	for i := uint64(1); i <= 7; i++ {
		if !buf.Enqueue(item("s1", i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	batches := sink.waitFor(t, 2, time.Second)
	for i, b := range batches[:2] {
		if b.Size() != 3 {
			t.Fatalf("batch %d size = %d, want 3", i, b.Size())
		}
	}
	if got := buf.Depth("s1"); got != 1 {
		t.Fatalf("residual depth = %d, want 1", got)
	}
}

func TestFlushesOnTimer(t *testing.T) {
	sink := &batchSink{}
	buf := New(Config{MaxBatchSize: 100, MaxBatchWait: 30 * time.Millisecond, MaxQueueSize: 100}, sink.commit, nil)

	buf.Enqueue(item("s1", 1))
	buf.Enqueue(item("s1", 2))

	batches := sink.waitFor(t, 1, time.Second)
	if batches[0].Size() != 2 {
		t.Fatalf("batch size = %d, want 2", batches[0].Size())
	}
	if got := buf.Depth("s1"); got != 0 {
		t.Fatalf("depth after timer flush = %d, want 0", got)
	}
}

func TestTimerCoversOldestItem(t *testing.T) {
	sink := &batchSink{}
	buf := New(Config{MaxBatchSize: 100, MaxBatchWait: 50 * time.Millisecond, MaxQueueSize: 100}, sink.commit, nil)

	buf.Enqueue(item("s1", 1))
	time.Sleep(30 * time.Millisecond)
	// A later item must not push back the flush of the first.
	buf.Enqueue(item("s1", 2))

	batches := sink.waitFor(t, 1, time.Second)
	if batches[0].Size() != 2 {
		t.Fatalf("batch size = %d, want 2", batches[0].Size())
	}
}

func TestRejectsAtGlobalCeiling(t *testing.T) {
	sink := &batchSink{}
	buf := New(Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 4}, sink.commit, nil)

	for i := uint64(1); i <= 4; i++ {
		if !buf.Enqueue(item("s1", i)) {
			t.Fatalf("enqueue %d rejected below ceiling", i)
		}
	}
	if buf.Enqueue(item("s2", 1)) {
		t.Fatal("enqueue accepted at ceiling")
	}
	if got := buf.Total(); got != 4 {
		t.Fatalf("total after rejection = %d, want 4", got)
	}
	if got := buf.Depth("s2"); got != 0 {
		t.Fatalf("rejected item buffered: depth(s2) = %d", got)
	}
}

func TestStreamsBatchIndependently(t *testing.T) {
	sink := &batchSink{}
	buf := New(Config{MaxBatchSize: 2, MaxBatchWait: time.Hour, MaxQueueSize: 100}, sink.commit, nil)

	buf.Enqueue(item("s1", 1))
	buf.Enqueue(item("s2", 1))
	buf.Enqueue(item("s1", 2))

	batches := sink.waitFor(t, 1, time.Second)
	if batches[0].StreamID != "s1" {
		t.Fatalf("flushed stream = %s, want s1", batches[0].StreamID)
	}
	if got := buf.Depth("s2"); got != 1 {
		t.Fatalf("depth(s2) = %d, want 1", got)
	}
}

func TestFlushAllDrains(t *testing.T) {
	var mu sync.Mutex
	var committed int
	slow := func(_ context.Context, b *domain.Batch) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		committed += b.Size()
		mu.Unlock()
	}
	buf := New(Config{MaxBatchSize: 100, MaxBatchWait: time.Hour, MaxQueueSize: 100}, slow, nil)

	buf.Enqueue(item("s1", 1))
	buf.Enqueue(item("s1", 2))
	buf.Enqueue(item("s2", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := buf.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if committed != 3 {
		t.Fatalf("committed %d items, want 3", committed)
	}
	if buf.Enqueue(item("s1", 3)) {
		t.Fatal("enqueue accepted after FlushAll")
	}
}

func TestFlushAllHonorsContext(t *testing.T) {
	release := make(chan struct{})
	stuck := func(_ context.Context, _ *domain.Batch) { <-release }
	buf := New(Config{MaxBatchSize: 1, MaxBatchWait: time.Hour, MaxQueueSize: 100}, stuck, nil)

	buf.Enqueue(item("s1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := buf.FlushAll(ctx); err == nil {
		t.Fatal("expected drain interruption error")
	}
	close(release)
}
