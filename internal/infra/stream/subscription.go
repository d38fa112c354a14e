package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/ingest/metrics"
)

// Subscribe starts a polling subscription for one contract. The initial
// probe resolves the start position; a failing probe fails Subscribe so
// the caller's failure accounting sees it.
//
// A position cursor is inclusive: the cursor ledger is redelivered in
// full, because a checkpoint taken mid-ledger says nothing about the
// ledger's remaining events. Storage absorbs the replayed prefix.
func (c *Client) Subscribe(ctx context.Context, streamID, contract string, cur Cursor) (Subscription, error) {
	next := cur.Position
	if cur.FromNow {
		head, err := c.LatestLedger(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve head for %s: %w", streamID, err)
		}
		next = head + 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		client:   c,
		streamID: streamID,
		contract: contract,
		next:     next,
		events:   make(chan *domain.WorkItem),
		cancel:   cancel,
		log:      c.log.With("stream", streamID),
	}
	go sub.run(subCtx)
	return sub, nil
}

type subscription struct {
	client   *Client
	streamID string
	contract string
	next     uint64
	events   chan *domain.WorkItem
	log      *slog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan *domain.WorkItem { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// run polls the endpoint until the context ends or a poll fails. Events
// within a page are delivered in ledger order; the channel always closes
// on exit.
func (s *subscription) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.client.cfg.PollInterval)
	defer ticker.Stop()

	for {
		page, err := s.client.events(ctx, s.contract, s.next)
		if err != nil {
			if ctx.Err() != nil {
				s.fail(ErrSubscriptionClosed)
				return
			}
			s.fail(err)
			return
		}

		for i := range page.Events {
			item, err := s.decode(&page.Events[i])
			if err != nil {
				var unknown *domain.ErrUnknownTopic
				if errors.As(err, &unknown) {
					metrics.UnknownTopics.WithLabelValues(s.streamID).Inc()
					s.log.Debug("skipping unknown topic", "topic", unknown.Topic, "event_id", page.Events[i].ID)
					continue
				}
				s.fail(fmt.Errorf("decode event %s: %w", page.Events[i].ID, err))
				return
			}
			if item.Position < s.next {
				continue
			}

			select {
			case s.events <- item:
				metrics.EventsReceived.WithLabelValues(s.streamID, string(item.Kind)).Inc()
			case <-ctx.Done():
				s.fail(ErrSubscriptionClosed)
				return
			}
		}

		// A full page may be truncated below the reported head; advance
		// only past what was actually returned and poll again without
		// waiting, re-reading the boundary ledger in case it was split.
		// Only a partial page proves the endpoint drained up to the head.
		if n := len(page.Events); n >= s.client.cfg.PageLimit {
			if last := page.Events[n-1].Ledger; last >= s.next {
				if last > s.next {
					s.next = last
				} else {
					s.next = last + 1
				}
				continue
			}
		} else if page.LatestLedger >= s.next {
			s.next = page.LatestLedger + 1
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.fail(ErrSubscriptionClosed)
			return
		}
	}
}

// decode turns a wire event into a work item. The first topic segment
// selects the kind; the event value carries the payload fields.
func (s *subscription) decode(ev *wireEvent) (*domain.WorkItem, error) {
	if len(ev.Topic) == 0 {
		return nil, &domain.ErrUnknownTopic{Topic: ""}
	}
	kind, err := domain.ParseEventKind(ev.Topic[0])
	if err != nil {
		return nil, err
	}

	payload, err := decodePayload(kind, ev.Value)
	if err != nil {
		return nil, err
	}

	observed := ev.ClosedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return &domain.WorkItem{
		ID:         ev.ID,
		StreamID:   s.streamID,
		Position:   ev.Ledger,
		Kind:       kind,
		Payload:    payload,
		ObservedAt: observed,
	}, nil
}

func decodePayload(kind domain.EventKind, value json.RawMessage) (domain.Payload, error) {
	var payload domain.Payload
	switch kind {
	case domain.KindTokenCreated:
		payload = &domain.TokenCreated{}
	case domain.KindCurveBuy:
		payload = &domain.CurveTrade{Side: domain.SideBuy}
	case domain.KindCurveSell:
		payload = &domain.CurveTrade{Side: domain.SideSell}
	case domain.KindGraduated:
		payload = &domain.Graduated{}
	case domain.KindSwap:
		payload = &domain.Swap{}
	case domain.KindLiquidityAdded:
		payload = &domain.LiquidityChange{}
	case domain.KindLiquidityRemove:
		payload = &domain.LiquidityChange{Removed: true}
	default:
		return nil, &domain.ErrUnknownTopic{Topic: string(kind)}
	}

	if err := json.Unmarshal(value, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	return payload, nil
}
