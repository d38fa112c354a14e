// Package memory provides in-memory implementations of the storage
// interfaces, used in tests and for running without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
)

// Store holds all entity state behind one mutex. Transactions buffer their
// writes and apply them atomically on Commit, mirroring the idempotent
// upsert semantics of the PostgreSQL unit of work.
type Store struct {
	mu          sync.RWMutex
	tokens      map[string]*domain.Token
	trades      map[string]*domain.Trade
	pools       map[string]*domain.Pool
	liquidity   map[string]*domain.LiquidityEvent
	checkpoints map[string]*domain.StreamCheckpoint
	deadLetters map[string][]*domain.DeadLetter
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tokens:      make(map[string]*domain.Token),
		trades:      make(map[string]*domain.Trade),
		pools:       make(map[string]*domain.Pool),
		liquidity:   make(map[string]*domain.LiquidityEvent),
		checkpoints: make(map[string]*domain.StreamCheckpoint),
		deadLetters: make(map[string][]*domain.DeadLetter),
	}
}

var _ storage.Store = (*Store)(nil)

// Begin opens a buffering unit of work.
func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	return &unitOfWork{store: s, mutation: &domain.Mutation{}}, nil
}

type unitOfWork struct {
	store    *Store
	mutation *domain.Mutation
	done     bool
}

func (u *unitOfWork) UpsertTokens(ctx context.Context, tokens []*domain.Token) error {
	u.mutation.Tokens = append(u.mutation.Tokens, tokens...)
	return nil
}

func (u *unitOfWork) InsertTrades(ctx context.Context, trades []*domain.Trade) error {
	u.mutation.Trades = append(u.mutation.Trades, trades...)
	return nil
}

func (u *unitOfWork) UpsertPools(ctx context.Context, pools []*domain.Pool) error {
	u.mutation.Pools = append(u.mutation.Pools, pools...)
	return nil
}

func (u *unitOfWork) InsertLiquidity(ctx context.Context, events []*domain.LiquidityEvent) error {
	u.mutation.Liquidity = append(u.mutation.Liquidity, events...)
	return nil
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range u.mutation.Tokens {
		existing, ok := s.tokens[tok.Address]
		if !ok {
			cp := *tok
			s.tokens[tok.Address] = &cp
			continue
		}
		if tok.Creator != "" {
			existing.Creator = tok.Creator
		}
		if tok.Name != "" {
			existing.Name = tok.Name
		}
		if tok.Symbol != "" {
			existing.Symbol = tok.Symbol
		}
		if tok.Graduated {
			existing.Graduated = true
			existing.LumensRaised = tok.LumensRaised
		}
		existing.UpdatedAt = time.Now()
	}
	for _, tr := range u.mutation.Trades {
		if _, ok := s.trades[tr.EventID]; ok {
			continue
		}
		cp := *tr
		s.trades[tr.EventID] = &cp
	}
	for _, p := range u.mutation.Pools {
		existing, ok := s.pools[p.Contract]
		if ok && existing.LastPosition > p.LastPosition {
			continue
		}
		cp := *p
		if ok {
			if cp.TokenIn == "" {
				cp.TokenIn = existing.TokenIn
			}
			if cp.TokenOut == "" {
				cp.TokenOut = existing.TokenOut
			}
		}
		s.pools[p.Contract] = &cp
	}
	for _, ev := range u.mutation.Liquidity {
		if _, ok := s.liquidity[ev.EventID]; ok {
			continue
		}
		cp := *ev
		s.liquidity[ev.EventID] = &cp
	}
	return nil
}

func (u *unitOfWork) Rollback() error {
	u.done = true
	return nil
}

// Token returns a copy of the token at address, if present.
func (s *Store) Token(address string) (*domain.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[address]
	if !ok {
		return nil, false
	}
	cp := *tok
	return &cp, true
}

// TradeCount returns the number of stored trades.
func (s *Store) TradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// Trade returns a copy of the trade for an event ID, if present.
func (s *Store) Trade(eventID string) (*domain.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.trades[eventID]
	if !ok {
		return nil, false
	}
	cp := *tr
	return &cp, true
}

// Pool returns a copy of a pool summary, if present.
func (s *Store) Pool(contract string) (*domain.Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[contract]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// LiquidityCount returns the number of stored liquidity events.
func (s *Store) LiquidityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.liquidity)
}

// CheckpointRepo adapts the store to storage.CheckpointRepository.
type CheckpointRepo struct {
	store *Store
}

// NewCheckpointRepo creates a checkpoint repository over the store.
func NewCheckpointRepo(store *Store) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Get(ctx context.Context, streamID string) (*domain.StreamCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	cp, ok := r.store.checkpoints[streamID]
	if !ok {
		return nil, storage.ErrCheckpointNotFound
	}
	out := *cp
	return &out, nil
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.StreamCheckpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.checkpoints[cp.StreamID]
	if ok && existing.Position > cp.Position {
		return nil
	}
	out := *cp
	out.UpdatedAt = time.Now()
	r.store.checkpoints[cp.StreamID] = &out
	return nil
}

func (r *CheckpointRepo) List(ctx context.Context) ([]*domain.StreamCheckpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	cps := make([]*domain.StreamCheckpoint, 0, len(r.store.checkpoints))
	for _, cp := range r.store.checkpoints {
		out := *cp
		cps = append(cps, &out)
	}
	return cps, nil
}

// DeadLetterStore adapts the store to storage.DeadLetterStore.
type DeadLetterStore struct {
	store *Store
}

// NewDeadLetterStore creates a dead-letter store over the store.
func NewDeadLetterStore(store *Store) *DeadLetterStore {
	return &DeadLetterStore{store: store}
}

func (d *DeadLetterStore) Push(ctx context.Context, dl *domain.DeadLetter) error {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.store.deadLetters[dl.StreamID] = append(d.store.deadLetters[dl.StreamID], dl)
	return nil
}

func (d *DeadLetterStore) List(ctx context.Context, streamID string, limit int64) ([]*domain.DeadLetter, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	dls := d.store.deadLetters[streamID]
	if limit > 0 && int64(len(dls)) > limit {
		dls = dls[:limit]
	}
	out := make([]*domain.DeadLetter, len(dls))
	copy(out, dls)
	return out, nil
}
