package domain

import "time"

// Token is a launched token tracked by the indexer. Upserted by address.
type Token struct {
	Address         string
	Creator         string
	Name            string
	Symbol          string
	Graduated       bool
	LumensRaised    string
	CreatedPosition uint64
	UpdatedAt       time.Time
}

// Trade is one executed trade: a bonding-curve buy/sell or an AMM swap.
// Keyed by the source event ID so redelivery is a no-op.
type Trade struct {
	EventID    string
	StreamID   string
	Token      string
	Trader     string
	Side       TradeSide
	AmountIn   string
	AmountOut  string
	Position   uint64
	ExecutedAt time.Time
}

// Pool is a last-write-wins summary of an AMM pair. The liquidity_events
// and trades tables hold the full history; this row only tracks the most
// recent activity, guarded so older positions never overwrite newer ones.
type Pool struct {
	Contract     string
	TokenIn      string
	TokenOut     string
	LastPosition uint64
	UpdatedAt    time.Time
}

// LiquidityEvent is one add or remove against an AMM pair, keyed by event ID.
type LiquidityEvent struct {
	EventID    string
	Pool       string
	Provider   string
	Amount0    string
	Amount1    string
	Shares     string
	Removed    bool
	Position   uint64
	ObservedAt time.Time
}

// Mutation is the set of store writes implied by one event. All writes are
// idempotent upserts, so replaying a batch produces the same final state.
type Mutation struct {
	Tokens    []*Token
	Trades    []*Trade
	Pools     []*Pool
	Liquidity []*LiquidityEvent
}

// Merge appends another mutation's writes onto this one.
func (m *Mutation) Merge(other *Mutation) {
	if other == nil {
		return
	}
	m.Tokens = append(m.Tokens, other.Tokens...)
	m.Trades = append(m.Trades, other.Trades...)
	m.Pools = append(m.Pools, other.Pools...)
	m.Liquidity = append(m.Liquidity, other.Liquidity...)
}

// Empty reports whether the mutation carries no writes.
func (m *Mutation) Empty() bool {
	return len(m.Tokens) == 0 && len(m.Trades) == 0 &&
		len(m.Pools) == 0 && len(m.Liquidity) == 0
}
