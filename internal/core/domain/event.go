package domain

import (
	"fmt"
	"time"
)

// EventKind is the closed set of contract events the pipeline understands.
// Topics are decoded into a kind exactly once, at the provider boundary;
// everything downstream switches on the enum.
type EventKind string

const (
	KindTokenCreated    EventKind = "token_created"
	KindCurveBuy        EventKind = "curve_buy"
	KindCurveSell       EventKind = "curve_sell"
	KindGraduated       EventKind = "graduated"
	KindSwap            EventKind = "swap"
	KindLiquidityAdded  EventKind = "liquidity_added"
	KindLiquidityRemove EventKind = "liquidity_removed"
)

// Kinds lists every known event kind in stable order. The committer relies
// on this for deterministic group ordering inside a batch transaction.
var Kinds = []EventKind{
	KindTokenCreated,
	KindCurveBuy,
	KindCurveSell,
	KindGraduated,
	KindSwap,
	KindLiquidityAdded,
	KindLiquidityRemove,
}

// topicKinds maps the short topic symbols published by the contracts
// (token-factory and amm-pair) to event kinds.
var topicKinds = map[string]EventKind{
	"created":  KindTokenCreated,
	"buy":      KindCurveBuy,
	"sell":     KindCurveSell,
	"graduate": KindGraduated,
	"swap":     KindSwap,
	"liq_add":  KindLiquidityAdded,
	"liq_rm":   KindLiquidityRemove,
}

// ErrUnknownTopic is returned for topics outside the closed event set.
type ErrUnknownTopic struct {
	Topic string
}

func (e *ErrUnknownTopic) Error() string {
	return fmt.Sprintf("unknown event topic: %s", e.Topic)
}

// ParseEventKind decodes a contract topic symbol into an EventKind.
func ParseEventKind(topic string) (EventKind, error) {
	kind, ok := topicKinds[topic]
	if !ok {
		return "", &ErrUnknownTopic{Topic: topic}
	}
	return kind, nil
}

// Payload is the decoded body of a contract event. Exactly one concrete
// type exists per EventKind.
type Payload interface {
	Kind() EventKind
}

// TokenCreated is published by the factory when a new token launches.
type TokenCreated struct {
	Creator string `json:"creator"`
	Token   string `json:"token"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

func (TokenCreated) Kind() EventKind { return KindTokenCreated }

// TradeSide distinguishes bonding-curve buys from sells.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
	SideSwap TradeSide = "swap"
)

// CurveTrade is a buy or sell against a token's bonding curve.
// Amounts are i128 values carried as decimal strings.
type CurveTrade struct {
	Trader      string    `json:"trader"`
	Token       string    `json:"token"`
	Side        TradeSide `json:"side"`
	LumenAmount string    `json:"lumen_amount"`
	TokenAmount string    `json:"token_amount"`
}

func (t CurveTrade) Kind() EventKind {
	if t.Side == SideSell {
		return KindCurveSell
	}
	return KindCurveBuy
}

// Graduated marks a token leaving the bonding curve for the AMM.
type Graduated struct {
	Token        string `json:"token"`
	LumensRaised string `json:"lumens_raised"`
}

func (Graduated) Kind() EventKind { return KindGraduated }

// Swap is an AMM pair swap.
type Swap struct {
	Sender    string `json:"sender"`
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
}

func (Swap) Kind() EventKind { return KindSwap }

// LiquidityChange is an add or remove against an AMM pair.
type LiquidityChange struct {
	Provider string `json:"provider"`
	Amount0  string `json:"amount_0"`
	Amount1  string `json:"amount_1"`
	Shares   string `json:"shares"`
	Removed  bool   `json:"removed"`
}

func (l LiquidityChange) Kind() EventKind {
	if l.Removed {
		return KindLiquidityRemove
	}
	return KindLiquidityAdded
}

// WorkItem is one decoded event waiting to be committed. Immutable once
// created; owned by the supervisor until the buffer accepts it, then by
// whichever batch contains it.
type WorkItem struct {
	ID         string
	StreamID   string
	Position   uint64
	Kind       EventKind
	Payload    Payload
	ObservedAt time.Time
}
