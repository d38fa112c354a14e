package handler

import (
	"fmt"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
)

// payloadError reports a payload/kind mismatch, which indicates a decoding
// bug at the provider boundary rather than bad chain data.
func payloadError(item *domain.WorkItem) error {
	return fmt.Errorf("event %s: payload %T does not match kind %s", item.ID, item.Payload, item.Kind)
}

func handleTokenCreated(item *domain.WorkItem) (*domain.Mutation, error) {
	p, ok := item.Payload.(*domain.TokenCreated)
	if !ok {
		return nil, payloadError(item)
	}

	return &domain.Mutation{
		Tokens: []*domain.Token{{
			Address:         p.Token,
			Creator:         p.Creator,
			Name:            p.Name,
			Symbol:          p.Symbol,
			LumensRaised:    "0",
			CreatedPosition: item.Position,
			UpdatedAt:       item.ObservedAt,
		}},
	}, nil
}

func handleCurveTrade(item *domain.WorkItem) (*domain.Mutation, error) {
	p, ok := item.Payload.(*domain.CurveTrade)
	if !ok {
		return nil, payloadError(item)
	}

	trade := &domain.Trade{
		EventID:    item.ID,
		StreamID:   item.StreamID,
		Token:      p.Token,
		Trader:     p.Trader,
		Side:       p.Side,
		Position:   item.Position,
		ExecutedAt: item.ObservedAt,
	}
	// Buys spend lumens for tokens; sells spend tokens for lumens.
	if p.Side == domain.SideSell {
		trade.AmountIn = p.TokenAmount
		trade.AmountOut = p.LumenAmount
	} else {
		trade.AmountIn = p.LumenAmount
		trade.AmountOut = p.TokenAmount
	}

	return &domain.Mutation{Trades: []*domain.Trade{trade}}, nil
}

func handleGraduated(item *domain.WorkItem) (*domain.Mutation, error) {
	p, ok := item.Payload.(*domain.Graduated)
	if !ok {
		return nil, payloadError(item)
	}

	return &domain.Mutation{
		Tokens: []*domain.Token{{
			Address:      p.Token,
			Graduated:    true,
			LumensRaised: p.LumensRaised,
			UpdatedAt:    item.ObservedAt,
		}},
	}, nil
}

func handleSwap(item *domain.WorkItem) (*domain.Mutation, error) {
	p, ok := item.Payload.(*domain.Swap)
	if !ok {
		return nil, payloadError(item)
	}

	return &domain.Mutation{
		Trades: []*domain.Trade{{
			EventID:    item.ID,
			StreamID:   item.StreamID,
			Token:      p.TokenOut,
			Trader:     p.Sender,
			Side:       domain.SideSwap,
			AmountIn:   p.AmountIn,
			AmountOut:  p.AmountOut,
			Position:   item.Position,
			ExecutedAt: item.ObservedAt,
		}},
		Pools: []*domain.Pool{{
			Contract:     item.StreamID,
			TokenIn:      p.TokenIn,
			TokenOut:     p.TokenOut,
			LastPosition: item.Position,
			UpdatedAt:    item.ObservedAt,
		}},
	}, nil
}

func handleLiquidity(item *domain.WorkItem) (*domain.Mutation, error) {
	p, ok := item.Payload.(*domain.LiquidityChange)
	if !ok {
		return nil, payloadError(item)
	}

	return &domain.Mutation{
		Liquidity: []*domain.LiquidityEvent{{
			EventID:    item.ID,
			Pool:       item.StreamID,
			Provider:   p.Provider,
			Amount0:    p.Amount0,
			Amount1:    p.Amount1,
			Shares:     p.Shares,
			Removed:    p.Removed,
			Position:   item.Position,
			ObservedAt: item.ObservedAt,
		}},
		Pools: []*domain.Pool{{
			Contract:     item.StreamID,
			LastPosition: item.Position,
			UpdatedAt:    item.ObservedAt,
		}},
	}, nil
}
