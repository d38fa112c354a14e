package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lumenlabs/streamwatch/internal/core/domain"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
)

// UnitOfWork bundles one batch's writes into a single database transaction,
// ensuring atomicity (all groups land or none do). Every statement is an
// idempotent upsert so a retried or redelivered batch leaves the same final
// state as a single application.
type UnitOfWork struct {
	tx *sqlx.Tx
}

var _ storage.UnitOfWork = (*UnitOfWork)(nil)

// Begin opens a new unit of work with an active transaction.
func (db *DB) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// UpsertTokens writes token rows using a multi-row upsert keyed by address.
// Graduation is sticky: once a token is marked graduated, a redelivered
// creation event cannot clear the flag.
func (u *UnitOfWork) UpsertTokens(ctx context.Context, tokens []*domain.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	addresses := make([]string, len(tokens))
	creators := make([]string, len(tokens))
	names := make([]string, len(tokens))
	symbols := make([]string, len(tokens))
	graduated := make([]bool, len(tokens))
	raised := make([]string, len(tokens))
	positions := make([]int64, len(tokens))

	for i, tok := range tokens {
		addresses[i] = tok.Address
		creators[i] = tok.Creator
		names[i] = tok.Name
		symbols[i] = tok.Symbol
		graduated[i] = tok.Graduated
		raised[i] = tok.LumensRaised
		positions[i] = int64(tok.CreatedPosition)
	}

	observeBatch("upsert_tokens", len(tokens))

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO tokens (address, creator, name, symbol, graduated, lumens_raised, created_position, updated_at)
		 SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bool[], $6::text[], $7::bigint[], $8::bigint[])
		 ON CONFLICT (address) DO UPDATE SET
		   creator = CASE WHEN EXCLUDED.creator <> '' THEN EXCLUDED.creator ELSE tokens.creator END,
		   name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE tokens.name END,
		   symbol = CASE WHEN EXCLUDED.symbol <> '' THEN EXCLUDED.symbol ELSE tokens.symbol END,
		   graduated = tokens.graduated OR EXCLUDED.graduated,
		   lumens_raised = CASE WHEN EXCLUDED.graduated THEN EXCLUDED.lumens_raised ELSE tokens.lumens_raised END,
		   updated_at = EXCLUDED.updated_at`,
		addresses, creators, names, symbols, graduated, raised, positions,
		repeatInt64(time.Now().Unix(), len(tokens)),
	)
	return err
}

// InsertTrades writes trade rows; conflicts on event_id are redeliveries
// and are ignored.
func (u *UnitOfWork) InsertTrades(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	eventIDs := make([]string, len(trades))
	streamIDs := make([]string, len(trades))
	tokens := make([]string, len(trades))
	traders := make([]string, len(trades))
	sides := make([]string, len(trades))
	amountsIn := make([]string, len(trades))
	amountsOut := make([]string, len(trades))
	positions := make([]int64, len(trades))
	executedAts := make([]int64, len(trades))

	for i, tr := range trades {
		eventIDs[i] = tr.EventID
		streamIDs[i] = tr.StreamID
		tokens[i] = tr.Token
		traders[i] = tr.Trader
		sides[i] = string(tr.Side)
		amountsIn[i] = tr.AmountIn
		amountsOut[i] = tr.AmountOut
		positions[i] = int64(tr.Position)
		executedAts[i] = tr.ExecutedAt.Unix()
	}

	observeBatch("insert_trades", len(trades))

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO trades (event_id, stream_id, token, trader, side, amount_in, amount_out, position, executed_at)
		 SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $8::bigint[], $9::bigint[])
		 ON CONFLICT (event_id) DO NOTHING`,
		eventIDs, streamIDs, tokens, traders, sides, amountsIn, amountsOut, positions, executedAts,
	)
	return err
}

// UpsertPools writes pool summaries; the position guard drops stale writes.
func (u *UnitOfWork) UpsertPools(ctx context.Context, pools []*domain.Pool) error {
	if len(pools) == 0 {
		return nil
	}

	contracts := make([]string, len(pools))
	tokensIn := make([]string, len(pools))
	tokensOut := make([]string, len(pools))
	positions := make([]int64, len(pools))

	for i, p := range pools {
		contracts[i] = p.Contract
		tokensIn[i] = p.TokenIn
		tokensOut[i] = p.TokenOut
		positions[i] = int64(p.LastPosition)
	}

	observeBatch("upsert_pools", len(pools))

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO pools (contract, token_in, token_out, last_position, updated_at)
		 SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[], $5::bigint[])
		 ON CONFLICT (contract) DO UPDATE SET
		   token_in = CASE WHEN EXCLUDED.token_in <> '' THEN EXCLUDED.token_in ELSE pools.token_in END,
		   token_out = CASE WHEN EXCLUDED.token_out <> '' THEN EXCLUDED.token_out ELSE pools.token_out END,
		   last_position = EXCLUDED.last_position,
		   updated_at = EXCLUDED.updated_at
		 WHERE pools.last_position <= EXCLUDED.last_position`,
		contracts, tokensIn, tokensOut, positions,
		repeatInt64(time.Now().Unix(), len(pools)),
	)
	return err
}

// InsertLiquidity writes liquidity event rows, ignoring redeliveries.
func (u *UnitOfWork) InsertLiquidity(ctx context.Context, events []*domain.LiquidityEvent) error {
	if len(events) == 0 {
		return nil
	}

	eventIDs := make([]string, len(events))
	poolIDs := make([]string, len(events))
	providers := make([]string, len(events))
	amounts0 := make([]string, len(events))
	amounts1 := make([]string, len(events))
	shares := make([]string, len(events))
	removed := make([]bool, len(events))
	positions := make([]int64, len(events))
	observedAts := make([]int64, len(events))

	for i, ev := range events {
		eventIDs[i] = ev.EventID
		poolIDs[i] = ev.Pool
		providers[i] = ev.Provider
		amounts0[i] = ev.Amount0
		amounts1[i] = ev.Amount1
		shares[i] = ev.Shares
		removed[i] = ev.Removed
		positions[i] = int64(ev.Position)
		observedAts[i] = ev.ObservedAt.Unix()
	}

	observeBatch("insert_liquidity", len(events))

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO liquidity_events (event_id, pool, provider, amount_0, amount_1, shares, removed, position, observed_at)
		 SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::bool[], $8::bigint[], $9::bigint[])
		 ON CONFLICT (event_id) DO NOTHING`,
		eventIDs, poolIDs, providers, amounts0, amounts1, shares, removed, positions, observedAts,
	)
	return err
}

func repeatInt64(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
