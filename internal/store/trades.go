package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/eigentrade/keeper/internal/types"
)

// InsertTrade appends one immutable trade record. A missing id is filled in.
func (s *Store) InsertTrade(ctx context.Context, tr *types.TradeRecord) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
	amountToken := "0"
	if tr.AmountToken != nil {
		amountToken = tr.AmountToken.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, eigen, type, wallet, token, amount_token, amount_native,
			price, realized_pnl, gas_cost_eth, tx_hash, router, pool_version, created_at
		) VALUES (
			:id, :eigen, :type, :wallet, :token, :amount_token, :amount_native,
			:price, :realized_pnl, :gas_cost_eth, :tx_hash, :router, :pool_version, :created_at
		)`,
		sql.Named("id", tr.ID),
		sql.Named("eigen", string(tr.Eigen)),
		sql.Named("type", string(tr.Type)),
		sql.Named("wallet", tr.Wallet.Hex()),
		sql.Named("token", tr.Token.Hex()),
		sql.Named("amount_token", amountToken),
		sql.Named("amount_native", tr.AmountNative.String()),
		sql.Named("price", tr.Price.String()),
		sql.Named("realized_pnl", tr.RealizedPnl.String()),
		sql.Named("gas_cost_eth", tr.GasCostEth.String()),
		sql.Named("tx_hash", tr.TxHash.Hex()),
		sql.Named("router", tr.Router.Hex()),
		sql.Named("pool_version", string(tr.PoolVersion)),
		sql.Named("created_at", tr.Timestamp.Unix()),
	)
	return err
}

// RecentTrades returns the eigen's latest trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, eigen types.EigenID, limit int) ([]*types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, wallet, token, amount_token, amount_native,
		       price, realized_pnl, gas_cost_eth, tx_hash, router, pool_version, created_at
		FROM trades WHERE eigen = :eigen
		ORDER BY created_at DESC LIMIT :limit`,
		sql.Named("eigen", string(eigen)),
		sql.Named("limit", limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TradeRecord
	for rows.Next() {
		var (
			tr                                 types.TradeRecord
			typ, wallet, token, amountToken    string
			amountNative, price, pnl, gasCost  string
			txHash, router, poolVersion        string
			createdAt                          int64
		)
		if err := rows.Scan(&tr.ID, &typ, &wallet, &token, &amountToken,
			&amountNative, &price, &pnl, &gasCost, &txHash, &router, &poolVersion, &createdAt); err != nil {
			return nil, err
		}
		tr.Eigen = eigen
		tr.Type = types.TradeType(typ)
		tr.Wallet = common.HexToAddress(wallet)
		tr.Token = common.HexToAddress(token)
		tr.AmountToken = bigIntOrZero(amountToken)
		tr.AmountNative = mustDecimal(amountNative)
		tr.Price = mustDecimal(price)
		tr.RealizedPnl = mustDecimal(pnl)
		tr.GasCostEth = mustDecimal(gasCost)
		tr.TxHash = common.HexToHash(txHash)
		tr.Router = common.HexToAddress(router)
		tr.PoolVersion = types.PoolVersion(poolVersion)
		tr.Timestamp = time.Unix(createdAt, 0).UTC()
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// LastTradeTime returns the timestamp of the eigen's latest trade, zero when
// it never traded.
func (s *Store) LastTradeTime(ctx context.Context, eigen types.EigenID) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM trades WHERE eigen = :eigen ORDER BY created_at DESC LIMIT 1`,
		sql.Named("eigen", string(eigen)))
	var createdAt int64
	if err := row.Scan(&createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Unix(createdAt, 0).UTC(), nil
}

// TradeCount counts the eigen's recorded trades.
func (s *Store) TradeCount(ctx context.Context, eigen types.EigenID) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE eigen = :eigen`, sql.Named("eigen", string(eigen)))
	var n int
	err := row.Scan(&n)
	return n, err
}

// InsertSnapshot appends a price observation.
func (s *Store) InsertSnapshot(ctx context.Context, snap *types.PriceSnapshot) error {
	at := snap.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (token, price, source, created_at)
		VALUES (:token, :price, :source, :created_at)`,
		sql.Named("token", snap.Token.Hex()),
		sql.Named("price", snap.Price.String()),
		sql.Named("source", snap.Source),
		sql.Named("created_at", at.Unix()),
	)
	return err
}

// RecentSnapshots returns the token's latest snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, token common.Address, limit int) ([]*types.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT price, source, created_at FROM price_snapshots
		WHERE token = :token ORDER BY created_at DESC LIMIT :limit`,
		sql.Named("token", token.Hex()),
		sql.Named("limit", limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PriceSnapshot
	for rows.Next() {
		var (
			price, source string
			createdAt     int64
		)
		if err := rows.Scan(&price, &source, &createdAt); err != nil {
			return nil, err
		}
		out = append(out, &types.PriceSnapshot{
			Token:     token,
			Price:     mustDecimal(price),
			Source:    source,
			Timestamp: time.Unix(createdAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}

// InsertEvaluation appends an AI gate record.
func (s *Store) InsertEvaluation(ctx context.Context, ev *types.AIEvaluation) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_evaluations (
			eigen, action, approved, confidence, reason, adjusted_amount,
			suggested_wait, model, latency_ms, tokens, created_at
		) VALUES (
			:eigen, :action, :approved, :confidence, :reason, :adjusted_amount,
			:suggested_wait, :model, :latency_ms, :tokens, :created_at
		)`,
		sql.Named("eigen", string(ev.Eigen)),
		sql.Named("action", ev.Action),
		sql.Named("approved", boolToInt(ev.Approved)),
		sql.Named("confidence", ev.Confidence),
		sql.Named("reason", ev.Reason),
		sql.Named("adjusted_amount", ev.AdjustedAmount.String()),
		sql.Named("suggested_wait", int64(ev.SuggestedWait.Seconds())),
		sql.Named("model", ev.Model),
		sql.Named("latency_ms", ev.Latency.Milliseconds()),
		sql.Named("tokens", ev.Tokens),
		sql.Named("created_at", at.Unix()),
	)
	return err
}
