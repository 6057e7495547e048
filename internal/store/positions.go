package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigentrade/keeper/internal/types"
)

// GetPosition loads the position row for (eigen, token, wallet), or
// ErrNotFound.
func (s *Store) GetPosition(ctx context.Context, eigen types.EigenID, token, wallet common.Address) (*types.TokenPosition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT amount_raw, entry_price, total_cost, updated_at
		FROM positions WHERE eigen = :eigen AND token = :token AND wallet = :wallet`,
		sql.Named("eigen", string(eigen)),
		sql.Named("token", token.Hex()),
		sql.Named("wallet", wallet.Hex()),
	)
	var (
		amountRaw, entryPrice, totalCost string
		updatedAt                        int64
	)
	if err := row.Scan(&amountRaw, &entryPrice, &totalCost, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &types.TokenPosition{
		Eigen:      eigen,
		Token:      token,
		Wallet:     wallet,
		AmountRaw:  bigIntOrZero(amountRaw),
		EntryPrice: mustDecimal(entryPrice),
		TotalCost:  mustDecimal(totalCost),
		UpdatedAt:  time.Unix(updatedAt, 0).UTC(),
	}, nil
}

// UpsertPosition writes the position row. Zero positions are kept, not
// deleted, preserving history of fully closed positions.
func (s *Store) UpsertPosition(ctx context.Context, p *types.TokenPosition) error {
	amount := "0"
	if p.AmountRaw != nil {
		amount = p.AmountRaw.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (eigen, token, wallet, amount_raw, entry_price, total_cost, updated_at)
		VALUES (:eigen, :token, :wallet, :amount, :entry, :cost, :at)
		ON CONFLICT (eigen, token, wallet) DO UPDATE
		SET amount_raw = :amount, entry_price = :entry, total_cost = :cost, updated_at = :at`,
		sql.Named("eigen", string(p.Eigen)),
		sql.Named("token", p.Token.Hex()),
		sql.Named("wallet", p.Wallet.Hex()),
		sql.Named("amount", amount),
		sql.Named("entry", p.EntryPrice.String()),
		sql.Named("cost", p.TotalCost.String()),
		sql.Named("at", time.Now().Unix()),
	)
	return err
}

// PositionsForEigen returns every position row of the eigen for one token.
func (s *Store) PositionsForEigen(ctx context.Context, eigen types.EigenID, token common.Address) ([]*types.TokenPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, amount_raw, entry_price, total_cost, updated_at
		FROM positions WHERE eigen = :eigen AND token = :token ORDER BY wallet`,
		sql.Named("eigen", string(eigen)),
		sql.Named("token", token.Hex()),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TokenPosition
	for rows.Next() {
		var (
			wallet, amountRaw, entryPrice, totalCost string
			updatedAt                                int64
		)
		if err := rows.Scan(&wallet, &amountRaw, &entryPrice, &totalCost, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &types.TokenPosition{
			Eigen:      eigen,
			Token:      token,
			Wallet:     common.HexToAddress(wallet),
			AmountRaw:  bigIntOrZero(amountRaw),
			EntryPrice: mustDecimal(entryPrice),
			TotalCost:  mustDecimal(totalCost),
			UpdatedAt:  time.Unix(updatedAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}
