package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigentrade/keeper/internal/types"
)

// UpsertSubWallet inserts a derived wallet row if (eigen, idx) is new.
func (s *Store) UpsertSubWallet(ctx context.Context, w types.SubWallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_wallets (eigen, idx, address)
		VALUES (:eigen, :idx, :address)
		ON CONFLICT (eigen, idx) DO NOTHING`,
		sql.Named("eigen", string(w.Eigen)),
		sql.Named("idx", w.Index),
		sql.Named("address", w.Address.Hex()),
	)
	return err
}

// SubWallets returns all derived wallets of the eigen in index order.
func (s *Store) SubWallets(ctx context.Context, eigen types.EigenID) ([]types.SubWallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, address, last_trade_at, trade_count
		FROM sub_wallets WHERE eigen = :eigen ORDER BY idx`,
		sql.Named("eigen", string(eigen)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SubWallet
	for rows.Next() {
		var (
			w           types.SubWallet
			addr        string
			lastTradeAt int64
		)
		if err := rows.Scan(&w.Index, &addr, &lastTradeAt, &w.TradeCount); err != nil {
			return nil, err
		}
		w.Eigen = eigen
		w.Address = common.HexToAddress(addr)
		if lastTradeAt > 0 {
			w.LastTradeAt = time.Unix(lastTradeAt, 0).UTC()
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordSubWalletTrade bumps trade metadata on a derived wallet.
func (s *Store) RecordSubWalletTrade(ctx context.Context, eigen types.EigenID, index int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sub_wallets
		SET last_trade_at = :at, trade_count = trade_count + 1
		WHERE eigen = :eigen AND idx = :idx`,
		sql.Named("at", at.Unix()),
		sql.Named("eigen", string(eigen)),
		sql.Named("idx", index),
	)
	return err
}

// InsertImportedWallet stores an externally supplied wallet with its sealed
// private key. The key blob is opaque to the store.
func (s *Store) InsertImportedWallet(ctx context.Context, w types.ImportedWallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO imported_wallets (eigen, idx, address, encrypted_key)
		VALUES (:eigen, :idx, :address, :key)
		ON CONFLICT (eigen, idx) DO UPDATE SET address = :address, encrypted_key = :key`,
		sql.Named("eigen", string(w.Eigen)),
		sql.Named("idx", w.Index),
		sql.Named("address", w.Address.Hex()),
		sql.Named("key", w.EncryptedKey),
	)
	return err
}

// ImportedWallets returns the eigen's imported wallets in index order.
func (s *Store) ImportedWallets(ctx context.Context, eigen types.EigenID) ([]types.ImportedWallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, address, encrypted_key, last_trade_at, trade_count
		FROM imported_wallets WHERE eigen = :eigen ORDER BY idx`,
		sql.Named("eigen", string(eigen)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ImportedWallet
	for rows.Next() {
		var (
			w           types.ImportedWallet
			addr        string
			lastTradeAt int64
		)
		if err := rows.Scan(&w.Index, &addr, &w.EncryptedKey, &lastTradeAt, &w.TradeCount); err != nil {
			return nil, err
		}
		w.Eigen = eigen
		w.Address = common.HexToAddress(addr)
		if lastTradeAt > 0 {
			w.LastTradeAt = time.Unix(lastTradeAt, 0).UTC()
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordImportedWalletTrade bumps trade metadata on an imported wallet.
func (s *Store) RecordImportedWalletTrade(ctx context.Context, eigen types.EigenID, index int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE imported_wallets
		SET last_trade_at = :at, trade_count = trade_count + 1
		WHERE eigen = :eigen AND idx = :idx`,
		sql.Named("at", at.Unix()),
		sql.Named("eigen", string(eigen)),
		sql.Named("idx", index),
	)
	return err
}
