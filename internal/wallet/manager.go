package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/types"
)

// Store is the persistence surface the manager needs.
type Store interface {
	SubWallets(ctx context.Context, eigen types.EigenID) ([]types.SubWallet, error)
	UpsertSubWallet(ctx context.Context, w types.SubWallet) error
	RecordSubWalletTrade(ctx context.Context, eigen types.EigenID, index int, at time.Time) error
	ImportedWallets(ctx context.Context, eigen types.EigenID) ([]types.ImportedWallet, error)
	RecordImportedWalletTrade(ctx context.Context, eigen types.EigenID, index int, at time.Time) error
	AddGasSpent(ctx context.Context, eigen types.EigenID, amount decimal.Decimal) error
}

// BalanceReader reads native balances.
type BalanceReader interface {
	Balance(ctx context.Context, chainID uint64, addr common.Address) (*big.Int, error)
}

// NativeSender transfers native funds, used for gas top-ups.
type NativeSender interface {
	SendNative(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*chain.SendResult, error)
}

var (
	// gasFloorWei is the native balance below which a sub-wallet cannot pay
	// for its own transactions.
	gasFloorWei = types.EthToWei(decimal.RequireFromString("0.002"))
	// topUpWei is the fixed master-wallet transfer used to refill one wallet.
	topUpWei = types.EthToWei(decimal.RequireFromString("0.005"))
	topUpEth = types.WeiToEth(topUpWei)
)

// Manager owns the sub-wallet fleet for every eigen.
type Manager struct {
	master   *ecdsa.PrivateKey
	keeper   common.Address
	store    Store
	balances BalanceReader
	sender   NativeSender
	logger   log.Logger
}

func NewManager(masterHex string, store Store, balances BalanceReader, sender NativeSender) (*Manager, error) {
	master, err := ParseKeyHex(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return &Manager{
		master:   master,
		keeper:   gethcrypto.PubkeyToAddress(master.PublicKey),
		store:    store,
		balances: balances,
		sender:   sender,
		logger:   log.New("component", "wallet"),
	}, nil
}

// MasterKey exposes the process-lifetime master secret for signing.
func (m *Manager) MasterKey() *ecdsa.PrivateKey { return m.master }

// KeeperAddress is the master wallet's address.
func (m *Manager) KeeperAddress() common.Address { return m.keeper }

// DeriveOrGet ensures the first count derived wallets exist in the store and
// returns them in index order. Idempotent.
func (m *Manager) DeriveOrGet(ctx context.Context, eigen types.EigenID, count int) ([]types.SubWallet, error) {
	if count < 1 {
		count = 1
	}
	existing, err := m.store.SubWallets(ctx, eigen)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]types.SubWallet, len(existing))
	for _, w := range existing {
		byIndex[w.Index] = w
	}

	wallets := make([]types.SubWallet, 0, count)
	for i := 0; i < count; i++ {
		if w, ok := byIndex[i]; ok {
			wallets = append(wallets, w)
			continue
		}
		addr, err := DeriveAddress(m.master, eigen, i)
		if err != nil {
			return nil, err
		}
		w := types.SubWallet{Eigen: eigen, Index: i, Address: addr}
		if err := m.store.UpsertSubWallet(ctx, w); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// WalletsFor returns the eigen's execution wallets: imported wallets when the
// config says so and any exist, derived otherwise.
func (m *Manager) WalletsFor(ctx context.Context, cfg *types.EigenConfig, count int) ([]types.SubWallet, error) {
	if cfg.WalletSource == types.WalletSourceImported {
		imported, err := m.store.ImportedWallets(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		if len(imported) > 0 {
			wallets := make([]types.SubWallet, 0, len(imported))
			for _, iw := range imported {
				wallets = append(wallets, iw.SubWallet)
			}
			if len(wallets) > count && count > 0 {
				wallets = wallets[:count]
			}
			return wallets, nil
		}
		// Fall back to derived when no imports exist yet.
	}
	return m.DeriveOrGet(ctx, cfg.ID, count)
}

// Select picks the next wallet to trade with: wallets that never traded win,
// then the oldest last_trade_at.
func Select(wallets []types.SubWallet) *types.SubWallet {
	if len(wallets) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(wallets); i++ {
		a, b := wallets[i], wallets[best]
		switch {
		case a.LastTradeAt.IsZero() && !b.LastTradeAt.IsZero():
			best = i
		case !a.LastTradeAt.IsZero() && b.LastTradeAt.IsZero():
			// keep best
		case a.LastTradeAt.Before(b.LastTradeAt):
			best = i
		}
	}
	return &wallets[best]
}

// KeyFor returns the signing key for one of the eigen's wallets, rederiving
// for the derived source or decrypting for imports. Never logs key material.
func (m *Manager) KeyFor(ctx context.Context, cfg *types.EigenConfig, w types.SubWallet) (*ecdsa.PrivateKey, error) {
	if cfg.WalletSource == types.WalletSourceImported {
		imported, err := m.store.ImportedWallets(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		for _, iw := range imported {
			if iw.Index == w.Index {
				keyHex, err := DecryptPrivateKey(m.master, iw.EncryptedKey)
				if err != nil {
					return nil, err
				}
				return ParseKeyHex(keyHex)
			}
		}
		// Imported source with no matching row: the wallet was derived.
	}
	return DeriveKey(m.master, cfg.ID, w.Index)
}

// RecordTrade bumps trade metadata on the wallet, dispatching to the table
// matching the eigen's wallet source.
func (m *Manager) RecordTrade(ctx context.Context, cfg *types.EigenConfig, index int) error {
	now := time.Now().UTC()
	if cfg.WalletSource == types.WalletSourceImported {
		imported, err := m.store.ImportedWallets(ctx, cfg.ID)
		if err == nil {
			for _, iw := range imported {
				if iw.Index == index {
					return m.store.RecordImportedWalletTrade(ctx, cfg.ID, index, now)
				}
			}
		}
	}
	return m.store.RecordSubWalletTrade(ctx, cfg.ID, index, now)
}

// FundIfNeeded tops up the wallet from the master when its native balance is
// under the gas floor. With a config present the eigen's remaining gas budget
// gates the transfer; an exhausted budget skips silently with a log line.
// The top-up (plus its own gas) is charged to gas_spent_eth.
func (m *Manager) FundIfNeeded(ctx context.Context, chainID uint64, w types.SubWallet, cfg *types.EigenConfig) (bool, error) {
	bal, err := m.balances.Balance(ctx, chainID, w.Address)
	if err != nil {
		return false, err
	}
	if bal.Cmp(gasFloorWei) >= 0 {
		return false, nil
	}

	if cfg != nil && cfg.GasRemaining().LessThan(topUpEth) {
		m.logger.Info("Gas budget exhausted, skipping top-up",
			"eigen", cfg.ID, "wallet", w.Address, "remaining", cfg.GasRemaining())
		return false, nil
	}

	res, err := m.sender.SendNative(ctx, chainID, m.master, w.Address, topUpWei)
	if err != nil {
		return false, fmt.Errorf("fund wallet %s: %w", w.Address.Hex(), err)
	}
	m.logger.Info("Funded sub-wallet", "wallet", w.Address, "amount", topUpEth, "tx", res.TxHash)

	if cfg != nil {
		spent := topUpEth.Add(res.GasCostEth)
		if err := m.store.AddGasSpent(ctx, cfg.ID, spent); err != nil {
			m.logger.Warn("Failed to record gas spend", "eigen", cfg.ID, "err", err)
		}
	}
	return true, nil
}
