// Package ledger keeps the keeper's view of token positions in lockstep
// with on-chain reality: weighted-average entries on buys, proportional cost
// reduction and realized P&L on sells, and reconciliation against live
// balances.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/store"
	"github.com/eigentrade/keeper/internal/types"
)

var ErrOversell = errors.New("sell exceeds held amount")

// Store is the persistence surface the ledger needs.
type Store interface {
	GetPosition(ctx context.Context, eigen types.EigenID, token, wallet common.Address) (*types.TokenPosition, error)
	UpsertPosition(ctx context.Context, p *types.TokenPosition) error
	PositionsForEigen(ctx context.Context, eigen types.EigenID, token common.Address) ([]*types.TokenPosition, error)
}

// Ledger applies position math on top of the store.
type Ledger struct {
	store  Store
	logger log.Logger
}

func New(s Store) *Ledger {
	return &Ledger{store: s, logger: log.New("component", "ledger")}
}

func (l *Ledger) position(ctx context.Context, eigen types.EigenID, token, wallet common.Address) (*types.TokenPosition, error) {
	p, err := l.store.GetPosition(ctx, eigen, token, wallet)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &types.TokenPosition{
				Eigen: eigen, Token: token, Wallet: wallet, AmountRaw: new(big.Int),
			}, nil
		}
		return nil, err
	}
	return p, nil
}

// rawToWhole converts token base units to whole tokens for price math.
func rawToWhole(raw *big.Int) decimal.Decimal {
	return types.WeiToEth(raw)
}

// RecordBuy folds a buy of qty base units at price into the position.
// total_cost grows by qty*price and entry_price becomes the weighted
// average cost per token.
func (l *Ledger) RecordBuy(ctx context.Context, eigen types.EigenID, token, wallet common.Address, qty *big.Int, price decimal.Decimal) (*types.TokenPosition, error) {
	if qty == nil || qty.Sign() <= 0 {
		return nil, errors.New("buy quantity must be positive")
	}
	p, err := l.position(ctx, eigen, token, wallet)
	if err != nil {
		return nil, err
	}

	cost := rawToWhole(qty).Mul(price)
	p.AmountRaw = new(big.Int).Add(p.AmountRaw, qty)
	p.TotalCost = p.TotalCost.Add(cost)
	if whole := rawToWhole(p.AmountRaw); whole.IsPositive() {
		p.EntryPrice = p.TotalCost.Div(whole)
	}

	if err := l.store.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordSell reduces the position by qty base units sold at price and
// returns the realized P&L: qty*(price − entry). Cost shrinks by the sold
// fraction; the entry price of the remainder is unchanged. A full close
// zeroes the row without deleting it.
func (l *Ledger) RecordSell(ctx context.Context, eigen types.EigenID, token, wallet common.Address, qty *big.Int, price decimal.Decimal) (decimal.Decimal, error) {
	if qty == nil || qty.Sign() <= 0 {
		return decimal.Zero, errors.New("sell quantity must be positive")
	}
	p, err := l.position(ctx, eigen, token, wallet)
	if err != nil {
		return decimal.Zero, err
	}
	if p.AmountRaw.Cmp(qty) < 0 {
		return decimal.Zero, ErrOversell
	}

	soldWhole := rawToWhole(qty)
	realized := soldWhole.Mul(price.Sub(p.EntryPrice))

	remaining := new(big.Int).Sub(p.AmountRaw, qty)
	if remaining.Sign() == 0 {
		p.AmountRaw = remaining
		p.TotalCost = decimal.Zero
		p.EntryPrice = decimal.Zero
	} else {
		fraction := soldWhole.Div(rawToWhole(p.AmountRaw))
		p.TotalCost = p.TotalCost.Mul(decimal.NewFromInt(1).Sub(fraction))
		p.AmountRaw = remaining
		// entry price unchanged on partial close
	}

	if err := l.store.UpsertPosition(ctx, p); err != nil {
		return decimal.Zero, err
	}
	return realized, nil
}

// ClearPosition zeroes a position whose tokens left the wallet outside the
// keeper (chain shows zero, store shows positive). No P&L is attributed.
func (l *Ledger) ClearPosition(ctx context.Context, eigen types.EigenID, token, wallet common.Address) error {
	p, err := l.position(ctx, eigen, token, wallet)
	if err != nil {
		return err
	}
	if p.IsZero() {
		return nil
	}
	l.logger.Warn("Clearing externally drained position",
		"eigen", eigen, "wallet", wallet, "amount", p.AmountRaw)
	p.AmountRaw = new(big.Int)
	p.TotalCost = decimal.Zero
	p.EntryPrice = decimal.Zero
	return l.store.UpsertPosition(ctx, p)
}

// ReconstructPosition adopts tokens found on chain with no store record,
// booking them at the current price as entry.
func (l *Ledger) ReconstructPosition(ctx context.Context, eigen types.EigenID, token, wallet common.Address, chainAmount *big.Int, price decimal.Decimal) error {
	p := &types.TokenPosition{
		Eigen:      eigen,
		Token:      token,
		Wallet:     wallet,
		AmountRaw:  new(big.Int).Set(chainAmount),
		EntryPrice: price,
		TotalCost:  rawToWhole(chainAmount).Mul(price),
	}
	l.logger.Info("Reconstructed position from chain",
		"eigen", eigen, "wallet", wallet, "amount", chainAmount, "price", price)
	return l.store.UpsertPosition(ctx, p)
}

// Aggregate sums the eigen's positions across wallets for one token.
type Aggregate struct {
	AmountRaw  *big.Int
	TotalCost  decimal.Decimal
	EntryPrice decimal.Decimal // cost-weighted average across wallets
}

// AggregatePosition returns the eigen-wide position for token.
func (l *Ledger) AggregatePosition(ctx context.Context, eigen types.EigenID, token common.Address) (*Aggregate, error) {
	positions, err := l.store.PositionsForEigen(ctx, eigen, token)
	if err != nil {
		return nil, err
	}
	agg := &Aggregate{AmountRaw: new(big.Int)}
	for _, p := range positions {
		if p.IsZero() {
			continue
		}
		agg.AmountRaw.Add(agg.AmountRaw, p.AmountRaw)
		agg.TotalCost = agg.TotalCost.Add(p.TotalCost)
	}
	if whole := rawToWhole(agg.AmountRaw); whole.IsPositive() {
		agg.EntryPrice = agg.TotalCost.Div(whole)
	}
	return agg, nil
}

// UnrealizedPnlPct returns the percentage gain/loss of the aggregate at the
// given price, zero when there is no position or no cost basis.
func (a *Aggregate) UnrealizedPnlPct(price decimal.Decimal) decimal.Decimal {
	if a.AmountRaw.Sign() == 0 || !a.TotalCost.IsPositive() {
		return decimal.Zero
	}
	value := rawToWhole(a.AmountRaw).Mul(price)
	return value.Sub(a.TotalCost).Div(a.TotalCost).Mul(decimal.NewFromInt(100))
}
