package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/types"
)

// Reconcile squares the stored position for one wallet against the live
// chain balance before a trade decision is made:
//
//   - store positive, chain zero: tokens left outside the keeper, clear
//   - store positive, chain positive: the stored position stands; drift is
//     logged, sells cap by chain balance at execution time
//   - store zero, chain positive: adopt the tokens at the current price
//
// The returned position reflects the post-reconciliation state.
func (l *Ledger) Reconcile(ctx context.Context, eigen types.EigenID, token, wallet common.Address, chainAmount *big.Int, price decimal.Decimal) (*types.TokenPosition, error) {
	p, err := l.position(ctx, eigen, token, wallet)
	if err != nil {
		return nil, err
	}

	switch {
	case p.AmountRaw.Sign() > 0 && chainAmount.Sign() == 0:
		if err := l.ClearPosition(ctx, eigen, token, wallet); err != nil {
			return nil, err
		}
		p.AmountRaw = new(big.Int)
		p.TotalCost = decimal.Zero
		p.EntryPrice = decimal.Zero

	case p.AmountRaw.Sign() > 0 && chainAmount.Sign() > 0:
		if p.AmountRaw.Cmp(chainAmount) != 0 {
			l.logger.Warn("Position amount drifted from chain",
				"eigen", eigen, "wallet", wallet,
				"stored", p.AmountRaw, "chain", chainAmount)
		}

	case p.AmountRaw.Sign() == 0 && chainAmount.Sign() > 0:
		if err := l.ReconstructPosition(ctx, eigen, token, wallet, chainAmount, price); err != nil {
			return nil, err
		}
		p.AmountRaw = new(big.Int).Set(chainAmount)
		p.EntryPrice = price
		p.TotalCost = rawToWhole(chainAmount).Mul(price)
	}

	return p, nil
}
