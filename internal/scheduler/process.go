package scheduler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/ai"
	"github.com/eigentrade/keeper/internal/budget"
	"github.com/eigentrade/keeper/internal/engine"
	"github.com/eigentrade/keeper/internal/executor"
	"github.com/eigentrade/keeper/internal/types"
	"github.com/eigentrade/keeper/internal/wallet"
)

// processEigen runs one eigen through sync, decision, gates and execution.
// Errors bubble to the cycle only as a failure count; the cycle never aborts.
func (s *Scheduler) processEigen(ctx context.Context, st *eigenState, gas *budget.CycleGasBudget) error {
	cfg := st.cfg

	spot, err := s.oracle.SpotPrice(ctx, cfg.ChainID, &cfg.Pool, cfg.Token)
	if err != nil {
		s.logger.Info("No usable price, skipping eigen", "eigen", cfg.ID, "err", err)
		return nil
	}
	st.price = spot

	// Square the ledger against live balances before any decision is made.
	for i, w := range st.wallets {
		if _, err := s.ledger.Reconcile(ctx, cfg.ID, cfg.Token, w.Address, st.tokenBals[i], spot); err != nil {
			return errors.Wrap(err, "position sync")
		}
	}
	pos, err := s.ledger.AggregatePosition(ctx, cfg.ID, cfg.Token)
	if err != nil {
		return errors.Wrap(err, "aggregate position")
	}
	st.position = pos

	action := s.engine.Decide(ctx, &engine.Inputs{
		Config:        cfg,
		NativeBalance: st.native,
		Position:      pos,
		Price:         spot,
		LastTradeAt:   st.lastTradeAt,
		CurrentBlock:  st.currentBlock,
		EmptyWallets:  st.empty,
		HeldWallets:   st.held,
	})
	if action.Kind == types.ActionNone {
		s.logger.Debug("No action this cycle", "eigen", cfg.ID, "reason", action.Reason,
			"native", types.WeiToEth(st.native), "tokens", types.WeiToEth(pos.AmountRaw), "price", spot)
		return nil
	}
	s.logger.Info("Action decided", "eigen", cfg.ID, "reason", action.Reason)

	if !s.aiGate(ctx, st, &action) {
		return nil
	}

	if action.Kind == types.ActionSell && s.sells.IsBlocked(cfg.ID) {
		return s.sellBlockedFallback(ctx, st, gas)
	}

	switch action.Kind {
	case types.ActionBuy:
		if action.Deployment {
			return s.deploymentBurst(ctx, st, action, gas)
		}
		return s.executeBuy(ctx, st, action, gas)
	case types.ActionSell:
		return s.executeSell(ctx, st, action, gas)
	}
	return nil
}

// aiGate runs the optional LLM check. A rejection stops the action; an
// adjusted amount mutates it in place. Gate failures never block: the
// evaluator fails open internally.
func (s *Scheduler) aiGate(ctx context.Context, st *eigenState, action *types.Action) bool {
	cfg := st.cfg

	tokenValue := types.WeiToEth(st.position.AmountRaw).Mul(st.price)
	total := tokenValue.Add(types.WeiToEth(st.native))
	ratio := decimal.Zero
	if total.IsPositive() {
		ratio = tokenValue.Div(total)
	}
	trades, _ := s.store.RecentTrades(ctx, cfg.ID, 10)

	verdict := s.ai.Evaluate(ctx, cfg, *action, &ai.Context{
		NativeBalance: st.native,
		Position:      st.position.AmountRaw,
		EntryPrice:    st.position.EntryPrice,
		CurrentPrice:  st.price,
		UnrealizedPct: st.position.UnrealizedPnlPct(st.price),
		TokenRatio:    ratio,
		PriceHistory:  s.oracle.History(cfg.Token, 24),
		RecentTrades:  trades,
	})
	if !verdict.Approved {
		s.logger.Info("AI rejected action", "eigen", cfg.ID, "confidence", verdict.Confidence, "reason", verdict.Reason)
		return false
	}
	if verdict.AdjustedAmount != nil {
		s.logger.Info("AI resized action", "eigen", cfg.ID, "reason", verdict.Reason)
		switch action.Kind {
		case types.ActionBuy:
			action.QuoteAmount = verdict.AdjustedAmount
		case types.ActionSell:
			action.BaseAmount = verdict.AdjustedAmount
		}
	}
	return true
}

// sellBlockedFallback keeps a blocked eigen gently active: a small buy when
// the balance allows, otherwise nothing.
func (s *Scheduler) sellBlockedFallback(ctx context.Context, st *eigenState, gas *budget.CycleGasBudget) error {
	needed := new(big.Int).Lsh(smallBuyWei, 1)
	if st.native.Cmp(needed) < 0 {
		s.logger.Info("Sells blocked and no room for fallback buy",
			"eigen", st.cfg.ID, "failures", s.sells.Failures(st.cfg.ID))
		return nil
	}
	s.logger.Info("Sells blocked, placing fallback buy",
		"eigen", st.cfg.ID, "failures", s.sells.Failures(st.cfg.ID), "lastError", s.sells.LastError(st.cfg.ID))
	w := wallet.Select(st.wallets)
	if w == nil {
		return nil
	}
	return s.buyIntoWallet(ctx, st, *w, new(big.Int).Set(smallBuyWei), gas)
}

func (s *Scheduler) executeBuy(ctx context.Context, st *eigenState, action types.Action, gas *budget.CycleGasBudget) error {
	w := wallet.Select(st.wallets)
	if w == nil {
		return errors.New("no wallets available")
	}
	return s.buyIntoWallet(ctx, st, *w, action.QuoteAmount, gas)
}

// deploymentBurst fans the deployment quote into every empty wallet with a
// pause between sends so the buys land in distinct blocks.
func (s *Scheduler) deploymentBurst(ctx context.Context, st *eigenState, action types.Action, gas *budget.CycleGasBudget) error {
	first := true
	for i, w := range st.wallets {
		if st.tokenBals[i].Sign() > 0 {
			continue
		}
		if !gas.CanAfford(perEigenGasEstimate) {
			s.logger.Info("Cycle gas budget exhausted mid-deployment", "eigen", st.cfg.ID)
			break
		}
		if !first {
			s.delay(interTradeDelay)
		}
		first = false
		if err := s.buyIntoWallet(ctx, st, w, new(big.Int).Set(action.QuoteAmount), gas); err != nil {
			s.logger.Warn("Deployment buy failed", "eigen", st.cfg.ID, "wallet", w.Address, "err", err)
		}
	}
	return nil
}

func (s *Scheduler) buyIntoWallet(ctx context.Context, st *eigenState, w types.SubWallet, quote *big.Int, gas *budget.CycleGasBudget) error {
	cfg := st.cfg

	if _, err := s.wallets.FundIfNeeded(ctx, s.chainID, w, cfg); err != nil {
		s.logger.Warn("Wallet top-up failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
	}

	var res *executor.BuyResult
	var err error
	if s.vault != nil {
		res, err = s.exec.BuyViaVault(ctx, cfg, w.Address, quote)
	} else {
		key, kerr := s.wallets.KeyFor(ctx, cfg, w)
		if kerr != nil {
			return errors.Wrap(kerr, "wallet key")
		}
		res, err = s.exec.BuyDirect(ctx, cfg, key, quote)
	}
	if err != nil {
		return errors.Wrap(err, "buy")
	}
	gas.RecordSpend(res.GasCostEth)

	if res.TokensReceived.Sign() > 0 {
		if _, err := s.ledger.RecordBuy(ctx, cfg.ID, cfg.Token, w.Address, res.TokensReceived, st.price); err != nil {
			s.logger.Warn("Ledger buy update failed", "eigen", cfg.ID, "err", err)
		}
	}
	s.recordTrade(ctx, cfg, w, types.TradeBuy, res.TokensReceived,
		types.WeiToEth(quote), st.price, decimal.Zero, res.GasCostEth, res.TxHash, res.Router)
	s.spend.RecordBuy(cfg.ID, types.WeiToEth(quote), types.WeiToEth(st.native))
	return nil
}

// executeSell walks wallets in order, capping each leg by the wallet's
// on-chain balance, until the decision quantity is satisfied or wallets run
// out.
func (s *Scheduler) executeSell(ctx context.Context, st *eigenState, action types.Action, gas *budget.CycleGasBudget) error {
	cfg := st.cfg
	remaining := new(big.Int).Set(action.BaseAmount)
	sold := false
	anyTokens := false

	for i, w := range st.wallets {
		if remaining.Sign() == 0 {
			break
		}
		bal := st.tokenBals[i]
		if bal.Sign() == 0 {
			continue
		}
		anyTokens = true

		portion := new(big.Int).Set(remaining)
		if portion.Cmp(bal) > 0 {
			portion.Set(bal)
		}
		key, err := s.wallets.KeyFor(ctx, cfg, w)
		if err != nil {
			s.logger.Warn("Wallet key unavailable", "eigen", cfg.ID, "wallet", w.Address, "err", err)
			continue
		}
		if _, err := s.wallets.FundIfNeeded(ctx, s.chainID, w, cfg); err != nil {
			s.logger.Warn("Wallet top-up failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
		}

		res, err := s.exec.Sell(ctx, cfg, key, portion)
		if err != nil {
			s.sells.RecordFailure(cfg.ID, err.Error())
			failuresCounter.Inc(1)
			s.logger.Warn("Sell failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
			continue
		}
		sold = true
		remaining.Sub(remaining, portion)
		gas.RecordSpend(res.GasCostEth)

		realized, lerr := s.ledger.RecordSell(ctx, cfg.ID, cfg.Token, w.Address, res.TokensSold, st.price)
		if lerr != nil {
			s.logger.Warn("Ledger sell update failed", "eigen", cfg.ID, "err", lerr)
			realized = decimal.Zero
		}
		s.recordTrade(ctx, cfg, w, action.Variant.TradeType(), res.TokensSold,
			types.WeiToEth(res.ProceedsWei), st.price, realized, res.GasCostEth, res.TxHash, common.Address{})
	}

	if !anyTokens {
		s.sells.RecordFailure(cfg.ID, "no_tokens_in_wallets")
		return errors.New("no_tokens_in_wallets")
	}
	if sold {
		s.sells.RecordSuccess(cfg.ID)
	}
	return nil
}

// recordTrade persists the trade row and its side effects: wallet trade
// metadata, the eigen's gas spend, and a price snapshot. Failures here are
// logged; the trade itself already happened on chain.
func (s *Scheduler) recordTrade(ctx context.Context, cfg *types.EigenConfig, w types.SubWallet,
	typ types.TradeType, amountToken *big.Int, amountNative, spot, realized, gasCost decimal.Decimal,
	txHash common.Hash, router common.Address) {

	tr := &types.TradeRecord{
		ID:           uuid.NewString(),
		Eigen:        cfg.ID,
		Type:         typ,
		Wallet:       w.Address,
		Token:        cfg.Token,
		AmountToken:  amountToken,
		AmountNative: amountNative,
		Price:        spot,
		RealizedPnl:  realized,
		GasCostEth:   gasCost,
		TxHash:       txHash,
		Router:       router,
		PoolVersion:  cfg.Pool.Version,
		Timestamp:    s.now().UTC(),
	}
	if err := s.store.InsertTrade(ctx, tr); err != nil {
		s.logger.Warn("Trade record insert failed", "eigen", cfg.ID, "err", err)
	}
	if err := s.wallets.RecordTrade(ctx, cfg, w.Index); err != nil {
		s.logger.Warn("Wallet trade metadata update failed", "eigen", cfg.ID, "err", err)
	}
	if !gasCost.IsZero() {
		if err := s.store.AddGasSpent(ctx, cfg.ID, gasCost); err != nil {
			s.logger.Warn("Gas spend record failed", "eigen", cfg.ID, "err", err)
		}
	}
	if spot.IsPositive() {
		if err := s.oracle.Snapshot(ctx, cfg.Token, spot, "trade"); err != nil {
			s.logger.Warn("Price snapshot failed", "eigen", cfg.ID, "err", err)
		}
	}
	tradesCounter.Inc(1)
}
