// Package engine decides, per eigen per cycle, whether to buy, sell, take
// profit, cut losses, mirror external buy flow, or stand down. Rules are a
// strict priority ladder: the first rule whose guard holds wins and later
// rules are never consulted.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/ledger"
	"github.com/eigentrade/keeper/internal/types"
)

var (
	// Deployment ends once the native balance drops below this.
	deployFloorWei = types.EthToWei(decimal.NewFromFloat(0.05))
	// Reactive eigens stand down from market-making while funded above this.
	reactiveFloorWei = types.EthToWei(decimal.NewFromFloat(0.01))
	// Minimum native balance for a market-making buy.
	buyFloorWei = types.EthToWei(decimal.NewFromFloat(0.005))

	deployFraction = decimal.NewFromFloat(0.8)
)

// BuyFlowScanner reports external buy pressure on the eigen's pool since
// fromBlock. latestBlock is always meaningful, even with zero buys.
type BuyFlowScanner interface {
	ScanExternalBuys(ctx context.Context, cfg *types.EigenConfig, fromBlock, currentBlock uint64) (totalBaseIn *big.Int, buyCount int, latestBlock uint64, err error)
}

// CursorStore persists the reactive-scan cursor.
type CursorStore interface {
	SetLastScannedBlock(ctx context.Context, eigen types.EigenID, block uint64) error
}

// Inputs is everything one decision needs, assembled by the scheduler.
type Inputs struct {
	Config        *types.EigenConfig
	NativeBalance *big.Int // wei available to trade (vault or wallet sum)
	Position      *ledger.Aggregate
	Price         decimal.Decimal
	LastTradeAt   time.Time // zero when the eigen never traded
	CurrentBlock  uint64
	EmptyWallets  int // sub-wallets currently holding no tokens
	HeldWallets   int // sub-wallets currently holding tokens
}

// Engine evaluates the priority ladder.
type Engine struct {
	scanner BuyFlowScanner
	cursors CursorStore
	logger  log.Logger
	now     func() time.Time
	randPct func(min, max float64) float64
}

func New(scanner BuyFlowScanner, cursors CursorStore) *Engine {
	return &Engine{
		scanner: scanner,
		cursors: cursors,
		logger:  log.New("component", "engine"),
		now:     time.Now,
		randPct: func(min, max float64) float64 {
			if max <= min {
				return min
			}
			return min + rand.Float64()*(max-min)
		},
	}
}

// Decide walks the ladder: stop-loss, profit-take, reactive-sell,
// deployment, timing gate, ratio market-making.
func (e *Engine) Decide(ctx context.Context, in *Inputs) types.Action {
	cfg := in.Config
	if cfg.Status != types.StatusActive {
		return types.NoAction("eigen not active")
	}
	if !in.Price.IsPositive() {
		return types.NoAction("no usable price")
	}

	holding := in.Position != nil && in.Position.AmountRaw.Sign() > 0

	if holding {
		pnlPct := in.Position.UnrealizedPnlPct(in.Price)

		if cfg.StopLossPct > 0 && pnlPct.LessThanOrEqual(decimal.NewFromFloat(-cfg.StopLossPct)) {
			pnl, _ := pnlPct.Float64()
			reason := fmt.Sprintf("stop_loss_triggered: %.1f%% <= -%g%%", pnl, cfg.StopLossPct)
			return types.SellAction(new(big.Int).Set(in.Position.AmountRaw), types.SellStopLoss, reason)
		}

		if cfg.ProfitTargetPct > 0 && pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.ProfitTargetPct)) {
			// Sell only the tokens whose value equals the unrealized profit.
			value := types.WeiToEth(in.Position.AmountRaw).Mul(in.Price)
			profit := value.Sub(in.Position.TotalCost)
			tokens := types.EthToWei(profit.Div(in.Price))
			if tokens.Sign() > 0 && tokens.Cmp(in.Position.AmountRaw) <= 0 {
				pnl, _ := pnlPct.Float64()
				reason := fmt.Sprintf("profit_take: +%.1f%% >= %g%%", pnl, cfg.ProfitTargetPct)
				return types.SellAction(tokens, types.SellProfitTake, reason)
			}
		}
	}

	if cfg.ReactiveSellMode && cfg.Pool.Address != (common.Address{}) {
		if act, decided := e.reactive(ctx, in, holding); decided {
			return act
		}
	}

	if act, decided := e.deployment(in); decided {
		return act
	}

	if cfg.TradesPerHour > 0 && !in.LastTradeAt.IsZero() {
		minGap := time.Duration(3600 / cfg.TradesPerHour * float64(time.Second))
		if since := e.now().Sub(in.LastTradeAt); since < minGap {
			return types.NoAction(fmt.Sprintf("timing gate: %s since last trade, need %s", since.Round(time.Second), minGap))
		}
	}

	return e.marketMake(in, holding)
}

// reactive runs ladder rule three. The bool result reports whether the rule
// decided the cycle; false means fall through to deployment.
func (e *Engine) reactive(ctx context.Context, in *Inputs, holding bool) (types.Action, bool) {
	cfg := in.Config

	fromBlock := in.CurrentBlock
	if cfg.LastScannedBlock > 0 {
		fromBlock = cfg.LastScannedBlock + 1
	}

	totalBaseIn, buyCount, latest, err := e.scanner.ScanExternalBuys(ctx, cfg, fromBlock, in.CurrentBlock)
	if err != nil {
		e.logger.Warn("External-buy scan failed", "eigen", cfg.ID, "err", err)
		return types.NoAction("reactive scan failed"), true
	}
	// The cursor always advances, found buys or not.
	if err := e.cursors.SetLastScannedBlock(ctx, cfg.ID, latest); err != nil {
		e.logger.Warn("Cursor persist failed", "eigen", cfg.ID, "err", err)
	}

	if totalBaseIn.Sign() > 0 && in.Price.IsPositive() {
		pct := decimal.NewFromFloat(cfg.ReactiveSellPct).Div(decimal.NewFromInt(100))
		sellValue := types.WeiToEth(totalBaseIn).Mul(pct)
		tokens := types.EthToWei(sellValue.Div(in.Price))
		if holding && tokens.Cmp(in.Position.AmountRaw) > 0 {
			tokens = new(big.Int).Set(in.Position.AmountRaw)
		}
		if !holding || tokens.Sign() == 0 {
			return types.NoAction("external buys seen but nothing to mirror"), true
		}
		reason := fmt.Sprintf("reactive_sell: mirroring %d external buys, %s in",
			buyCount, types.WeiToEth(totalBaseIn))
		return types.SellAction(tokens, types.SellReactive, reason), true
	}

	// A funded reactive eigen waits for buy flow instead of quoting.
	if in.NativeBalance.Cmp(reactiveFloorWei) > 0 {
		return types.NoAction("reactive mode: waiting for external buys"), true
	}
	return types.Action{}, false
}

// deployment runs ladder rule four: distribute capital into empty wallets.
func (e *Engine) deployment(in *Inputs) (types.Action, bool) {
	deploying := in.HeldWallets == 0 ||
		(in.HeldWallets > 0 && in.NativeBalance.Cmp(deployFloorWei) > 0 && in.EmptyWallets > 0)
	if !deploying || in.EmptyWallets == 0 || in.NativeBalance.Sign() == 0 {
		return types.Action{}, false
	}
	perWallet := types.WeiToEth(in.NativeBalance).
		Mul(deployFraction).
		Div(decimal.NewFromInt(int64(in.EmptyWallets)))
	quote := types.EthToWei(perWallet)
	if quote.Sign() <= 0 {
		return types.Action{}, false
	}
	reason := fmt.Sprintf("deployment: %d empty wallets, %s each", in.EmptyWallets, perWallet)
	return types.DeployBuyAction(quote, reason), true
}

// marketMake runs the final ladder rule: keep token value near the target
// share of the combined balance, with a dead band so small drifts do not
// churn.
func (e *Engine) marketMake(in *Inputs, holding bool) types.Action {
	cfg := in.Config

	tokenValue := decimal.Zero
	if holding {
		tokenValue = types.WeiToEth(in.Position.AmountRaw).Mul(in.Price)
	}
	nativeValue := types.WeiToEth(in.NativeBalance)
	total := tokenValue.Add(nativeValue)
	if !total.IsPositive() {
		return types.NoAction("no balance on either side")
	}
	ratio := tokenValue.Div(total)

	pct := e.randPct(cfg.OrderSizeMinPct, cfg.OrderSizeMaxPct)
	size := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))

	var sell bool
	switch {
	case ratio.GreaterThan(decimal.NewFromFloat(0.90)):
		sell = true
	case ratio.LessThan(decimal.NewFromFloat(0.70)):
		sell = false
	default:
		sell = ratio.GreaterThan(decimal.NewFromFloat(0.80))
	}

	if !sell && in.NativeBalance.Cmp(buyFloorWei) < 0 {
		// Cannot buy; sell only when the token side dominates.
		if ratio.GreaterThan(decimal.NewFromFloat(0.50)) {
			sell = true
		} else {
			return types.NoAction("native balance below buy floor")
		}
	}

	if sell {
		if !holding {
			return types.NoAction("sell side chosen but no tokens held")
		}
		tokens := decimal.NewFromBigInt(in.Position.AmountRaw, 0).Mul(size).BigInt()
		if tokens.Sign() == 0 {
			return types.NoAction("computed sell rounds to zero")
		}
		reason := fmt.Sprintf("market_making: ratio %s, selling %.1f%% of position", ratio.Round(3), pct)
		return types.SellAction(tokens, types.SellPlain, reason)
	}

	quote := types.EthToWei(nativeValue.Mul(size))
	if quote.Sign() == 0 {
		return types.NoAction("computed buy rounds to zero")
	}
	reason := fmt.Sprintf("market_making: ratio %s, buying with %.1f%% of balance", ratio.Round(3), pct)
	return types.BuyAction(quote, reason)
}
