package types

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ActionKind discriminates the decision engine's output.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionBuy
	ActionSell
)

// SellVariant refines a sell action for trade recording and alerting.
type SellVariant uint8

const (
	SellPlain SellVariant = iota
	SellStopLoss
	SellProfitTake
	SellReactive
	SellLiquidation
)

func (v SellVariant) TradeType() TradeType {
	switch v {
	case SellStopLoss, SellPlain:
		return TradeSell
	case SellProfitTake:
		return TradeProfitTake
	case SellReactive:
		return TradeReactiveSell
	case SellLiquidation:
		return TradeLiquidation
	}
	return TradeSell
}

// Action is the decision engine's verdict for one eigen in one cycle.
// Buys are sized in the base asset (wei), sells in token base units.
type Action struct {
	Kind        ActionKind
	QuoteAmount *big.Int // wei to spend, buys only
	BaseAmount  *big.Int // token units to sell, sells only
	Variant     SellVariant
	Deployment  bool // buy is one leg of a deployment burst
	Reason      string
}

// NoAction is the empty decision with a diagnostic reason.
func NoAction(reason string) Action {
	return Action{Kind: ActionNone, Reason: reason}
}

// BuyAction proposes spending quote wei of the base asset.
func BuyAction(quote *big.Int, reason string) Action {
	return Action{Kind: ActionBuy, QuoteAmount: quote, Reason: reason}
}

// DeployBuyAction proposes one per-wallet leg of a deployment burst.
func DeployBuyAction(quote *big.Int, reason string) Action {
	return Action{Kind: ActionBuy, QuoteAmount: quote, Deployment: true, Reason: reason}
}

// SellAction proposes selling base token units.
func SellAction(base *big.Int, variant SellVariant, reason string) Action {
	return Action{Kind: ActionSell, BaseAmount: base, Variant: variant, Reason: reason}
}

// ethUnit is 1e18, the wei value of one whole native or token unit.
var ethUnit = decimal.NewFromBigInt(big.NewInt(1), 18)

// WeiToEth converts wei (or 18-decimal token base units) to a whole-unit
// decimal.
func WeiToEth(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(ethUnit)
}

// EthToWei converts a whole-unit decimal into wei, truncating sub-wei dust.
func EthToWei(eth decimal.Decimal) *big.Int {
	return eth.Mul(ethUnit).BigInt()
}
