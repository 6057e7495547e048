package types

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEigenIDBytes32(t *testing.T) {
	id := EigenID("momentum-7")

	h1 := id.Bytes32()
	h2 := id.Bytes32()

	assert.Equal(t, h1, h2, "bytes32 id must be deterministic")
	assert.NotEqual(t, h1, EigenID("momentum-8").Bytes32())

	// Known vector: keccak256("") is the canonical empty hash.
	assert.Equal(t,
		"0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		EigenID("").Bytes32().Hex())
}

func TestWeiEthRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		eth  string
	}{
		{"one", "1"},
		{"fraction", "0.16"},
		{"small", "0.000000000000000001"},
		{"large", "12345.678901234567891234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decimal.RequireFromString(tt.eth)
			wei := EthToWei(d)
			back := WeiToEth(wei)
			// EthToWei truncates below one wei, so compare at 18 places.
			assert.True(t, back.Sub(d).Abs().LessThan(decimal.New(1, -17)),
				"got %s want %s", back, d)
		})
	}
}

func TestWeiToEthNil(t *testing.T) {
	assert.True(t, WeiToEth(nil).IsZero())
}

func TestGasRemaining(t *testing.T) {
	c := &EigenConfig{
		GasBudgetEth: decimal.RequireFromString("0.05"),
		GasSpentEth:  decimal.RequireFromString("0.02"),
	}
	assert.Equal(t, "0.03", c.GasRemaining().String())

	c.GasSpentEth = decimal.RequireFromString("0.09")
	assert.True(t, c.GasRemaining().IsZero(), "overspend clamps to zero")
}

func TestSellVariantTradeType(t *testing.T) {
	assert.Equal(t, TradeSell, SellPlain.TradeType())
	assert.Equal(t, TradeSell, SellStopLoss.TradeType())
	assert.Equal(t, TradeProfitTake, SellProfitTake.TradeType())
	assert.Equal(t, TradeReactiveSell, SellReactive.TradeType())
	assert.Equal(t, TradeLiquidation, SellLiquidation.TradeType())
}

func TestPositionIsZero(t *testing.T) {
	p := &TokenPosition{}
	assert.True(t, p.IsZero())
	p.AmountRaw = big.NewInt(0)
	assert.True(t, p.IsZero())
	p.AmountRaw = big.NewInt(1)
	assert.False(t, p.IsZero())
}

func TestActionConstructors(t *testing.T) {
	buy := BuyAction(big.NewInt(100), "mm_buy")
	require.Equal(t, ActionBuy, buy.Kind)
	assert.Equal(t, int64(100), buy.QuoteAmount.Int64())

	sell := SellAction(big.NewInt(7), SellStopLoss, "stop_loss")
	require.Equal(t, ActionSell, sell.Kind)
	assert.Equal(t, SellStopLoss, sell.Variant)

	none := NoAction("waiting")
	assert.Equal(t, ActionNone, none.Kind)
	assert.Equal(t, "waiting", none.Reason)
}
