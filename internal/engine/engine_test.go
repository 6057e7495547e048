package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigentrade/keeper/internal/ledger"
	"github.com/eigentrade/keeper/internal/types"

	"github.com/ethereum/go-ethereum/common"
)

type fakeScanner struct {
	totalBaseIn *big.Int
	buyCount    int
	latestBlock uint64
	gotFrom     uint64
	calls       int
}

func (f *fakeScanner) ScanExternalBuys(_ context.Context, _ *types.EigenConfig, fromBlock, _ uint64) (*big.Int, int, uint64, error) {
	f.calls++
	f.gotFrom = fromBlock
	total := f.totalBaseIn
	if total == nil {
		total = new(big.Int)
	}
	return total, f.buyCount, f.latestBlock, nil
}

type fakeCursors struct {
	blocks map[types.EigenID]uint64
}

func (f *fakeCursors) SetLastScannedBlock(_ context.Context, eigen types.EigenID, block uint64) error {
	if f.blocks == nil {
		f.blocks = make(map[types.EigenID]uint64)
	}
	f.blocks[eigen] = block
	return nil
}

func eth(f float64) *big.Int {
	return types.EthToWei(decimal.NewFromFloat(f))
}

func activeConfig() *types.EigenConfig {
	return &types.EigenConfig{
		ID:              "e1",
		Status:          types.StatusActive,
		StopLossPct:     30,
		ProfitTargetPct: 50,
		OrderSizeMinPct: 8,
		OrderSizeMaxPct: 15,
		TradesPerHour:   60,
		WalletCount:     5,
		Pool:            types.Pool{Version: types.PoolV3, Address: common.HexToAddress("0x1234")},
	}
}

func position(amountWei *big.Int, cost float64) *ledger.Aggregate {
	c := decimal.NewFromFloat(cost)
	agg := &ledger.Aggregate{AmountRaw: amountWei, TotalCost: c}
	if whole := types.WeiToEth(amountWei); whole.IsPositive() {
		agg.EntryPrice = c.Div(whole)
	}
	return agg
}

func newTestEngine(sc *fakeScanner) (*Engine, *fakeCursors) {
	cursors := &fakeCursors{}
	e := New(sc, cursors)
	e.randPct = func(min, _ float64) float64 { return min }
	return e, cursors
}

func TestStopLossSellsEntirePosition(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})
	in := &Inputs{
		Config:        activeConfig(),
		NativeBalance: eth(0.5),
		Position:      position(eth(1.0), 1.0),
		Price:         decimal.NewFromFloat(0.6),
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	assert.Equal(t, types.ActionSell, act.Kind)
	assert.Equal(t, types.SellStopLoss, act.Variant)
	assert.Equal(t, 0, act.BaseAmount.Cmp(eth(1.0)))
	assert.Equal(t, "stop_loss_triggered: -40.0% <= -30%", act.Reason)
}

func TestStopLossWinsOverReactive(t *testing.T) {
	sc := &fakeScanner{totalBaseIn: eth(5), buyCount: 3, latestBlock: 100}
	e, _ := newTestEngine(sc)
	cfg := activeConfig()
	cfg.ReactiveSellMode = true
	cfg.ReactiveSellPct = 50
	in := &Inputs{
		Config:        cfg,
		NativeBalance: eth(0.5),
		Position:      position(eth(1.0), 1.0),
		Price:         decimal.NewFromFloat(0.6),
		CurrentBlock:  100,
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	assert.Equal(t, types.SellStopLoss, act.Variant)
	assert.Zero(t, sc.calls, "stop-loss must short-circuit the scan")
}

func TestProfitTakeSellsProfitValue(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})
	in := &Inputs{
		Config:        activeConfig(),
		NativeBalance: eth(0.5),
		Position:      position(eth(1.0), 1.0),
		Price:         decimal.NewFromFloat(1.6),
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	require.Equal(t, types.ActionSell, act.Kind)
	assert.Equal(t, types.SellProfitTake, act.Variant)
	// Profit is 0.6; at price 1.6 that is exactly 0.375 tokens.
	want, ok := new(big.Int).SetString("375000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, 0, act.BaseAmount.Cmp(want))
}

func TestReactiveMirrorsExternalBuys(t *testing.T) {
	sc := &fakeScanner{totalBaseIn: eth(2.0), buyCount: 4, latestBlock: 120}
	e, cursors := newTestEngine(sc)
	cfg := activeConfig()
	cfg.ReactiveSellMode = true
	cfg.ReactiveSellPct = 50
	cfg.LastScannedBlock = 99
	in := &Inputs{
		Config:        cfg,
		NativeBalance: eth(0.5),
		Position:      position(eth(10.0), 10.0),
		Price:         decimal.NewFromInt(1),
		CurrentBlock:  120,
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	require.Equal(t, types.ActionSell, act.Kind)
	assert.Equal(t, types.SellReactive, act.Variant)
	// Mirror 50% of 2.0 base in at price 1: one token-eth worth.
	assert.Equal(t, 0, act.BaseAmount.Cmp(eth(1.0)))
	assert.Equal(t, uint64(100), sc.gotFrom, "scan resumes at cursor+1")
	assert.Equal(t, uint64(120), cursors.blocks["e1"])
}

func TestReactiveCursorAdvancesWithoutBuys(t *testing.T) {
	sc := &fakeScanner{latestBlock: 150}
	e, cursors := newTestEngine(sc)
	cfg := activeConfig()
	cfg.ReactiveSellMode = true
	in := &Inputs{
		Config:        cfg,
		NativeBalance: eth(0.5),
		Position:      position(eth(1.0), 1.0),
		Price:         decimal.NewFromInt(1),
		CurrentBlock:  150,
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	assert.Equal(t, types.ActionNone, act.Kind)
	assert.Equal(t, uint64(150), sc.gotFrom, "unset cursor starts at current block")
	assert.Equal(t, uint64(150), cursors.blocks["e1"], "cursor persists even with no buys")
}

func TestReactiveCapsAtHoldings(t *testing.T) {
	sc := &fakeScanner{totalBaseIn: eth(100), buyCount: 1, latestBlock: 10}
	e, _ := newTestEngine(sc)
	cfg := activeConfig()
	cfg.ReactiveSellMode = true
	cfg.ReactiveSellPct = 100
	in := &Inputs{
		Config:        cfg,
		NativeBalance: eth(0.5),
		Position:      position(eth(2.0), 2.0),
		Price:         decimal.NewFromInt(1),
		CurrentBlock:  10,
		HeldWallets:   1,
	}

	act := e.Decide(context.Background(), in)
	require.Equal(t, types.ActionSell, act.Kind)
	assert.Equal(t, 0, act.BaseAmount.Cmp(eth(2.0)))
}

func TestDeploymentBurstSizing(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})
	in := &Inputs{
		Config:        activeConfig(),
		NativeBalance: eth(1.0),
		Position:      position(new(big.Int), 0),
		Price:         decimal.NewFromInt(1),
		EmptyWallets:  5,
	}

	act := e.Decide(context.Background(), in)
	require.Equal(t, types.ActionBuy, act.Kind)
	assert.True(t, act.Deployment)
	// 0.8 * 1.0 / 5 per wallet.
	assert.Equal(t, 0, act.QuoteAmount.Cmp(eth(0.16)))
}

func TestTimingGateBlocksFreshTrades(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})
	now := time.Unix(10_000, 0)
	e.now = func() time.Time { return now }
	in := &Inputs{
		Config:        activeConfig(), // 60 trades/hour: 60s gap
		NativeBalance: eth(1.0),
		Position:      position(eth(3.0), 3.0),
		Price:         decimal.NewFromInt(1),
		LastTradeAt:   now.Add(-30 * time.Second),
		HeldWallets:   5,
	}

	act := e.Decide(context.Background(), in)
	assert.Equal(t, types.ActionNone, act.Kind)

	in.LastTradeAt = now.Add(-90 * time.Second)
	act = e.Decide(context.Background(), in)
	assert.NotEqual(t, types.ActionNone, act.Kind)
}

func TestMarketMakingDeadBandBuy(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})
	e.randPct = func(_, _ float64) float64 { return 10.0 }
	in := &Inputs{
		Config:        activeConfig(),
		NativeBalance: eth(1.0),
		Position:      position(eth(0.75), 0.75), // token value 0.75 at price 1
		Price:         decimal.NewFromInt(1),
		HeldWallets:   5,
	}

	act := e.Decide(context.Background(), in)
	require.Equal(t, types.ActionBuy, act.Kind)
	// ratio 0.75/1.75 = 0.428 < 0.70: buy with 10% of native.
	assert.Equal(t, 0, act.QuoteAmount.Cmp(eth(0.10)))
}

func TestMarketMakingDirections(t *testing.T) {
	tests := []struct {
		name       string
		tokenValue float64
		native     float64
		wantSell   bool
	}{
		{"heavy token side sells", 9.5, 0.5, true},
		{"light token side buys", 0.5, 9.5, false},
		{"upper middle sells", 8.5, 1.5, true},
		{"lower middle buys", 7.5, 2.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(&fakeScanner{})
			in := &Inputs{
				Config:        activeConfig(),
				NativeBalance: eth(tt.native),
				Position:      position(eth(tt.tokenValue), tt.tokenValue),
				Price:         decimal.NewFromInt(1),
				HeldWallets:   5,
			}
			act := e.Decide(context.Background(), in)
			if tt.wantSell {
				assert.Equal(t, types.ActionSell, act.Kind, act.Reason)
			} else {
				assert.Equal(t, types.ActionBuy, act.Kind, act.Reason)
			}
		})
	}
}

func TestMarketMakingBuyFloorFallback(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})

	// Buy side chosen but native below the floor; token side dominates, so
	// fall through to a sell.
	in := &Inputs{
		Config:        activeConfig(),
		NativeBalance: eth(0.001),
		Position:      position(eth(0.0015), 0.0015),
		Price:         decimal.NewFromInt(1),
		HeldWallets:   1,
	}
	act := e.Decide(context.Background(), in)
	assert.Equal(t, types.ActionSell, act.Kind, act.Reason)

	// Token side does not dominate: wait.
	in.Position = position(eth(0.0005), 0.0005)
	act = e.Decide(context.Background(), in)
	assert.Equal(t, types.ActionNone, act.Kind)
}

func TestInactiveAndUnpricedEigens(t *testing.T) {
	e, _ := newTestEngine(&fakeScanner{})

	cfg := activeConfig()
	cfg.Status = types.StatusSuspended
	act := e.Decide(context.Background(), &Inputs{Config: cfg, NativeBalance: eth(1), Price: decimal.NewFromInt(1)})
	assert.Equal(t, types.ActionNone, act.Kind)

	act = e.Decide(context.Background(), &Inputs{Config: activeConfig(), NativeBalance: eth(1), Price: decimal.Zero})
	assert.Equal(t, types.ActionNone, act.Kind)
}
