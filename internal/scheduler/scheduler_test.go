package scheduler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigentrade/keeper/internal/ai"
	"github.com/eigentrade/keeper/internal/alert"
	"github.com/eigentrade/keeper/internal/budget"
	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/config"
	"github.com/eigentrade/keeper/internal/engine"
	"github.com/eigentrade/keeper/internal/executor"
	"github.com/eigentrade/keeper/internal/ledger"
	"github.com/eigentrade/keeper/internal/price"
	"github.com/eigentrade/keeper/internal/store"
	"github.com/eigentrade/keeper/internal/types"
	"github.com/eigentrade/keeper/internal/wallet"
)

const masterHex = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	tokenAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	poolAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testChain = uint64(10143)
)

func eth(v string) *big.Int {
	return types.EthToWei(decimal.RequireFromString(v))
}

type fakeChain struct {
	mu         sync.Mutex
	defaultBal *big.Int
	balances   map[common.Address]*big.Int
	tokenBals  map[common.Address]*big.Int
	block      uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		defaultBal: eth("0.5"),
		balances:   make(map[common.Address]*big.Int),
		tokenBals:  make(map[common.Address]*big.Int),
		block:      1000,
	}
}

func (f *fakeChain) Balance(_ context.Context, _ uint64, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.balances[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int).Set(f.defaultBal), nil
}

func (f *fakeChain) BlockNumber(context.Context, uint64) (uint64, error) { return f.block, nil }

func (f *fakeChain) TokenBalances(_ context.Context, _ uint64, _ common.Address, holders []common.Address) ([]*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*big.Int, len(holders))
	for i, h := range holders {
		if v, ok := f.tokenBals[h]; ok {
			out[i] = new(big.Int).Set(v)
		} else {
			out[i] = new(big.Int)
		}
	}
	return out, nil
}

type fakeSender struct{}

func (fakeSender) SendNative(context.Context, uint64, *ecdsa.PrivateKey, common.Address, *big.Int) (*chain.SendResult, error) {
	return &chain.SendResult{TxHash: common.Hash{0x9}}, nil
}

type fakePool struct {
	token0 common.Address
	r0, r1 *big.Int
}

func (p *fakePool) Slot0(context.Context, uint64, common.Address) (*big.Int, int32, error) {
	return nil, 0, errors.New("not a concentrated pool")
}

func (p *fakePool) Reserves(context.Context, uint64, common.Address) (*big.Int, *big.Int, error) {
	return new(big.Int).Set(p.r0), new(big.Int).Set(p.r1), nil
}

func (p *fakePool) Token0(context.Context, uint64, common.Address) (common.Address, error) {
	return p.token0, nil
}

type fakeScanner struct{}

func (fakeScanner) ScanExternalBuys(_ context.Context, _ *types.EigenConfig, _, currentBlock uint64) (*big.Int, int, uint64, error) {
	return new(big.Int), 0, currentBlock, nil
}

type buyCall struct {
	quote    *big.Int
	viaVault bool
}

type fakeExec struct {
	mu           sync.Mutex
	buys         []buyCall
	sells        []*big.Int
	sellErr      error
	tokensPerBuy *big.Int
	recoveries   int
}

func (f *fakeExec) Sell(_ context.Context, _ *types.EigenConfig, _ *ecdsa.PrivateKey, amount *big.Int) (*executor.SellResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	f.sells = append(f.sells, new(big.Int).Set(amount))
	return &executor.SellResult{
		TokensSold:  new(big.Int).Set(amount),
		ProceedsWei: new(big.Int).Rsh(amount, 1),
		GasCostEth:  decimal.RequireFromString("0.0001"),
		TxHash:      common.Hash{0x1},
	}, nil
}

func (f *fakeExec) buyResult(quote *big.Int) *executor.BuyResult {
	received := big.NewInt(1000)
	if f.tokensPerBuy != nil {
		received = new(big.Int).Set(f.tokensPerBuy)
	}
	return &executor.BuyResult{
		TokensReceived: received,
		SpentWei:       new(big.Int).Set(quote),
		GasCostEth:     decimal.RequireFromString("0.0001"),
		TxHash:         common.Hash{0x2},
	}
}

func (f *fakeExec) BuyViaVault(_ context.Context, _ *types.EigenConfig, _ common.Address, quote *big.Int) (*executor.BuyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, buyCall{quote: new(big.Int).Set(quote), viaVault: true})
	return f.buyResult(quote), nil
}

func (f *fakeExec) BuyDirect(_ context.Context, _ *types.EigenConfig, _ *ecdsa.PrivateKey, quote *big.Int) (*executor.BuyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, buyCall{quote: new(big.Int).Set(quote)})
	return f.buyResult(quote), nil
}

func (f *fakeExec) RecoverStranded(context.Context, *types.EigenConfig, []types.SubWallet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries++
}

func (f *fakeExec) FundKeeperIfLow(context.Context, uint64, *ecdsa.PrivateKey) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeVault struct {
	mu         sync.Mutex
	net        map[types.EigenID]*big.Int
	deposits   []*big.Int
	terminated []types.EigenID
}

func newFakeVault() *fakeVault {
	return &fakeVault{net: make(map[types.EigenID]*big.Int)}
}

func (v *fakeVault) NetBalance(_ context.Context, eigen types.EigenID) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.net[eigen]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (v *fakeVault) Deposit(_ context.Context, _ *ecdsa.PrivateKey, _ types.EigenID, amount *big.Int) (*chain.SendResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deposits = append(v.deposits, new(big.Int).Set(amount))
	return &chain.SendResult{TxHash: common.Hash{0x3}}, nil
}

func (v *fakeVault) KeeperTerminate(_ context.Context, _ *ecdsa.PrivateKey, eigen types.EigenID) (*chain.SendResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.terminated = append(v.terminated, eigen)
	return &chain.SendResult{TxHash: common.Hash{0x4}}, nil
}

type fakeNonces struct{ resets int }

func (n *fakeNonces) ResetAll() { n.resets++ }

type rig struct {
	store  *store.Store
	chain  *fakeChain
	exec   *fakeExec
	vault  *fakeVault
	out    *bytes.Buffer
	wm     *wallet.Manager
	lg     *ledger.Ledger
	sells  *budget.SellBlockTracker
	nonces *fakeNonces
	sched  *Scheduler
	delays int
}

func newRig(t *testing.T, withVault bool) *rig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := &rig{
		store: st,
		chain: newFakeChain(),
		exec:  &fakeExec{},
		out:   &bytes.Buffer{},
	}
	r.wm, err = wallet.NewManager(masterHex, st, r.chain, fakeSender{})
	require.NoError(t, err)
	r.lg = ledger.New(st)

	sink := alert.NewSink("")
	sink.SetOutput(r.out)
	r.sells = budget.NewSellBlockTracker(sink)
	r.nonces = &fakeNonces{}

	cfg := config.DefaultConfig
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TradeConcurrency = 2

	// token0 reserves 1000 against 500 base: spot price 0.5.
	oracle := price.NewOracle(&fakePool{token0: tokenAddr, r0: eth("1000"), r1: eth("500")}, st)

	deps := Deps{
		Config:  &cfg,
		ChainID: testChain,
		Chain:   r.chain,
		Store:   st,
		Wallets: r.wm,
		Ledger:  r.lg,
		Engine:  engine.New(fakeScanner{}, st),
		Oracle:  oracle,
		AI:      ai.NewEvaluator(config.AIConfig{}, st),
		Exec:    r.exec,
		Nonces:  r.nonces,
		Sells:   r.sells,
		Spend:   budget.NewSpendTracker(cfg.SpendRateThreshold, sink),
		Alerts:  sink,
	}
	if withVault {
		r.vault = newFakeVault()
		deps.Vault = r.vault
	}
	r.sched = New(deps)
	r.sched.delay = func(time.Duration) { r.delays++ }
	return r
}

func newEigen(id types.EigenID) *types.EigenConfig {
	return &types.EigenConfig{
		ID:              id,
		Token:           tokenAddr,
		Owner:           common.HexToAddress("0x2000000000000000000000000000000000000002"),
		ChainID:         testChain,
		Pool:            types.Pool{Version: types.PoolV2, Address: poolAddr},
		Status:          types.StatusActive,
		OrderSizeMinPct: 8,
		OrderSizeMaxPct: 15,
		ProfitTargetPct: 50,
		StopLossPct:     30,
		WalletCount:     2,
		SlippageBps:     300,
		GasBudgetEth:    decimal.NewFromInt(1),
		WalletSource:    types.WalletSourceDerived,
	}
}

func TestCycleDeploymentBurst(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()
	require.NoError(t, r.store.CreateEigen(ctx, newEigen("e1")))

	// Two empty wallets at 0.5 native each: the engine deploys 80% of the
	// combined 1.0, split per wallet.
	require.NoError(t, r.sched.Cycle(ctx))

	require.Len(t, r.exec.buys, 2)
	for _, b := range r.exec.buys {
		assert.Equal(t, eth("0.4"), b.quote)
		assert.False(t, b.viaVault)
	}
	assert.Equal(t, 1, r.delays, "sequential buys pause between sends")
	assert.Equal(t, 1, r.nonces.resets)
	assert.Equal(t, 1, r.exec.recoveries)

	trades, err := r.store.RecentTrades(ctx, "e1", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, types.TradeBuy, tr.Type)
	}

	agg, err := r.lg.AggregatePosition(ctx, "e1", tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), agg.AmountRaw.Int64())

	assert.Contains(t, r.out.String(), "cycle_summary")
}

func TestCycleKeeperGasGate(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()
	require.NoError(t, r.store.CreateEigen(ctx, newEigen("e1")))

	r.chain.balances[r.wm.KeeperAddress()] = eth("0.001")

	require.NoError(t, r.sched.Cycle(ctx))

	assert.Empty(t, r.exec.buys)
	assert.Empty(t, r.exec.sells)
	assert.Contains(t, r.out.String(), "keeper_gas_critical")
}

func TestExecuteSellWalksWallets(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()
	cfg := newEigen("e1")
	require.NoError(t, r.store.CreateEigen(ctx, cfg))

	ws, err := r.wm.WalletsFor(ctx, cfg, 2)
	require.NoError(t, err)
	half := decimal.RequireFromString("0.5")
	for _, w := range ws {
		_, err := r.lg.RecordBuy(ctx, cfg.ID, cfg.Token, w.Address, big.NewInt(100), half)
		require.NoError(t, err)
	}

	st := &eigenState{
		cfg:       cfg,
		wallets:   ws,
		tokenBals: []*big.Int{big.NewInt(100), big.NewInt(100)},
		native:    eth("1"),
		price:     half,
	}
	err = r.sched.executeSell(ctx, st, types.SellAction(big.NewInt(150), types.SellPlain, "test"), budget.NewCycleGasBudget(decimal.NewFromInt(1)))
	require.NoError(t, err)

	require.Len(t, r.exec.sells, 2)
	assert.Equal(t, int64(100), r.exec.sells[0].Int64())
	assert.Equal(t, int64(50), r.exec.sells[1].Int64())
	assert.Equal(t, 0, r.sells.Failures(cfg.ID), "success resets the streak")

	trades, err := r.store.RecentTrades(ctx, cfg.ID, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestExecuteSellNoTokensRecordsFailure(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()
	cfg := newEigen("e1")
	require.NoError(t, r.store.CreateEigen(ctx, cfg))
	ws, err := r.wm.WalletsFor(ctx, cfg, 2)
	require.NoError(t, err)

	st := &eigenState{
		cfg:       cfg,
		wallets:   ws,
		tokenBals: []*big.Int{new(big.Int), new(big.Int)},
		native:    eth("1"),
		price:     decimal.RequireFromString("0.5"),
	}
	err = r.sched.executeSell(ctx, st, types.SellAction(big.NewInt(100), types.SellPlain, "test"), budget.NewCycleGasBudget(decimal.NewFromInt(1)))
	require.EqualError(t, err, "no_tokens_in_wallets")
	assert.Equal(t, 1, r.sells.Failures(cfg.ID))
}

func TestBlockedSellFallsBackToSmallBuy(t *testing.T) {
	r := newRig(t, false)
	ctx := context.Background()
	cfg := newEigen("e1")
	require.NoError(t, r.store.CreateEigen(ctx, cfg))

	ws, err := r.wm.WalletsFor(ctx, cfg, 2)
	require.NoError(t, err)
	// Entry 1.0 against a 0.5 spot: -50% forces a stop-loss sell.
	_, err = r.lg.RecordBuy(ctx, cfg.ID, cfg.Token, ws[0].Address, eth("2"), decimal.NewFromInt(1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.sells.RecordFailure(cfg.ID, "revert")
	}
	require.True(t, r.sells.IsBlocked(cfg.ID))

	st := &eigenState{
		cfg:          cfg,
		wallets:      ws,
		tokenBals:    []*big.Int{eth("2"), new(big.Int)},
		native:       eth("1"),
		held:         1,
		empty:        1,
		currentBlock: 1000,
	}
	require.NoError(t, r.sched.processEigen(ctx, st, budget.NewCycleGasBudget(decimal.NewFromInt(1))))

	assert.Empty(t, r.exec.sells, "blocked sell must not execute")
	require.Len(t, r.exec.buys, 1)
	assert.Equal(t, smallBuyWei, r.exec.buys[0].quote)
}

func TestLiquidationContinuation(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	cfg := newEigen("e1")
	require.NoError(t, r.store.CreateEigen(ctx, cfg))
	require.NoError(t, r.store.SetStatus(ctx, cfg.ID, types.StatusLiquidating, "owner requested"))

	ws, err := r.wm.WalletsFor(ctx, cfg, 2)
	require.NoError(t, err)
	r.chain.tokenBals[ws[0].Address] = big.NewInt(500)

	require.NoError(t, r.sched.Cycle(ctx))

	require.Len(t, r.exec.sells, 1)
	assert.Equal(t, int64(500), r.exec.sells[0].Int64())
	assert.Equal(t, []types.EigenID{"e1"}, r.vault.terminated)

	got, err := r.store.GetEigen(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiquidated, got.Status)
}

func TestRefillVaults(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()
	low := newEigen("low")
	full := newEigen("full")
	r.vault.net["low"] = eth("0.001")
	r.vault.net["full"] = eth("2")

	r.sched.refillVaults(ctx, []*types.EigenConfig{low, full}, eth("0.5"))

	require.Len(t, r.vault.deposits, 1)
	assert.Equal(t, eth("0.1"), r.vault.deposits[0], "refill is capped")

	// No surplus above the keeper reserve: nothing moves.
	r.vault.deposits = nil
	r.sched.refillVaults(ctx, []*types.EigenConfig{low}, eth("0.05"))
	assert.Empty(t, r.vault.deposits)
}

func TestSortByPriority(t *testing.T) {
	deploying := &eigenState{cfg: newEigen("a"), native: eth("1")}
	trading := &eigenState{cfg: newEigen("b"), native: eth("5"), held: 1}
	richTrading := &eigenState{cfg: newEigen("c"), native: eth("10"), held: 2}
	idle := &eigenState{cfg: newEigen("d"), native: new(big.Int)}

	states := []*eigenState{idle, trading, richTrading, deploying}
	sortByPriority(states)

	order := make([]types.EigenID, len(states))
	for i, st := range states {
		order[i] = st.cfg.ID
	}
	assert.Equal(t, []types.EigenID{"a", "c", "b", "d"}, order)
}
