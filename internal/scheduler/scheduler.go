// Package scheduler drives the keeper's trade cycles: every poll interval it
// snapshots the active eigens, heals what previous cycles left broken, gates
// on keeper gas, refills vaults, and processes each eigen under a bounded
// worker pool. One scheduler instance owns one chain; the vault-mediated and
// vaultless chains run as independent schedulers.
package scheduler

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/eigentrade/keeper/internal/ai"
	"github.com/eigentrade/keeper/internal/alert"
	"github.com/eigentrade/keeper/internal/budget"
	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/config"
	"github.com/eigentrade/keeper/internal/engine"
	"github.com/eigentrade/keeper/internal/executor"
	"github.com/eigentrade/keeper/internal/ledger"
	"github.com/eigentrade/keeper/internal/price"
	"github.com/eigentrade/keeper/internal/types"
	"github.com/eigentrade/keeper/internal/wallet"
)

var (
	// interTradeDelay spaces the sequential buys of a deployment burst.
	interTradeDelay = 5 * time.Second

	// A vault below this cannot fund a meaningful trade and qualifies for a
	// keeper-surplus refill.
	vaultRefillFloorWei = types.EthToWei(decimal.NewFromFloat(0.01))
	// vaultRefillCapWei bounds a single refill transfer.
	vaultRefillCapWei = types.EthToWei(decimal.NewFromFloat(0.1))

	// smallBuyWei sizes the fallback buy placed while sells are blocked.
	smallBuyWei = types.EthToWei(decimal.NewFromFloat(0.005))

	// perEigenGasEstimate is the cycle-budget reservation checked before an
	// eigen is dispatched.
	perEigenGasEstimate = decimal.RequireFromString("0.002")
)

var (
	cyclesCounter   = metrics.NewRegisteredCounter("keeper/scheduler/cycles", nil)
	tradesCounter   = metrics.NewRegisteredCounter("keeper/scheduler/trades", nil)
	failuresCounter = metrics.NewRegisteredCounter("keeper/scheduler/failures", nil)
	cycleGasGauge   = metrics.NewRegisteredGaugeFloat64("keeper/scheduler/cycle_gas_eth", nil)
)

// ChainReader is the read surface the scheduler needs from the gateway.
type ChainReader interface {
	Balance(ctx context.Context, chainID uint64, addr common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
	TokenBalances(ctx context.Context, chainID uint64, token common.Address, holders []common.Address) ([]*big.Int, error)
}

// Store is the persistence surface the scheduler calls directly. The wider
// store satisfies it; collaborators hold their own narrower views.
type Store interface {
	ListEigens(ctx context.Context, status types.Status) ([]*types.EigenConfig, error)
	SetStatus(ctx context.Context, id types.EigenID, status types.Status, reason string) error
	AddGasSpent(ctx context.Context, id types.EigenID, amount decimal.Decimal) error
	InsertTrade(ctx context.Context, tr *types.TradeRecord) error
	LastTradeTime(ctx context.Context, eigen types.EigenID) (time.Time, error)
	RecentTrades(ctx context.Context, eigen types.EigenID, limit int) ([]*types.TradeRecord, error)
}

// TradeExecutor turns approved actions into transactions.
type TradeExecutor interface {
	Sell(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, amount *big.Int) (*executor.SellResult, error)
	BuyViaVault(ctx context.Context, cfg *types.EigenConfig, recipient common.Address, quote *big.Int) (*executor.BuyResult, error)
	BuyDirect(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, quote *big.Int) (*executor.BuyResult, error)
	RecoverStranded(ctx context.Context, cfg *types.EigenConfig, wallets []types.SubWallet)
	FundKeeperIfLow(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey) (decimal.Decimal, error)
}

// VaultClient is the vault contract surface; nil on the vaultless chain.
type VaultClient interface {
	NetBalance(ctx context.Context, eigen types.EigenID) (*big.Int, error)
	Deposit(ctx context.Context, key *ecdsa.PrivateKey, eigen types.EigenID, amount *big.Int) (*chain.SendResult, error)
	KeeperTerminate(ctx context.Context, keeperKey *ecdsa.PrivateKey, eigen types.EigenID) (*chain.SendResult, error)
}

// NonceResetter drops cached nonce state at cycle boundaries.
type NonceResetter interface {
	ResetAll()
}

// Deps wires one scheduler. Vault is nil for the vaultless chain; everything
// else is required.
type Deps struct {
	Config  *config.Config
	ChainID uint64
	Chain   ChainReader
	Store   Store
	Wallets *wallet.Manager
	Ledger  *ledger.Ledger
	Engine  *engine.Engine
	Oracle  *price.Oracle
	AI      *ai.Evaluator
	Exec    TradeExecutor
	Vault   VaultClient
	Nonces  NonceResetter
	Sells   *budget.SellBlockTracker
	Spend   *budget.SpendTracker
	Alerts  *alert.Sink
}

// Scheduler runs the cycle loop for one chain.
type Scheduler struct {
	cfg     *config.Config
	chainID uint64
	chain   ChainReader
	store   Store
	wallets *wallet.Manager
	ledger  *ledger.Ledger
	engine  *engine.Engine
	oracle  *price.Oracle
	ai      *ai.Evaluator
	exec    TradeExecutor
	vault   VaultClient
	nonces  NonceResetter
	sells   *budget.SellBlockTracker
	spend   *budget.SpendTracker
	alerts  *alert.Sink
	logger  log.Logger
	now     func() time.Time
	delay   func(time.Duration)
}

func New(d Deps) *Scheduler {
	return &Scheduler{
		cfg:     d.Config,
		chainID: d.ChainID,
		chain:   d.Chain,
		store:   d.Store,
		wallets: d.Wallets,
		ledger:  d.Ledger,
		engine:  d.Engine,
		oracle:  d.Oracle,
		ai:      d.AI,
		exec:    d.Exec,
		vault:   d.Vault,
		nonces:  d.Nonces,
		sells:   d.Sells,
		spend:   d.Spend,
		alerts:  d.Alerts,
		logger:  log.New("component", "scheduler", "chain", d.ChainID),
		now:     time.Now,
		delay:   time.Sleep,
	}
}

// Run drives cycles until the context is cancelled. Cycle errors are logged
// and absorbed; the loop itself only stops on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "interval", s.cfg.PollInterval, "concurrency", s.cfg.TradeConcurrency)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Cycle(ctx); err != nil {
			s.logger.Error("Cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one full pass over the chain's eigens.
func (s *Scheduler) Cycle(ctx context.Context) error {
	start := s.now()
	cyclesCounter.Inc(1)

	all, err := s.store.ListEigens(ctx, "")
	if err != nil {
		return errors.Wrap(err, "list eigens")
	}
	var active, winding []*types.EigenConfig
	for _, cfg := range all {
		if cfg.ChainID != s.chainID {
			continue
		}
		switch cfg.Status {
		case types.StatusActive:
			active = append(active, cfg)
		case types.StatusLiquidating, types.StatusTerminated:
			winding = append(winding, cfg)
		}
	}

	// Healing runs before the gas gate: a keeper that is broke because funds
	// are stranded in sub-wallets can only fix itself here.
	s.selfHeal(ctx, active, winding)

	keeperBal, err := s.chain.Balance(ctx, s.chainID, s.wallets.KeeperAddress())
	if err != nil {
		return errors.Wrap(err, "keeper balance")
	}
	keeperEth := types.WeiToEth(keeperBal)
	if keeperEth.LessThan(s.cfg.MinKeeperGasBalance) {
		s.alerts.Critical("keeper_gas_critical", "keeper balance below minimum, halting cycle", map[string]any{
			"balance": keeperEth.String(),
			"minimum": s.cfg.MinKeeperGasBalance.String(),
		})
		return nil
	}
	if keeperEth.LessThan(s.cfg.LowKeeperGasBalance) {
		s.alerts.Warn("keeper_gas_low", "keeper balance below warning threshold", map[string]any{
			"balance":   keeperEth.String(),
			"threshold": s.cfg.LowKeeperGasBalance.String(),
		})
	}

	if s.vault != nil {
		s.refillVaults(ctx, active, keeperBal)
	}

	states := s.assemble(ctx, active)
	sortByPriority(states)
	s.nonces.ResetAll()

	gas := budget.NewCycleGasBudget(s.cfg.CycleGasBudgetEth)
	sem := semaphore.NewWeighted(int64(s.cfg.TradeConcurrency))
	var wg sync.WaitGroup
	var failures atomic.Int64

	for _, st := range states {
		if !gas.CanAfford(perEigenGasEstimate) {
			s.logger.Info("Cycle gas budget exhausted, shedding eigen",
				"eigen", st.cfg.ID, "spent", gas.Spent())
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(st *eigenState) {
			defer wg.Done()
			defer sem.Release(1)
			if err := s.processEigen(ctx, st, gas); err != nil {
				failures.Add(1)
				failuresCounter.Inc(1)
				s.logger.Warn("Eigen processing failed", "eigen", st.cfg.ID, "err", err)
			}
		}(st)
	}
	wg.Wait()

	spent := gas.Spent()
	cycleGasGauge.Update(spent.InexactFloat64())
	s.alerts.CycleSummary(len(states), int(failures.Load()), s.now().Sub(start), spent.String(), gas.Budget().String())
	return nil
}

// selfHeal recovers what earlier cycles left behind: unfinished liquidations,
// stranded wrapped-native and native dust in sub-wallets, and an empty keeper
// wallet that sub-wallets can refill.
func (s *Scheduler) selfHeal(ctx context.Context, active, winding []*types.EigenConfig) {
	for _, cfg := range winding {
		s.continueLiquidation(ctx, cfg)
	}

	for _, cfg := range active {
		wallets, err := s.wallets.WalletsFor(ctx, cfg, cfg.WalletCount)
		if err != nil {
			s.logger.Warn("Recovery wallet listing failed", "eigen", cfg.ID, "err", err)
			continue
		}
		s.exec.RecoverStranded(ctx, cfg, wallets)
	}

	keeperBal, err := s.chain.Balance(ctx, s.chainID, s.wallets.KeeperAddress())
	if err != nil || types.WeiToEth(keeperBal).GreaterThanOrEqual(s.cfg.MinKeeperGasBalance) {
		return
	}
	// Critically low keeper: every sub-wallet sweeps what it can spare.
	for _, cfg := range active {
		wallets, err := s.wallets.WalletsFor(ctx, cfg, cfg.WalletCount)
		if err != nil {
			continue
		}
		for _, w := range wallets {
			key, err := s.wallets.KeyFor(ctx, cfg, w)
			if err != nil {
				continue
			}
			if _, err := s.exec.FundKeeperIfLow(ctx, s.chainID, key); err != nil {
				s.logger.Warn("Emergency keeper sweep failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
			}
		}
	}
}

// continueLiquidation drains every wallet of an eigen that is winding down.
// Once nothing is held, the vault position is terminated and the eigen moves
// to liquidated.
func (s *Scheduler) continueLiquidation(ctx context.Context, cfg *types.EigenConfig) {
	wallets, err := s.wallets.WalletsFor(ctx, cfg, cfg.WalletCount)
	if err != nil {
		s.logger.Warn("Liquidation wallet listing failed", "eigen", cfg.ID, "err", err)
		return
	}
	addrs := walletAddrs(wallets)
	bals, err := s.chain.TokenBalances(ctx, cfg.ChainID, cfg.Token, addrs)
	if err != nil {
		s.logger.Warn("Liquidation balance read failed", "eigen", cfg.ID, "err", err)
		return
	}
	spot, err := s.oracle.SpotPrice(ctx, cfg.ChainID, &cfg.Pool, cfg.Token)
	if err != nil {
		spot = decimal.Zero
	}

	held := false
	for i, w := range wallets {
		if bals[i].Sign() == 0 {
			continue
		}
		if _, err := s.ledger.Reconcile(ctx, cfg.ID, cfg.Token, w.Address, bals[i], spot); err != nil {
			s.logger.Warn("Liquidation reconcile failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
		}
		key, err := s.wallets.KeyFor(ctx, cfg, w)
		if err != nil {
			held = true
			continue
		}
		res, err := s.exec.Sell(ctx, cfg, key, bals[i])
		if err != nil {
			held = true
			s.logger.Warn("Liquidation sell failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
			continue
		}
		realized, lerr := s.ledger.RecordSell(ctx, cfg.ID, cfg.Token, w.Address, res.TokensSold, spot)
		if lerr != nil {
			realized = decimal.Zero
		}
		s.recordTrade(ctx, cfg, w, types.TradeLiquidation, res.TokensSold,
			types.WeiToEth(res.ProceedsWei), spot, realized, res.GasCostEth, res.TxHash, common.Address{})
	}
	if held {
		return
	}

	if s.vault != nil {
		if _, err := s.vault.KeeperTerminate(ctx, s.wallets.MasterKey(), cfg.ID); err != nil {
			s.logger.Warn("Vault terminate failed, retrying next cycle", "eigen", cfg.ID, "err", err)
			return
		}
	}
	if err := s.store.SetStatus(ctx, cfg.ID, types.StatusLiquidated, "liquidation complete"); err != nil {
		s.logger.Warn("Status update failed", "eigen", cfg.ID, "err", err)
		return
	}
	s.logger.Info("Liquidation complete", "eigen", cfg.ID)
}

// refillVaults tops up vaults that are too empty to trade from the keeper's
// surplus. Runs sequentially: every deposit spends the master nonce.
func (s *Scheduler) refillVaults(ctx context.Context, active []*types.EigenConfig, keeperBal *big.Int) {
	reserve := types.EthToWei(s.cfg.LowKeeperGasBalance)
	remaining := new(big.Int).Set(keeperBal)

	for _, cfg := range active {
		bal, err := s.vault.NetBalance(ctx, cfg.ID)
		if err != nil {
			s.logger.Warn("Vault balance read failed", "eigen", cfg.ID, "err", err)
			continue
		}
		if bal.Cmp(vaultRefillFloorWei) >= 0 {
			continue
		}
		surplus := new(big.Int).Sub(remaining, reserve)
		if surplus.Sign() <= 0 {
			return
		}
		amount := new(big.Int).Set(vaultRefillCapWei)
		if amount.Cmp(surplus) > 0 {
			amount.Set(surplus)
		}
		if _, err := s.vault.Deposit(ctx, s.wallets.MasterKey(), cfg.ID, amount); err != nil {
			s.logger.Warn("Vault refill failed", "eigen", cfg.ID, "err", err)
			continue
		}
		remaining.Sub(remaining, amount)
		s.logger.Info("Refilled vault from keeper surplus",
			"eigen", cfg.ID, "amount", types.WeiToEth(amount), "vaultBalance", types.WeiToEth(bal))
	}
}

// eigenState is one cycle's snapshot of an eigen, assembled before
// processing so sorting and decisions see consistent values.
type eigenState struct {
	cfg          *types.EigenConfig
	wallets      []types.SubWallet
	tokenBals    []*big.Int
	native       *big.Int
	price        decimal.Decimal
	position     *ledger.Aggregate
	empty        int
	held         int
	lastTradeAt  time.Time
	currentBlock uint64
}

func (s *Scheduler) assemble(ctx context.Context, cfgs []*types.EigenConfig) []*eigenState {
	block, err := s.chain.BlockNumber(ctx, s.chainID)
	if err != nil {
		s.logger.Warn("Head read failed, reactive scans degrade this cycle", "err", err)
	}

	states := make([]*eigenState, 0, len(cfgs))
	for _, cfg := range cfgs {
		wallets, err := s.wallets.WalletsFor(ctx, cfg, cfg.WalletCount)
		if err != nil || len(wallets) == 0 {
			s.logger.Warn("Wallet listing failed, skipping eigen", "eigen", cfg.ID, "err", err)
			continue
		}
		bals, err := s.chain.TokenBalances(ctx, cfg.ChainID, cfg.Token, walletAddrs(wallets))
		if err != nil {
			s.logger.Warn("Token balance read failed, skipping eigen", "eigen", cfg.ID, "err", err)
			continue
		}

		st := &eigenState{
			cfg:          cfg,
			wallets:      wallets,
			tokenBals:    bals,
			native:       new(big.Int),
			currentBlock: block,
		}
		for _, b := range bals {
			if b.Sign() > 0 {
				st.held++
			} else {
				st.empty++
			}
		}

		if s.vault != nil {
			if bal, err := s.vault.NetBalance(ctx, cfg.ID); err == nil {
				st.native = bal
			} else {
				s.logger.Warn("Vault balance read failed", "eigen", cfg.ID, "err", err)
			}
		} else {
			for _, w := range wallets {
				if bal, err := s.chain.Balance(ctx, cfg.ChainID, w.Address); err == nil {
					st.native.Add(st.native, bal)
				}
			}
		}

		if at, err := s.store.LastTradeTime(ctx, cfg.ID); err == nil {
			st.lastTradeAt = at
		}
		states = append(states, st)
	}
	return states
}

// tier ranks eigens for processing order: capital waiting to deploy first,
// then live positions, then everything else.
func (st *eigenState) tier() int {
	switch {
	case st.held == 0 && st.native.Sign() > 0:
		return 0
	case st.held > 0:
		return 1
	default:
		return 2
	}
}

func sortByPriority(states []*eigenState) {
	sort.SliceStable(states, func(i, j int) bool {
		ti, tj := states[i].tier(), states[j].tier()
		if ti != tj {
			return ti < tj
		}
		return states[i].native.Cmp(states[j].native) > 0
	})
}

func walletAddrs(wallets []types.SubWallet) []common.Address {
	addrs := make([]common.Address, len(wallets))
	for i, w := range wallets {
		addrs[i] = w.Address
	}
	return addrs
}
