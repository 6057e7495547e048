// Package executor turns approved decisions into transactions: router
// approvals, the swap itself, proceeds reconciliation, keeper self-funding,
// and the return of sale proceeds to the vault. Failures inside the flow
// degrade step by step; funds are left recoverable rather than lost.
package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/encoder"
	"github.com/eigentrade/keeper/internal/types"
	"github.com/eigentrade/keeper/internal/vault"
	"github.com/eigentrade/keeper/internal/wallet"
)

var (
	// Below this the keeper cannot reliably pay for its own transactions
	// and sub-wallets sweep everything they can spare.
	keeperCriticalWei = types.EthToWei(decimal.NewFromFloat(0.005))
	// Below this a sub-wallet sends a fixed top-up after each sell.
	keeperLowWei = types.EthToWei(decimal.NewFromFloat(0.02))
	keeperTopUp  = types.EthToWei(decimal.NewFromFloat(0.01))

	// Native kept in a sub-wallet so it can still pay for its next swap.
	gasReserveWei = types.EthToWei(decimal.NewFromFloat(0.002))
	// Proceeds smaller than this skip the vault-return call and go straight
	// to the keeper during recovery.
	minVaultReturnWei = types.EthToWei(decimal.NewFromFloat(0.001))

	// The canonical permit authority v4-style routers pull tokens through.
	permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

	maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

var ErrNoProceeds = errors.New("swap produced no proceeds")

// Executor carries the wired collaborators for one chain.
type Executor struct {
	gw      *chain.Gateway
	sender  *chain.Sender
	encoder *encoder.Encoder
	vault   *vault.Vault // nil on the vaultless chain
	wallets *wallet.Manager
	weth    common.Address
	logger  log.Logger
}

func New(gw *chain.Gateway, sender *chain.Sender, enc *encoder.Encoder, vlt *vault.Vault, wallets *wallet.Manager, weth common.Address) *Executor {
	return &Executor{
		gw:      gw,
		sender:  sender,
		encoder: enc,
		vault:   vlt,
		wallets: wallets,
		weth:    weth,
		logger:  log.New("component", "executor"),
	}
}

// SellResult reconciles one wallet's sell.
type SellResult struct {
	TokensSold  *big.Int
	ProceedsWei *big.Int
	GasCostEth  decimal.Decimal
	TxHash      common.Hash
}

// Sell swaps amount token base units from the sub-wallet back to native and
// settles the proceeds: keeper self-funding first, vault return after.
func (e *Executor) Sell(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, amount *big.Int) (*SellResult, error) {
	walletAddr := gethcrypto.PubkeyToAddress(key.PublicKey)
	gasCost := decimal.Zero

	route, err := e.encoder.EncodeSell(&cfg.Pool, cfg.Token, walletAddr, amount, e.sellMinOut(ctx, cfg, amount))
	if err != nil {
		return nil, errors.Wrap(err, "encode sell")
	}

	approveCost, err := e.ensureApprovals(ctx, cfg, key, walletAddr, route.Router, amount)
	if err != nil {
		return nil, errors.Wrap(err, "approvals")
	}
	gasCost = gasCost.Add(approveCost)

	preNative, err := e.gw.Balance(ctx, cfg.ChainID, walletAddr)
	if err != nil {
		return nil, errors.Wrap(err, "pre-swap balance")
	}
	preWeth, err := e.gw.TokenBalance(ctx, cfg.ChainID, e.weth, walletAddr)
	if err != nil {
		return nil, errors.Wrap(err, "pre-swap weth balance")
	}

	swap, err := e.sender.SendCall(ctx, cfg.ChainID, key, route.Router, route.Calldata, route.Value, 0)
	if err != nil {
		return nil, errors.Wrap(err, "swap")
	}
	gasCost = gasCost.Add(swap.GasCostEth)

	proceeds, unwrapCost, err := e.reconcileProceeds(ctx, cfg.ChainID, key, walletAddr, preNative, preWeth)
	if err != nil {
		return nil, err
	}
	gasCost = gasCost.Add(unwrapCost)

	if fundCost, err := e.FundKeeperIfLow(ctx, cfg.ChainID, key); err != nil {
		e.logger.Warn("Keeper self-funding failed", "wallet", walletAddr, "err", err)
	} else {
		gasCost = gasCost.Add(fundCost)
	}

	e.returnRemainder(ctx, cfg, key, walletAddr)

	return &SellResult{
		TokensSold:  new(big.Int).Set(amount),
		ProceedsWei: proceeds,
		GasCostEth:  gasCost,
		TxHash:      swap.TxHash,
	}, nil
}

// BuyResult reconciles one buy.
type BuyResult struct {
	TokensReceived *big.Int
	SpentWei       *big.Int
	GasCostEth     decimal.Decimal
	TxHash         common.Hash
	Router         common.Address
}

// BuyViaVault spends quote wei of the eigen's vault balance, delivering
// tokens to the sub-wallet. The exact received amount is read off the
// token's Transfer log rather than trusted from a quote.
func (e *Executor) BuyViaVault(ctx context.Context, cfg *types.EigenConfig, recipient common.Address, quote *big.Int) (*BuyResult, error) {
	if e.vault == nil {
		return nil, errors.New("no vault on this chain")
	}
	route, err := e.encoder.EncodeBuy(&cfg.Pool, cfg.Token, recipient, quote, new(big.Int))
	if err != nil {
		return nil, errors.Wrap(err, "encode buy")
	}
	res, err := e.vault.ExecuteBuy(ctx, e.wallets.MasterKey(), cfg.ID, route.Router, quote, route.Calldata)
	if err != nil {
		return nil, errors.Wrap(err, "vault executeBuy")
	}
	received := TokensReceived(res.Receipt.Logs, cfg.Token, recipient)
	if received.Sign() == 0 {
		e.logger.Warn("Buy mined but no transfer log found", "eigen", cfg.ID, "tx", res.TxHash)
	}
	return &BuyResult{
		TokensReceived: received,
		SpentWei:       new(big.Int).Set(quote),
		GasCostEth:     res.GasCostEth,
		TxHash:         res.TxHash,
		Router:         route.Router,
	}, nil
}

// BuyDirect spends quote wei from the sub-wallet itself, for the vaultless
// chain where wallets custody their own funds.
func (e *Executor) BuyDirect(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, quote *big.Int) (*BuyResult, error) {
	walletAddr := gethcrypto.PubkeyToAddress(key.PublicKey)
	route, err := e.encoder.EncodeBuy(&cfg.Pool, cfg.Token, walletAddr, quote, new(big.Int))
	if err != nil {
		return nil, errors.Wrap(err, "encode buy")
	}
	res, err := e.sender.SendCall(ctx, cfg.ChainID, key, route.Router, route.Calldata, route.Value, 0)
	if err != nil {
		return nil, errors.Wrap(err, "swap")
	}
	received := TokensReceived(res.Receipt.Logs, cfg.Token, walletAddr)
	return &BuyResult{
		TokensReceived: received,
		SpentWei:       new(big.Int).Set(quote),
		GasCostEth:     res.GasCostEth,
		TxHash:         res.TxHash,
		Router:         route.Router,
	}, nil
}

// sellMinOut estimates the native output and applies the configured
// slippage. A failed estimate degrades to zero minimum rather than blocking
// a stop-loss exit.
func (e *Executor) sellMinOut(ctx context.Context, cfg *types.EigenConfig, amount *big.Int) *big.Int {
	// Reserves give a good-enough expected output for the haircut.
	r0, r1, err := e.gw.Reserves(ctx, cfg.ChainID, cfg.Pool.Address)
	if err != nil || r0.Sign() == 0 || r1.Sign() == 0 {
		return new(big.Int)
	}
	t0, err := e.gw.Token0(ctx, cfg.ChainID, cfg.Pool.Address)
	if err != nil {
		return new(big.Int)
	}
	tokenReserve, baseReserve := r0, r1
	if t0 != cfg.Token {
		tokenReserve, baseReserve = r1, r0
	}
	expected := new(big.Int).Mul(amount, baseReserve)
	expected.Div(expected, new(big.Int).Add(tokenReserve, amount))
	return encoder.MinOutWithSlippage(expected, cfg.SlippageBps)
}

// ensureApprovals grants the router the right to move the wallet's tokens.
// ERC-20 approvals are maxed so each wallet pays that gas once per spender;
// on v4 pools the tokens flow through the permit authority, so the wallet
// also signs a short-lived permit naming the router as spender.
func (e *Executor) ensureApprovals(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, owner, router common.Address, amount *big.Int) (decimal.Decimal, error) {
	cost := decimal.Zero
	spenders := []common.Address{router}
	if cfg.Pool.Version == types.PoolV4 {
		spenders = append(spenders, permit2Address)
	}
	for _, spender := range spenders {
		allowance, err := e.gw.Allowance(ctx, cfg.ChainID, cfg.Token, owner, spender)
		if err != nil {
			return cost, errors.Wrap(err, "read allowance")
		}
		if allowance.Cmp(amount) >= 0 {
			continue
		}
		data, err := chain.PackApprove(spender, maxApproval)
		if err != nil {
			return cost, err
		}
		res, err := e.sender.SendCall(ctx, cfg.ChainID, key, cfg.Token, data, nil, 0)
		if err != nil {
			return cost, errors.Wrap(err, "approve")
		}
		cost = cost.Add(res.GasCostEth)
		e.logger.Debug("Granted token approval", "owner", owner, "spender", spender)
	}

	if cfg.Pool.Version == types.PoolV4 {
		permitCost, err := e.permitRouter(ctx, cfg.ChainID, key, owner, cfg.Token, router, amount)
		if err != nil {
			return cost, err
		}
		cost = cost.Add(permitCost)
	}
	return cost, nil
}

// reconcileProceeds determines what the swap actually paid out. Wrapped
// native received in this swap is unwrapped by the exact diff, never the
// wallet's whole balance; without a wrap the native balance diff stands.
func (e *Executor) reconcileProceeds(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey, walletAddr common.Address, preNative, preWeth *big.Int) (*big.Int, decimal.Decimal, error) {
	cost := decimal.Zero

	postWeth, err := e.gw.TokenBalance(ctx, chainID, e.weth, walletAddr)
	if err != nil {
		return nil, cost, errors.Wrap(err, "post-swap weth balance")
	}
	if diff := new(big.Int).Sub(postWeth, preWeth); diff.Sign() > 0 {
		data, err := chain.PackWithdraw(diff)
		if err != nil {
			return nil, cost, err
		}
		res, err := e.sender.SendCall(ctx, chainID, key, e.weth, data, nil, 0)
		if err != nil {
			return nil, cost, errors.Wrap(err, "unwrap")
		}
		cost = cost.Add(res.GasCostEth)
		return diff, cost, nil
	}

	postNative, err := e.gw.Balance(ctx, chainID, walletAddr)
	if err != nil {
		return nil, cost, errors.Wrap(err, "post-swap balance")
	}
	proceeds := new(big.Int).Sub(postNative, preNative)
	if proceeds.Sign() <= 0 {
		return nil, cost, ErrNoProceeds
	}
	return proceeds, cost, nil
}

// FundKeeperIfLow tops the keeper up from the sub-wallet: a full sweep when
// the keeper is critically low, a fixed top-up when merely low. A wallet
// never funds itself.
func (e *Executor) FundKeeperIfLow(ctx context.Context, chainID uint64, key *ecdsa.PrivateKey) (decimal.Decimal, error) {
	walletAddr := gethcrypto.PubkeyToAddress(key.PublicKey)
	keeper := e.wallets.KeeperAddress()
	if walletAddr == keeper {
		return decimal.Zero, nil
	}
	keeperBal, err := e.gw.Balance(ctx, chainID, keeper)
	if err != nil {
		return decimal.Zero, err
	}
	if keeperBal.Cmp(keeperLowWei) >= 0 {
		return decimal.Zero, nil
	}

	walletBal, err := e.gw.Balance(ctx, chainID, walletAddr)
	if err != nil {
		return decimal.Zero, err
	}

	var amount *big.Int
	if keeperBal.Cmp(keeperCriticalWei) < 0 {
		_, costWei, err := e.sender.TransferCostEth(ctx, chainID)
		if err != nil {
			return decimal.Zero, err
		}
		amount = new(big.Int).Sub(walletBal, gasReserveWei)
		amount.Sub(amount, costWei)
	} else {
		amount = new(big.Int).Set(keeperTopUp)
	}
	if amount.Sign() <= 0 || amount.Cmp(walletBal) > 0 {
		return decimal.Zero, nil
	}

	e.logger.Info("Funding keeper from sub-wallet",
		"wallet", walletAddr, "amount", types.WeiToEth(amount), "keeperBalance", types.WeiToEth(keeperBal))
	res, err := e.sender.SendNative(ctx, chainID, key, keeper, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return res.GasCostEth, nil
}

// returnRemainder sends the wallet's spare native back to the vault. A
// failure here is pending recovery, not an error: the funds stay in the
// wallet and the next cycle's recovery pass picks them up.
func (e *Executor) returnRemainder(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, walletAddr common.Address) {
	if e.vault == nil {
		return // vaultless chain: wallets custody their own funds
	}
	bal, err := e.gw.Balance(ctx, cfg.ChainID, walletAddr)
	if err != nil {
		e.logger.Warn("Remainder balance read failed, pending recovery", "wallet", walletAddr, "err", err)
		return
	}
	remainder := new(big.Int).Sub(bal, gasReserveWei)
	if remainder.Cmp(minVaultReturnWei) < 0 {
		return
	}
	if _, err := e.vault.ReturnEth(ctx, key, cfg.ID, remainder); err != nil {
		e.logger.Warn("Vault return failed, funds pending recovery",
			"eigen", cfg.ID, "wallet", walletAddr, "amount", types.WeiToEth(remainder), "err", err)
	}
}

// TokensReceived totals the token Transfer logs destined for recipient.
func TokensReceived(logs []*gethtypes.Log, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	for _, lg := range logs {
		if lg.Address != token || len(lg.Topics) < 3 || lg.Topics[0] != chain.TransferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}
