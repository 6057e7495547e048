package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/types"
)

// RecoverStranded sweeps assets that previous cycles left behind in
// sub-wallets: wrapped native that never got unwrapped, and, on the
// vault-mediated chain, native that never made it back to the vault.
// Per-wallet failures are logged and the sweep moves on; recovery must
// never block a trade cycle.
func (e *Executor) RecoverStranded(ctx context.Context, cfg *types.EigenConfig, wallets []types.SubWallet) {
	for _, w := range wallets {
		key, err := e.wallets.KeyFor(ctx, cfg, w)
		if err != nil {
			e.logger.Warn("Recovery key unavailable", "eigen", cfg.ID, "wallet", w.Address, "err", err)
			continue
		}
		e.recoverWeth(ctx, cfg, key, w)
		e.recoverNative(ctx, cfg, key, w)
	}
}

func (e *Executor) recoverWeth(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, w types.SubWallet) {
	bal, err := e.gw.TokenBalance(ctx, cfg.ChainID, e.weth, w.Address)
	if err != nil || bal.Sign() == 0 {
		return
	}
	// Unwrap the full stranded balance.
	data, err := chain.PackWithdraw(bal)
	if err != nil {
		return
	}
	if _, err := e.sender.SendCall(ctx, cfg.ChainID, key, e.weth, data, nil, 0); err != nil {
		e.logger.Warn("Stranded wrap recovery failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
		return
	}
	e.logger.Info("Recovered stranded wrapped native",
		"eigen", cfg.ID, "wallet", w.Address, "amount", types.WeiToEth(bal))
}

func (e *Executor) recoverNative(ctx context.Context, cfg *types.EigenConfig, key *ecdsa.PrivateKey, w types.SubWallet) {
	// Vaultless chain: sub-wallet native balances are the eigen's trading
	// capital and stay where they are. Only liquidation drains them.
	if e.vault == nil {
		return
	}
	bal, err := e.gw.Balance(ctx, cfg.ChainID, w.Address)
	if err != nil {
		return
	}
	spare := new(big.Int).Sub(bal, gasReserveWei)
	if spare.Sign() <= 0 {
		return
	}

	if spare.Cmp(minVaultReturnWei) >= 0 {
		if _, err := e.vault.ReturnEth(ctx, key, cfg.ID, spare); err == nil {
			e.logger.Info("Recovered stranded native to vault",
				"eigen", cfg.ID, "wallet", w.Address, "amount", types.WeiToEth(spare))
			return
		}
	}

	// Too small for a vault call: send straight to the keeper.
	_, costWei, err := e.sender.TransferCostEth(ctx, cfg.ChainID)
	if err != nil {
		return
	}
	spare.Sub(spare, costWei)
	if spare.Sign() <= 0 {
		return
	}
	if _, err := e.sender.SendNative(ctx, cfg.ChainID, key, e.wallets.KeeperAddress(), spare); err != nil {
		e.logger.Warn("Stranded native recovery failed", "eigen", cfg.ID, "wallet", w.Address, "err", err)
		return
	}
	e.logger.Info("Recovered stranded native to keeper",
		"eigen", cfg.ID, "wallet", w.Address, "amount", types.WeiToEth(spare))
}
