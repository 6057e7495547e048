// Package vault binds the on-chain custody contract used on the
// vault-mediated chain. The keeper only ever calls the narrow interface the
// contract exposes to it: deposits, keeper-driven buys, fund returns,
// termination and the two read paths.
package vault

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/eigentrade/keeper/internal/chain"
	"github.com/eigentrade/keeper/internal/types"
)

const vaultABIJSON = `[
  {"inputs":[{"name":"eigenId","type":"bytes32"}],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"name":"eigenId","type":"bytes32"},{"name":"router","type":"address"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"executeBuy","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"eigenId","type":"bytes32"}],"name":"returnEth","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"name":"eigenId","type":"bytes32"}],"name":"keeperTerminate","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"eigenId","type":"bytes32"}],"name":"getNetBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"eigenId","type":"bytes32"}],"name":"getEigenInfo","outputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"},{"name":"netBalance","type":"uint256"},{"name":"active","type":"bool"}],"stateMutability":"view","type":"function"}
]`

var vaultABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic(fmt.Sprintf("vault abi: %v", err))
	}
	return parsed
}()

// Info is the vault's view of one eigen.
type Info struct {
	Owner      common.Address
	Token      common.Address
	NetBalance *big.Int
	Active     bool
}

// Vault wraps the custody contract on one chain.
type Vault struct {
	gw      *chain.Gateway
	sender  *chain.Sender
	address common.Address
	chainID uint64
	logger  log.Logger
}

func New(gw *chain.Gateway, sender *chain.Sender, address common.Address, chainID uint64) *Vault {
	return &Vault{
		gw:      gw,
		sender:  sender,
		address: address,
		chainID: chainID,
		logger:  log.New("component", "vault", "chain", chainID),
	}
}

// Address is the contract address, needed for external-flow exclusion lists.
func (v *Vault) Address() common.Address { return v.address }

// NetBalance reads the eigen's spendable native balance held by the vault.
func (v *Vault) NetBalance(ctx context.Context, eigen types.EigenID) (*big.Int, error) {
	data, err := vaultABI.Pack("getNetBalance", eigen.Bytes32())
	if err != nil {
		return nil, err
	}
	raw, err := v.gw.Call(ctx, v.chainID, v.address, data)
	if err != nil {
		return nil, errors.Wrap(err, "getNetBalance")
	}
	vals, err := vaultABI.Unpack("getNetBalance", raw)
	if err != nil || len(vals) < 1 {
		return nil, errors.Wrap(err, "unpack getNetBalance")
	}
	return vals[0].(*big.Int), nil
}

// EigenInfo reads the vault's registration record for the eigen.
func (v *Vault) EigenInfo(ctx context.Context, eigen types.EigenID) (*Info, error) {
	data, err := vaultABI.Pack("getEigenInfo", eigen.Bytes32())
	if err != nil {
		return nil, err
	}
	raw, err := v.gw.Call(ctx, v.chainID, v.address, data)
	if err != nil {
		return nil, errors.Wrap(err, "getEigenInfo")
	}
	vals, err := vaultABI.Unpack("getEigenInfo", raw)
	if err != nil || len(vals) < 4 {
		return nil, errors.Wrap(err, "unpack getEigenInfo")
	}
	return &Info{
		Owner:      vals[0].(common.Address),
		Token:      vals[1].(common.Address),
		NetBalance: vals[2].(*big.Int),
		Active:     vals[3].(bool),
	}, nil
}

// Deposit credits amount wei to the eigen's vault balance.
func (v *Vault) Deposit(ctx context.Context, key *ecdsa.PrivateKey, eigen types.EigenID, amount *big.Int) (*chain.SendResult, error) {
	data, err := vaultABI.Pack("deposit", eigen.Bytes32())
	if err != nil {
		return nil, err
	}
	return v.sender.SendCall(ctx, v.chainID, key, v.address, data, amount, 0)
}

// ExecuteBuy has the vault spend amount wei of the eigen's balance through
// router with the prepared swap calldata. Only the keeper key may call it.
func (v *Vault) ExecuteBuy(ctx context.Context, keeperKey *ecdsa.PrivateKey, eigen types.EigenID, router common.Address, amount *big.Int, calldata []byte) (*chain.SendResult, error) {
	data, err := vaultABI.Pack("executeBuy", eigen.Bytes32(), router, amount, calldata)
	if err != nil {
		return nil, err
	}
	return v.sender.SendCall(ctx, v.chainID, keeperKey, v.address, data, nil, 0)
}

// ReturnEth pays sale proceeds from a sub-wallet back into the eigen's
// vault balance.
func (v *Vault) ReturnEth(ctx context.Context, key *ecdsa.PrivateKey, eigen types.EigenID, amount *big.Int) (*chain.SendResult, error) {
	data, err := vaultABI.Pack("returnEth", eigen.Bytes32())
	if err != nil {
		return nil, err
	}
	return v.sender.SendCall(ctx, v.chainID, key, v.address, data, amount, 0)
}

// KeeperTerminate finalizes a liquidated eigen on chain, releasing its
// remaining balance to the owner.
func (v *Vault) KeeperTerminate(ctx context.Context, keeperKey *ecdsa.PrivateKey, eigen types.EigenID) (*chain.SendResult, error) {
	data, err := vaultABI.Pack("keeperTerminate", eigen.Bytes32())
	if err != nil {
		return nil, err
	}
	v.logger.Info("Terminating eigen on chain", "eigen", eigen)
	return v.sender.SendCall(ctx, v.chainID, keeperKey, v.address, data, nil, 0)
}
