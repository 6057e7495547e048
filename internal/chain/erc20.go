package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"wad","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var tokenABI = mustParseABI(erc20ABI)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func PackBalanceOf(owner common.Address) ([]byte, error) {
	return tokenABI.Pack("balanceOf", owner)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("approve", spender, amount)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return tokenABI.Pack("allowance", owner, spender)
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("transfer", to, amount)
}

// PackWithdraw encodes a wrapped-native withdraw(wad).
func PackWithdraw(amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("withdraw", amount)
}

// Allowance reads allowance(owner, spender) on token.
func (g *Gateway) Allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	raw, err := g.Call(ctx, chainID, token, data)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return new(big.Int), nil
	}
	return new(big.Int).SetBytes(raw[:32]), nil
}

const poolReadABI = `[
  {"inputs":[],"name":"slot0","outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var poolABI = mustParseABI(poolReadABI)

// Slot0 reads a v3-style pool's sqrtPriceX96 and tick.
func (g *Gateway) Slot0(ctx context.Context, chainID uint64, pool common.Address) (*big.Int, int32, error) {
	data, err := poolABI.Pack("slot0")
	if err != nil {
		return nil, 0, err
	}
	raw, err := g.Call(ctx, chainID, pool, data)
	if err != nil {
		return nil, 0, err
	}
	vals, err := poolABI.Unpack("slot0", raw)
	if err != nil || len(vals) < 2 {
		return nil, 0, fmt.Errorf("unpack slot0: %w", err)
	}
	sqrtPrice := vals[0].(*big.Int)
	tick := int32(vals[1].(*big.Int).Int64())
	return sqrtPrice, tick, nil
}

// Reserves reads a v2-style pool's reserves.
func (g *Gateway) Reserves(ctx context.Context, chainID uint64, pool common.Address) (reserve0, reserve1 *big.Int, err error) {
	data, err := poolABI.Pack("getReserves")
	if err != nil {
		return nil, nil, err
	}
	raw, err := g.Call(ctx, chainID, pool, data)
	if err != nil {
		return nil, nil, err
	}
	vals, err := poolABI.Unpack("getReserves", raw)
	if err != nil || len(vals) < 2 {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

// Token0 reads the pool's token0 address, used to orient the price.
func (g *Gateway) Token0(ctx context.Context, chainID uint64, pool common.Address) (common.Address, error) {
	data, err := poolABI.Pack("token0")
	if err != nil {
		return common.Address{}, err
	}
	raw, err := g.Call(ctx, chainID, pool, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := poolABI.Unpack("token0", raw)
	if err != nil || len(vals) < 1 {
		return common.Address{}, fmt.Errorf("unpack token0: %w", err)
	}
	return vals[0].(common.Address), nil
}
