// Package encoder turns an abstract trade (direction, token, amount, pool,
// recipient, minimum out) into a concrete router address and calldata for
// the pool's AMM version.
package encoder

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/eigentrade/keeper/internal/types"
)

var ErrNoRouter = errors.New("no router configured for pool version")

// Swaps expire if not mined within this window.
const deadlineSlack = 5 * time.Minute

const v2RouterABI = `[
  {"inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactETHForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"payable","type":"function"},
  {"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForETH","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

const v3RouterABI = `[
  {"inputs":[{"components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	v2ABI = mustABI(v2RouterABI)
	v3ABI = mustABI(v3RouterABI)
)

// Route is ready-to-send swap calldata.
type Route struct {
	Router   common.Address
	Calldata []byte
	Value    *big.Int // native value to attach, buys on v2 style routers
}

// Encoder holds the per-chain router and wrapped-native addresses.
type Encoder struct {
	weth     common.Address
	v2Router common.Address
	v3Router common.Address
	now      func() time.Time
}

func New(weth, v2Router, v3Router common.Address) *Encoder {
	return &Encoder{weth: weth, v2Router: v2Router, v3Router: v3Router, now: time.Now}
}

func (e *Encoder) deadline() *big.Int {
	return big.NewInt(e.now().Add(deadlineSlack).Unix())
}

// EncodeBuy spends amountIn wei of the native asset for at least minOut
// tokens delivered to recipient.
func (e *Encoder) EncodeBuy(pool *types.Pool, token, recipient common.Address, amountIn, minOut *big.Int) (*Route, error) {
	switch pool.Version {
	case types.PoolV2:
		if e.v2Router == (common.Address{}) {
			return nil, ErrNoRouter
		}
		data, err := v2ABI.Pack("swapExactETHForTokens",
			minOut, []common.Address{e.weth, token}, recipient, e.deadline())
		if err != nil {
			return nil, err
		}
		return &Route{Router: e.v2Router, Calldata: data, Value: new(big.Int).Set(amountIn)}, nil
	case types.PoolV3, types.PoolV4:
		if e.v3Router == (common.Address{}) {
			return nil, ErrNoRouter
		}
		data, err := v3ABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           e.weth,
			TokenOut:          token,
			Fee:               big.NewInt(int64(pool.Fee)),
			Recipient:         recipient,
			Deadline:          e.deadline(),
			AmountIn:          amountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: new(big.Int),
		})
		if err != nil {
			return nil, err
		}
		return &Route{Router: e.v3Router, Calldata: data, Value: new(big.Int).Set(amountIn)}, nil
	default:
		return nil, errors.Errorf("unsupported pool version %q", pool.Version)
	}
}

// EncodeSell swaps amountIn token base units back to the native asset for
// recipient, tolerating no less than minOut wei.
func (e *Encoder) EncodeSell(pool *types.Pool, token, recipient common.Address, amountIn, minOut *big.Int) (*Route, error) {
	switch pool.Version {
	case types.PoolV2:
		if e.v2Router == (common.Address{}) {
			return nil, ErrNoRouter
		}
		data, err := v2ABI.Pack("swapExactTokensForETH",
			amountIn, minOut, []common.Address{token, e.weth}, recipient, e.deadline())
		if err != nil {
			return nil, err
		}
		return &Route{Router: e.v2Router, Calldata: data, Value: new(big.Int)}, nil
	case types.PoolV3, types.PoolV4:
		if e.v3Router == (common.Address{}) {
			return nil, ErrNoRouter
		}
		data, err := v3ABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           token,
			TokenOut:          e.weth,
			Fee:               big.NewInt(int64(pool.Fee)),
			Recipient:         recipient,
			Deadline:          e.deadline(),
			AmountIn:          amountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: new(big.Int),
		})
		if err != nil {
			return nil, err
		}
		return &Route{Router: e.v3Router, Calldata: data, Value: new(big.Int)}, nil
	default:
		return nil, errors.Errorf("unsupported pool version %q", pool.Version)
	}
}

// Routers lists the router addresses so callers can exclude keeper traffic
// from external-flow scans.
func (e *Encoder) Routers() []common.Address {
	var out []common.Address
	if e.v2Router != (common.Address{}) {
		out = append(out, e.v2Router)
	}
	if e.v3Router != (common.Address{}) {
		out = append(out, e.v3Router)
	}
	return out
}

// MinOutWithSlippage applies a basis-point haircut to an expected output.
func MinOutWithSlippage(expected *big.Int, slippageBps int) *big.Int {
	if expected == nil {
		return new(big.Int)
	}
	keep := big.NewInt(int64(10000 - slippageBps))
	out := new(big.Int).Mul(expected, keep)
	return out.Div(out, big.NewInt(10000))
}

// exactInputSingleParams matches the v3 router tuple layout; field order is
// load-bearing for ABI packing.
type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}
