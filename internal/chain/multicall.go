package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3 is deployed at the same address on every chain the keeper
// supports.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const multicall3ABI = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

var mc3ABI = mustParseABI(multicall3ABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// multicallBatchSize caps calls per aggregate3 request.
const multicallBatchSize = 100

// Call3 is one multicall entry.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// CallResult mirrors Multicall3.Result.
type CallResult struct {
	Success    bool
	ReturnData []byte
}

// Multicall executes calls in batches of at most 100. A batch-level RPC
// failure maps every entry of that batch to an unsuccessful empty result
// instead of aborting the whole operation.
func (g *Gateway) Multicall(ctx context.Context, chainID uint64, calls []Call3) ([]CallResult, error) {
	if _, err := g.backend(chainID); err != nil {
		return nil, err
	}
	results := make([]CallResult, 0, len(calls))
	for start := 0; start < len(calls); start += multicallBatchSize {
		end := min(start+multicallBatchSize, len(calls))
		batch := calls[start:end]

		batchResults, err := g.aggregate3(ctx, chainID, batch)
		if err != nil {
			g.logger.Warn("Multicall batch failed", "chain", chainID, "batch_size", len(batch), "err", err)
			for range batch {
				results = append(results, CallResult{})
			}
			continue
		}
		results = append(results, batchResults...)
	}
	return results, nil
}

func (g *Gateway) aggregate3(ctx context.Context, chainID uint64, batch []Call3) ([]CallResult, error) {
	data, err := mc3ABI.Pack("aggregate3", batch)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	raw, err := g.Call(ctx, chainID, Multicall3Address, data)
	if err != nil {
		return nil, err
	}
	var out []CallResult
	if err := mc3ABI.UnpackIntoInterface(&out, "aggregate3", raw); err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(out) != len(batch) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(out), len(batch))
	}
	return out, nil
}

// TokenBalances batch-reads balanceOf(token, holder) for every holder.
// Failed entries come back as zero.
func (g *Gateway) TokenBalances(ctx context.Context, chainID uint64, token common.Address, holders []common.Address) ([]*big.Int, error) {
	calls := make([]Call3, len(holders))
	for i, holder := range holders {
		data, err := PackBalanceOf(holder)
		if err != nil {
			return nil, err
		}
		calls[i] = Call3{Target: token, AllowFailure: true, CallData: data}
	}
	results, err := g.Multicall(ctx, chainID, calls)
	if err != nil {
		return nil, err
	}
	balances := make([]*big.Int, len(holders))
	for i, res := range results {
		if !res.Success || len(res.ReturnData) < 32 {
			balances[i] = new(big.Int)
			continue
		}
		balances[i] = new(big.Int).SetBytes(res.ReturnData[:32])
	}
	return balances, nil
}

// TokenBalance reads one ERC-20 balance directly.
func (g *Gateway) TokenBalance(ctx context.Context, chainID uint64, token, holder common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(holder)
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
