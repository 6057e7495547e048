// Package reactive detects external buy pressure on an eigen's pool by
// scanning recent swap events. The keeper's own traffic (keeper, vault,
// sub-wallets, known routers) is excluded so an eigen never mirrors itself.
package reactive

import (
	"context"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/eigentrade/keeper/internal/types"
)

// Scans never look further back than this many blocks, whatever the cursor
// says.
const maxScanBlocks = 100

var (
	swapTopicV2 = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	swapTopicV3 = crypto.Keccak256Hash([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))
	swapTopicV4 = crypto.Keccak256Hash([]byte("Swap(bytes32,address,int128,int128,uint160,uint128,int24,uint24)"))
)

// LogReader is the chain surface the detector needs.
type LogReader interface {
	FilterLogs(ctx context.Context, chainID uint64, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	Token0(ctx context.Context, chainID uint64, pool common.Address) (common.Address, error)
}

// Result is one scan's outcome. LatestBlock is always set so the caller can
// advance its cursor even when nothing was found.
type Result struct {
	BuyCount    int
	TotalBaseIn *big.Int
	LatestBlock uint64
}

// Detector scans pool swap events for buys the keeper did not originate.
type Detector struct {
	reader     LogReader
	exclusions mapset.Set[common.Address]
	logger     log.Logger
}

// NewDetector builds a detector excluding the keeper, the vault, and any
// router addresses from the external-buy count.
func NewDetector(reader LogReader, keeper, vault common.Address, routers []common.Address) *Detector {
	ex := mapset.NewSet[common.Address]()
	ex.Add(keeper)
	if vault != (common.Address{}) {
		ex.Add(vault)
	}
	for _, r := range routers {
		ex.Add(r)
	}
	return &Detector{
		reader:     reader,
		exclusions: ex,
		logger:     log.New("component", "reactive"),
	}
}

// Scan fetches swap events for the eigen's pool in [fromBlock, currentBlock]
// (window capped to the last maxScanBlocks) and totals the base asset paid
// in by parties other than the keeper's own addresses.
func (d *Detector) Scan(ctx context.Context, cfg *types.EigenConfig, subWallets []common.Address, fromBlock, currentBlock uint64) (*Result, error) {
	res := &Result{TotalBaseIn: new(big.Int), LatestBlock: currentBlock}

	if cfg.Pool.Address == (common.Address{}) || currentBlock == 0 {
		return res, nil
	}
	if fromBlock > currentBlock {
		return res, nil
	}
	if currentBlock-fromBlock+1 > maxScanBlocks {
		fromBlock = currentBlock - maxScanBlocks + 1
	}

	topic, parse := d.decoder(cfg.Pool.Version)
	if parse == nil {
		d.logger.Debug("No swap decoder for pool version", "eigen", cfg.ID, "version", cfg.Pool.Version)
		return res, nil
	}

	t0, err := d.reader.Token0(ctx, cfg.ChainID, cfg.Pool.Address)
	if err != nil {
		return nil, err
	}
	tokenIsToken0 := t0 == cfg.Token

	logs, err := d.reader.FilterLogs(ctx, cfg.ChainID, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{cfg.Pool.Address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, err
	}

	excluded := d.exclusions.Clone()
	for _, w := range subWallets {
		excluded.Add(w)
	}

	for _, lg := range logs {
		baseIn, parties := parse(lg, tokenIsToken0)
		if baseIn == nil || baseIn.Sign() <= 0 {
			continue
		}
		external := true
		for _, p := range parties {
			if excluded.Contains(p) {
				external = false
				break
			}
		}
		if !external {
			continue
		}
		res.BuyCount++
		res.TotalBaseIn.Add(res.TotalBaseIn, baseIn)
	}
	return res, nil
}

// swapParser extracts the base-asset amount entering the pool and the
// addresses involved. A nil amount means the event was not a buy.
type swapParser func(lg gethtypes.Log, tokenIsToken0 bool) (*big.Int, []common.Address)

func (d *Detector) decoder(version types.PoolVersion) (common.Hash, swapParser) {
	switch version {
	case types.PoolV2:
		return swapTopicV2, parseV2Swap
	case types.PoolV3:
		return swapTopicV3, parseV3Swap
	case types.PoolV4:
		return swapTopicV4, parseV4Swap
	default:
		return common.Hash{}, nil
	}
}

// parseV2Swap reads (amount0In, amount1In, amount0Out, amount1Out) from the
// data segment. A buy pays base in and takes the token out.
func parseV2Swap(lg gethtypes.Log, tokenIsToken0 bool) (*big.Int, []common.Address) {
	if len(lg.Data) < 128 || len(lg.Topics) < 3 {
		return nil, nil
	}
	amount0In := new(big.Int).SetBytes(lg.Data[0:32])
	amount1In := new(big.Int).SetBytes(lg.Data[32:64])
	amount0Out := new(big.Int).SetBytes(lg.Data[64:96])
	amount1Out := new(big.Int).SetBytes(lg.Data[96:128])

	var baseIn, tokenOut *big.Int
	if tokenIsToken0 {
		baseIn, tokenOut = amount1In, amount0Out
	} else {
		baseIn, tokenOut = amount0In, amount1Out
	}
	if baseIn.Sign() <= 0 || tokenOut.Sign() <= 0 {
		return nil, nil
	}
	sender := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	return baseIn, []common.Address{sender, to}
}

// parseV3Swap reads signed (amount0, amount1); positive flows into the pool.
func parseV3Swap(lg gethtypes.Log, tokenIsToken0 bool) (*big.Int, []common.Address) {
	if len(lg.Data) < 64 || len(lg.Topics) < 3 {
		return nil, nil
	}
	amount0 := twosComplement(lg.Data[0:32])
	amount1 := twosComplement(lg.Data[32:64])

	base := amount1
	if !tokenIsToken0 {
		base = amount0
	}
	if base.Sign() <= 0 {
		return nil, nil
	}
	sender := common.BytesToAddress(lg.Topics[1].Bytes())
	recipient := common.BytesToAddress(lg.Topics[2].Bytes())
	return base, []common.Address{sender, recipient}
}

// parseV4Swap mirrors v3 semantics; the sender sits in topic 2 behind the
// pool id.
func parseV4Swap(lg gethtypes.Log, tokenIsToken0 bool) (*big.Int, []common.Address) {
	if len(lg.Data) < 64 || len(lg.Topics) < 3 {
		return nil, nil
	}
	amount0 := twosComplement(lg.Data[0:32])
	amount1 := twosComplement(lg.Data[32:64])

	base := amount1
	if !tokenIsToken0 {
		base = amount0
	}
	if base.Sign() <= 0 {
		return nil, nil
	}
	sender := common.BytesToAddress(lg.Topics[2].Bytes())
	return base, []common.Address{sender}
}

// twosComplement decodes a 256-bit signed big-endian word.
func twosComplement(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return v
}
