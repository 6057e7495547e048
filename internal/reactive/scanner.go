package reactive

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigentrade/keeper/internal/types"
)

// WalletLister resolves an eigen's sub-wallet addresses so the scan can
// exclude the keeper's own trades.
type WalletLister interface {
	WalletsFor(ctx context.Context, cfg *types.EigenConfig, count int) ([]types.SubWallet, error)
}

// Scanner adapts the detector to the decision engine: it resolves the
// eigen's sub-wallets before each scan and flattens the result.
type Scanner struct {
	detector *Detector
	wallets  WalletLister
}

func NewScanner(d *Detector, wallets WalletLister) *Scanner {
	return &Scanner{detector: d, wallets: wallets}
}

func (s *Scanner) ScanExternalBuys(ctx context.Context, cfg *types.EigenConfig, fromBlock, currentBlock uint64) (*big.Int, int, uint64, error) {
	var addrs []common.Address
	if s.wallets != nil {
		ws, err := s.wallets.WalletsFor(ctx, cfg, cfg.WalletCount)
		if err != nil {
			return nil, 0, 0, err
		}
		for _, w := range ws {
			addrs = append(addrs, w.Address)
		}
	}
	res, err := s.detector.Scan(ctx, cfg, addrs, fromBlock, currentBlock)
	if err != nil {
		return nil, 0, 0, err
	}
	return res.TotalBaseIn, res.BuyCount, res.LatestBlock, nil
}
