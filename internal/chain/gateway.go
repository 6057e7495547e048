// Package chain is the keeper's gateway to JSON-RPC nodes: balance and
// contract reads, batched multicalls, log fetching, transaction submission
// and receipt waits. One read client is kept per configured chain.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// Backend is the subset of ethclient the gateway needs from one chain.
// Narrowed so tests can substitute a fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
}

// Gateway pools one backend per chain id.
type Gateway struct {
	backends    map[uint64]Backend
	logger      log.Logger
	receiptPoll time.Duration
}

// Dial connects to every configured endpoint. A chain that fails to dial is
// a startup error; the keeper cannot trade blind.
func Dial(ctx context.Context, endpoints map[uint64]string) (*Gateway, error) {
	g := &Gateway{
		backends:    make(map[uint64]Backend, len(endpoints)),
		logger:      log.New("component", "chain"),
		receiptPoll: receiptPollInterval,
	}
	for chainID, url := range endpoints {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
		}
		g.backends[chainID] = client
		g.logger.Info("Connected to chain", "chain", chainID, "url", url)
	}
	return g, nil
}

// NewGateway wires pre-built backends, used by tests.
func NewGateway(backends map[uint64]Backend) *Gateway {
	return &Gateway{
		backends:    backends,
		logger:      log.New("component", "chain"),
		receiptPoll: receiptPollInterval,
	}
}

func (g *Gateway) backend(chainID uint64) (Backend, error) {
	b, ok := g.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC client for chain %d", chainID)
	}
	return b, nil
}

// Balance returns the native balance of addr.
func (g *Gateway) Balance(ctx context.Context, chainID uint64, addr common.Address) (*big.Int, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return nil, err
	}
	return b.BalanceAt(ctx, addr, nil)
}

// BlockNumber returns the current head number.
func (g *Gateway) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return 0, err
	}
	return b.BlockNumber(ctx)
}

// PendingNonceAt satisfies nonce.PendingNonceReader.
func (g *Gateway) PendingNonceAt(ctx context.Context, chainID uint64, addr common.Address) (uint64, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return 0, err
	}
	return b.PendingNonceAt(ctx, addr)
}

// Call executes a read-only contract call.
func (g *Gateway) Call(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return nil, err
	}
	return b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// FilterLogs fetches logs matching q.
func (g *Gateway) FilterLogs(ctx context.Context, chainID uint64, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return nil, err
	}
	return b.FilterLogs(ctx, q)
}

// SuggestGasPrice returns the node's gas price suggestion.
func (g *Gateway) SuggestGasPrice(ctx context.Context, chainID uint64) (*big.Int, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return nil, err
	}
	return b.SuggestGasPrice(ctx)
}

// SendTransaction broadcasts a signed transaction.
func (g *Gateway) SendTransaction(ctx context.Context, chainID uint64, tx *gethtypes.Transaction) error {
	b, err := g.backend(chainID)
	if err != nil {
		return err
	}
	return b.SendTransaction(ctx, tx)
}

const (
	// receiptPollInterval is how often WaitReceipt polls the node.
	receiptPollInterval = 2 * time.Second
	// receiptFlakeRetries tolerates this many consecutive RPC errors before
	// giving up (ethereum.NotFound does not count as an error).
	receiptFlakeRetries = 3
	// DefaultReceiptTimeout bounds a receipt wait when the caller passes 0.
	DefaultReceiptTimeout = 90 * time.Second
)

// WaitReceipt polls until the transaction is mined or the timeout elapses.
// Transient RPC errors are retried a few times with doubling backoff.
func (g *Gateway) WaitReceipt(ctx context.Context, chainID uint64, txHash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	b, err := g.backend(chainID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	flakes := 0
	backoff := g.receiptPoll
	for {
		receipt, err := b.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case err == ethereum.NotFound:
			flakes = 0
			backoff = g.receiptPoll
		default:
			flakes++
			if flakes > receiptFlakeRetries {
				return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
			}
			backoff *= 2
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-time.After(backoff):
		}
	}
}
