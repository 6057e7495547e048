// Package price derives spot prices from AMM pools, keeps a short in-memory
// history per token, and persists periodic snapshots for charting and AI
// context.
package price

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/types"
)

var (
	ErrZeroPrice      = errors.New("pool returned zero price")
	ErrStalePrice     = errors.New("cached price too old")
	ErrNoPoolAddress  = errors.New("pool address unresolved")
	ErrUnknownVersion = errors.New("unknown pool version")
)

const (
	// Cached prices older than this are not served when the pool read fails.
	defaultMaxStale = 2 * time.Minute
	// In-memory history per token, 24h at 5-minute sampling.
	historyCap = 288
)

// PoolReader is the chain surface the oracle reads pools through.
type PoolReader interface {
	Slot0(ctx context.Context, chainID uint64, pool common.Address) (*big.Int, int32, error)
	Reserves(ctx context.Context, chainID uint64, pool common.Address) (reserve0, reserve1 *big.Int, err error)
	Token0(ctx context.Context, chainID uint64, pool common.Address) (common.Address, error)
}

// SnapshotStore persists price observations.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap *types.PriceSnapshot) error
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

type observation struct {
	Price decimal.Decimal
	At    time.Time
}

// Oracle resolves spot prices with a last-good-value fallback.
type Oracle struct {
	reader   PoolReader
	store    SnapshotStore
	logger   log.Logger
	maxStale time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cache   map[common.Address]cachedPrice
	history map[common.Address]*deque.Deque[observation]
	token0  map[common.Address]common.Address // pool -> token0, immutable once read
}

func NewOracle(reader PoolReader, store SnapshotStore) *Oracle {
	return &Oracle{
		reader:   reader,
		store:    store,
		logger:   log.New("component", "price"),
		maxStale: defaultMaxStale,
		now:      time.Now,
		cache:    make(map[common.Address]cachedPrice),
		history:  make(map[common.Address]*deque.Deque[observation]),
		token0:   make(map[common.Address]common.Address),
	}
}

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// PriceFromSqrtX96 converts a v3 sqrtPriceX96 into base-asset-per-token.
// The raw square gives token1 per token0; when the traded token is token0
// that is already the quote, otherwise it is inverted.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, tokenIsToken0 bool) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return decimal.Zero
	}
	sqrt := decimal.NewFromBigInt(sqrtPriceX96, 0).Div(decimal.NewFromBigInt(q96, 0))
	p := sqrt.Mul(sqrt) // token1 per token0
	if tokenIsToken0 {
		return p
	}
	if p.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Div(p)
}

// PriceFromReserves converts v2 reserves into base-asset-per-token. Both
// tokens are assumed to use 18 decimals, so the raw ratio is the price.
func PriceFromReserves(reserveToken, reserveBase *big.Int) decimal.Decimal {
	if reserveToken == nil || reserveToken.Sign() == 0 || reserveBase == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(reserveBase, 0).Div(decimal.NewFromBigInt(reserveToken, 0))
}

func (o *Oracle) poolToken0(ctx context.Context, chainID uint64, pool common.Address) (common.Address, error) {
	o.mu.Lock()
	t0, ok := o.token0[pool]
	o.mu.Unlock()
	if ok {
		return t0, nil
	}
	t0, err := o.reader.Token0(ctx, chainID, pool)
	if err != nil {
		return common.Address{}, err
	}
	o.mu.Lock()
	o.token0[pool] = t0
	o.mu.Unlock()
	return t0, nil
}

func (o *Oracle) readPool(ctx context.Context, chainID uint64, pool *types.Pool, token common.Address) (decimal.Decimal, error) {
	t0, err := o.poolToken0(ctx, chainID, pool.Address)
	if err != nil {
		return decimal.Zero, err
	}
	tokenIsToken0 := t0 == token

	switch pool.Version {
	case types.PoolV2:
		r0, r1, err := o.reader.Reserves(ctx, chainID, pool.Address)
		if err != nil {
			return decimal.Zero, err
		}
		if tokenIsToken0 {
			return PriceFromReserves(r0, r1), nil
		}
		return PriceFromReserves(r1, r0), nil
	case types.PoolV3, types.PoolV4:
		sqrtPrice, _, err := o.reader.Slot0(ctx, chainID, pool.Address)
		if err != nil {
			return decimal.Zero, err
		}
		return PriceFromSqrtX96(sqrtPrice, tokenIsToken0), nil
	default:
		return decimal.Zero, ErrUnknownVersion
	}
}

// SpotPrice returns the current base-per-token price for the eigen's pool.
// On a failed or zero read it serves the last good value if it is younger
// than the staleness bound; otherwise the error propagates so the caller
// skips the trade.
func (o *Oracle) SpotPrice(ctx context.Context, chainID uint64, pool *types.Pool, token common.Address) (decimal.Decimal, error) {
	if pool == nil || pool.Address == (common.Address{}) {
		return decimal.Zero, ErrNoPoolAddress
	}

	p, err := o.readPool(ctx, chainID, pool, token)
	if err == nil && p.IsPositive() {
		o.remember(token, p)
		return p, nil
	}
	if err == nil {
		err = ErrZeroPrice
	}

	o.mu.Lock()
	cached, ok := o.cache[token]
	o.mu.Unlock()
	if ok && o.now().Sub(cached.at) <= o.maxStale {
		o.logger.Warn("Serving cached price after failed pool read",
			"token", token, "pool", pool.Address, "age", o.now().Sub(cached.at), "err", err)
		return cached.price, nil
	}
	return decimal.Zero, err
}

func (o *Oracle) remember(token common.Address, p decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[token] = cachedPrice{price: p, at: o.now()}
	h, ok := o.history[token]
	if !ok {
		h = new(deque.Deque[observation])
		o.history[token] = h
	}
	h.PushBack(observation{Price: p, At: o.now()})
	for h.Len() > historyCap {
		h.PopFront()
	}
}

// History returns the most recent in-memory observations for token, oldest
// first, at most limit entries.
func (o *Oracle) History(token common.Address, limit int) []decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.history[token]
	if !ok {
		return nil
	}
	n := h.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]decimal.Decimal, 0, n)
	for i := h.Len() - n; i < h.Len(); i++ {
		out = append(out, h.At(i).Price)
	}
	return out
}

// Snapshot persists one observation and records it in memory.
func (o *Oracle) Snapshot(ctx context.Context, token common.Address, p decimal.Decimal, source string) error {
	if !p.IsPositive() {
		return ErrZeroPrice
	}
	o.remember(token, p)
	return o.store.InsertSnapshot(ctx, &types.PriceSnapshot{
		Token:     token,
		Price:     p,
		Source:    source,
		Timestamp: o.now(),
	})
}

// RunSnapshots samples the given pools at the configured cadence until the
// context is cancelled. Read failures are logged and skipped.
func (o *Oracle) RunSnapshots(ctx context.Context, interval time.Duration, list func(ctx context.Context) ([]SnapshotTarget, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			targets, err := list(ctx)
			if err != nil {
				o.logger.Warn("Snapshot target listing failed", "err", err)
				continue
			}
			for _, t := range targets {
				p, err := o.SpotPrice(ctx, t.ChainID, &t.Pool, t.Token)
				if err != nil {
					o.logger.Debug("Snapshot read failed", "token", t.Token, "err", err)
					continue
				}
				if err := o.Snapshot(ctx, t.Token, p, "pool"); err != nil {
					o.logger.Warn("Snapshot insert failed", "token", t.Token, "err", err)
				}
			}
		}
	}
}

// SnapshotTarget names one pool the snapshot job samples.
type SnapshotTarget struct {
	ChainID uint64
	Pool    types.Pool
	Token   common.Address
}
