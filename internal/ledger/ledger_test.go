package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigentrade/keeper/internal/store"
	"github.com/eigentrade/keeper/internal/types"
)

type memStore struct {
	positions map[string]*types.TokenPosition
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]*types.TokenPosition)}
}

func posKey(eigen types.EigenID, token, wallet common.Address) string {
	return string(eigen) + "/" + token.Hex() + "/" + wallet.Hex()
}

func (m *memStore) GetPosition(_ context.Context, eigen types.EigenID, token, wallet common.Address) (*types.TokenPosition, error) {
	p, ok := m.positions[posKey(eigen, token, wallet)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.AmountRaw = new(big.Int).Set(p.AmountRaw)
	return &cp, nil
}

func (m *memStore) UpsertPosition(_ context.Context, p *types.TokenPosition) error {
	cp := *p
	cp.AmountRaw = new(big.Int).Set(p.AmountRaw)
	m.positions[posKey(p.Eigen, p.Token, p.Wallet)] = &cp
	return nil
}

func (m *memStore) PositionsForEigen(_ context.Context, eigen types.EigenID, token common.Address) ([]*types.TokenPosition, error) {
	var out []*types.TokenPosition
	for _, p := range m.positions {
		if p.Eigen == eigen && p.Token == token {
			out = append(out, p)
		}
	}
	return out, nil
}

var (
	testEigen  = types.EigenID("eigen-1")
	testToken  = common.HexToAddress("0x01")
	testWallet = common.HexToAddress("0x02")
	altWallet  = common.HexToAddress("0x03")
)

func tokens(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1e18))
}

func TestRecordBuyWeightedAverage(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(100), decimal.NewFromInt(2))
	require.NoError(t, err)
	p, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(100), decimal.NewFromInt(4))
	require.NoError(t, err)

	// 100@2 + 100@4 = 200 tokens costing 600, average entry 3.
	assert.Equal(t, 0, p.AmountRaw.Cmp(tokens(200)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(600)), "cost %s", p.TotalCost)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(3)), "entry %s", p.EntryPrice)
}

func TestRecordSellPartial(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(200), decimal.NewFromInt(3))
	require.NoError(t, err)

	// Sell a quarter at 5: realized = 50*(5-3) = 100, cost shrinks by 25%.
	realized, err := l.RecordSell(ctx, testEigen, testToken, testWallet, tokens(50), decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(100)), "realized %s", realized)

	p, err := l.store.GetPosition(ctx, testEigen, testToken, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 0, p.AmountRaw.Cmp(tokens(150)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(450)), "cost %s", p.TotalCost)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(3)), "entry unchanged, got %s", p.EntryPrice)
}

func TestRecordSellFullClose(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromInt(2))
	require.NoError(t, err)

	realized, err := l.RecordSell(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromFloat(1.5))
	require.NoError(t, err)
	assert.True(t, realized.Equal(decimal.NewFromInt(-5)), "realized %s", realized)

	p, err := l.store.GetPosition(ctx, testEigen, testToken, testWallet)
	require.NoError(t, err)
	assert.True(t, p.IsZero())
	assert.True(t, p.TotalCost.IsZero())
	assert.True(t, p.EntryPrice.IsZero())
}

func TestRecordSellOversell(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(5), decimal.NewFromInt(1))
	require.NoError(t, err)

	_, err = l.RecordSell(ctx, testEigen, testToken, testWallet, tokens(6), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrOversell)
}

func TestAggregateAcrossWallets(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(100), decimal.NewFromInt(2))
	require.NoError(t, err)
	_, err = l.RecordBuy(ctx, testEigen, testToken, altWallet, tokens(300), decimal.NewFromInt(4))
	require.NoError(t, err)

	agg, err := l.AggregatePosition(ctx, testEigen, testToken)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.AmountRaw.Cmp(tokens(400)))
	assert.True(t, agg.TotalCost.Equal(decimal.NewFromInt(1400)))
	assert.True(t, agg.EntryPrice.Equal(decimal.NewFromFloat(3.5)), "entry %s", agg.EntryPrice)

	// At price 7 the 1400-cost position is worth 2800: +100%.
	pnl := agg.UnrealizedPnlPct(decimal.NewFromInt(7))
	assert.True(t, pnl.Equal(decimal.NewFromInt(100)), "pnl %s", pnl)
}

func TestAggregateEmptyIsZero(t *testing.T) {
	l := New(newMemStore())
	agg, err := l.AggregatePosition(context.Background(), testEigen, testToken)
	require.NoError(t, err)
	assert.Equal(t, 0, agg.AmountRaw.Sign())
	assert.True(t, agg.UnrealizedPnlPct(decimal.NewFromInt(10)).IsZero())
}

func TestReconcileDrained(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromInt(2))
	require.NoError(t, err)

	p, err := l.Reconcile(ctx, testEigen, testToken, testWallet, big.NewInt(0), decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	stored, err := l.store.GetPosition(ctx, testEigen, testToken, testWallet)
	require.NoError(t, err)
	assert.True(t, stored.IsZero())
	assert.True(t, stored.TotalCost.IsZero())
}

func TestReconcileDrift(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromInt(2))
	require.NoError(t, err)

	// Chain shows 8 tokens: the stored position stands untouched; a sell
	// caps by the chain balance at execution time instead.
	p, err := l.Reconcile(ctx, testEigen, testToken, testWallet, tokens(8), decimal.NewFromInt(9))
	require.NoError(t, err)
	assert.Equal(t, 0, p.AmountRaw.Cmp(tokens(10)))
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(2)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(20)), "cost %s", p.TotalCost)

	stored, err := l.store.GetPosition(ctx, testEigen, testToken, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AmountRaw.Cmp(tokens(10)))
	assert.True(t, stored.TotalCost.Equal(decimal.NewFromInt(20)))

	// An external transfer in must not inflate the cost basis either.
	p, err = l.Reconcile(ctx, testEigen, testToken, testWallet, tokens(15), decimal.NewFromInt(9))
	require.NoError(t, err)
	assert.Equal(t, 0, p.AmountRaw.Cmp(tokens(10)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(20)))
}

func TestReconcileReconstruct(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	p, err := l.Reconcile(ctx, testEigen, testToken, testWallet, tokens(4), decimal.NewFromFloat(2.5))
	require.NoError(t, err)
	assert.Equal(t, 0, p.AmountRaw.Cmp(tokens(4)))
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(10)))

	stored, err := l.store.GetPosition(ctx, testEigen, testToken, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AmountRaw.Cmp(tokens(4)))
}

func TestReconcileAgreement(t *testing.T) {
	l := New(newMemStore())
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromInt(2))
	require.NoError(t, err)

	p, err := l.Reconcile(ctx, testEigen, testToken, testWallet, tokens(10), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(2)))
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(20)))
}
