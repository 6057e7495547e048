package price

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigentrade/keeper/internal/types"
)

type fakeReader struct {
	sqrtPrice *big.Int
	reserve0  *big.Int
	reserve1  *big.Int
	token0    common.Address
	err       error
}

func (f *fakeReader) Slot0(context.Context, uint64, common.Address) (*big.Int, int32, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.sqrtPrice, 0, nil
}

func (f *fakeReader) Reserves(context.Context, uint64, common.Address) (*big.Int, *big.Int, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.reserve0, f.reserve1, nil
}

func (f *fakeReader) Token0(context.Context, uint64, common.Address) (common.Address, error) {
	return f.token0, nil
}

type fakeSnapStore struct {
	snaps []*types.PriceSnapshot
}

func (f *fakeSnapStore) InsertSnapshot(_ context.Context, s *types.PriceSnapshot) error {
	f.snaps = append(f.snaps, s)
	return nil
}

var (
	testToken = common.HexToAddress("0xaa")
	baseToken = common.HexToAddress("0xbb")
	poolAddr  = common.HexToAddress("0xcc")
)

func v2Pool() *types.Pool {
	return &types.Pool{Version: types.PoolV2, Address: poolAddr}
}

func v3Pool() *types.Pool {
	return &types.Pool{Version: types.PoolV3, Address: poolAddr}
}

func TestPriceFromSqrtX96(t *testing.T) {
	// sqrtPriceX96 = 2*2^96 encodes token1/token0 = 4.
	sqrt := new(big.Int).Lsh(big.NewInt(2), 96)

	asToken0 := PriceFromSqrtX96(sqrt, true)
	assert.True(t, asToken0.Equal(decimal.NewFromInt(4)), "got %s", asToken0)

	asToken1 := PriceFromSqrtX96(sqrt, false)
	assert.True(t, asToken1.Equal(decimal.NewFromFloat(0.25)), "got %s", asToken1)

	assert.True(t, PriceFromSqrtX96(big.NewInt(0), true).IsZero())
	assert.True(t, PriceFromSqrtX96(nil, true).IsZero())
}

func TestPriceFromReserves(t *testing.T) {
	// 1000 tokens against 250 base: 0.25 base per token.
	p := PriceFromReserves(big.NewInt(1000), big.NewInt(250))
	assert.True(t, p.Equal(decimal.NewFromFloat(0.25)), "got %s", p)

	assert.True(t, PriceFromReserves(big.NewInt(0), big.NewInt(1)).IsZero())
}

func TestSpotPriceV2Orientation(t *testing.T) {
	reader := &fakeReader{
		reserve0: big.NewInt(1000),
		reserve1: big.NewInt(250),
		token0:   testToken,
	}
	o := NewOracle(reader, &fakeSnapStore{})

	p, err := o.SpotPrice(context.Background(), 1, v2Pool(), testToken)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromFloat(0.25)), "got %s", p)

	// Same pool read with the token on the other side inverts the ratio.
	reader.token0 = baseToken
	o2 := NewOracle(reader, &fakeSnapStore{})
	p, err = o2.SpotPrice(context.Background(), 1, v2Pool(), testToken)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(4)), "got %s", p)
}

func TestSpotPriceV3(t *testing.T) {
	reader := &fakeReader{
		sqrtPrice: new(big.Int).Lsh(big.NewInt(2), 96),
		token0:    testToken,
	}
	o := NewOracle(reader, &fakeSnapStore{})

	p, err := o.SpotPrice(context.Background(), 1, v3Pool(), testToken)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(4)), "got %s", p)
}

func TestSpotPriceStaleFallback(t *testing.T) {
	reader := &fakeReader{
		reserve0: big.NewInt(1000),
		reserve1: big.NewInt(250),
		token0:   testToken,
	}
	o := NewOracle(reader, &fakeSnapStore{})
	now := time.Unix(1000, 0)
	o.now = func() time.Time { return now }

	_, err := o.SpotPrice(context.Background(), 1, v2Pool(), testToken)
	require.NoError(t, err)

	// A fresh failure serves the cached value.
	reader.err = errors.New("rpc down")
	now = now.Add(time.Minute)
	p, err := o.SpotPrice(context.Background(), 1, v2Pool(), testToken)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromFloat(0.25)))

	// Past the staleness bound the error surfaces.
	now = now.Add(5 * time.Minute)
	_, err = o.SpotPrice(context.Background(), 1, v2Pool(), testToken)
	assert.Error(t, err)
}

func TestSpotPriceNoPool(t *testing.T) {
	o := NewOracle(&fakeReader{}, &fakeSnapStore{})
	_, err := o.SpotPrice(context.Background(), 1, &types.Pool{Version: types.PoolV2}, testToken)
	assert.ErrorIs(t, err, ErrNoPoolAddress)
}

func TestSnapshotPersistsAndFeedsHistory(t *testing.T) {
	st := &fakeSnapStore{}
	o := NewOracle(&fakeReader{}, st)

	for i := 1; i <= 5; i++ {
		require.NoError(t, o.Snapshot(context.Background(), testToken, decimal.NewFromInt(int64(i)), "test"))
	}
	require.Len(t, st.snaps, 5)
	assert.Equal(t, "test", st.snaps[0].Source)

	h := o.History(testToken, 3)
	require.Len(t, h, 3)
	assert.True(t, h[0].Equal(decimal.NewFromInt(3)))
	assert.True(t, h[2].Equal(decimal.NewFromInt(5)))

	assert.Error(t, o.Snapshot(context.Background(), testToken, decimal.Zero, "test"))
}

func TestHistoryBounded(t *testing.T) {
	o := NewOracle(&fakeReader{}, &fakeSnapStore{})
	for i := 0; i < historyCap+20; i++ {
		o.remember(testToken, decimal.NewFromInt(int64(i)))
	}
	h := o.History(testToken, 0)
	assert.Len(t, h, historyCap)
	assert.True(t, h[len(h)-1].Equal(decimal.NewFromInt(historyCap+19)))
}
