package nonce

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	reads  int
}

func (f *fakeReader) PendingNonceAt(_ context.Context, _ uint64, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.nonces[addr], nil
}

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestAcquireMonotonic(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{addrA: 4}}
	m := NewManager(r)

	for want := uint64(4); want < 8; want++ {
		lease, err := m.Acquire(context.Background(), 1, addrA)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Nonce)
		lease.Release()
	}
	assert.Equal(t, 1, r.reads, "chain read only on first acquire")
}

func TestInvalidateRereadsChain(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{addrA: 4}}
	m := NewManager(r)

	lease, err := m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), lease.Nonce)
	lease.Invalidate()

	// Chain reports 7 now (someone else landed transactions).
	r.mu.Lock()
	r.nonces[addrA] = 7
	r.mu.Unlock()

	lease, err = m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), lease.Nonce, "invalidate forces chain re-read")
	lease.Release()
}

func TestAddressesIndependent(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{addrA: 1, addrB: 9}}
	m := NewManager(r)

	la, err := m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	// addrB acquire must not wait on addrA's held lock.
	lb, err := m.Acquire(context.Background(), 1, addrB)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), la.Nonce)
	assert.Equal(t, uint64(9), lb.Nonce)
	la.Release()
	lb.Release()
}

func TestChainsIndependent(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{addrA: 3}}
	m := NewManager(r)

	l1, err := m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	l1.Release()
	l2, err := m.Acquire(context.Background(), 10143, addrA)
	require.NoError(t, err)
	l2.Release()

	assert.Equal(t, uint64(3), l1.Nonce)
	assert.Equal(t, uint64(3), l2.Nonce, "separate cache per chain")
}

func TestResetAll(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{addrA: 2}}
	m := NewManager(r)

	lease, err := m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	lease.Release()

	m.ResetAll()
	r.mu.Lock()
	r.nonces[addrA] = 5
	r.mu.Unlock()

	lease, err = m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), lease.Nonce)
	lease.Release()
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	r := &fakeReader{nonces: map[common.Address]uint64{}}
	m := NewManager(r)

	lease, err := m.Acquire(context.Background(), 1, addrA)
	require.NoError(t, err)
	lease.Release()
	assert.NotPanics(t, func() { lease.Release() })
	assert.NotPanics(t, func() { lease.Invalidate() })
}
