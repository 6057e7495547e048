// Package nonce serializes transaction nonces per sending address. Each
// address owns a mutex and a monotonically increasing cached nonce; callers
// must invalidate on any send failure so the next acquire re-reads the chain.
package nonce

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// PendingNonceReader reads an address's pending transaction count.
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, chainID uint64, addr common.Address) (uint64, error)
}

type addrState struct {
	mu          sync.Mutex
	current     uint64
	initialized bool
}

// Manager hands out strictly increasing nonces per (chain, address).
// Parallel across addresses, serialized within one address.
type Manager struct {
	mu     sync.Mutex
	states map[string]*addrState
	reader PendingNonceReader
	logger log.Logger
}

func NewManager(reader PendingNonceReader) *Manager {
	return &Manager{
		states: make(map[string]*addrState),
		reader: reader,
		logger: log.New("component", "nonce"),
	}
}

func key(chainID uint64, addr common.Address) string {
	return addr.Hex() + "/" + strconv.FormatUint(chainID, 10)
}

func (m *Manager) state(chainID uint64, addr common.Address) *addrState {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(chainID, addr)
	st := m.states[k]
	if st == nil {
		st = &addrState{}
		m.states[k] = st
	}
	return st
}

// Lease is one handed-out nonce. Exactly one of Release or Invalidate must
// be called; Invalidate additionally drops the cache so the next Acquire
// re-reads the chain.
type Lease struct {
	Nonce      uint64
	release    func()
	invalidate func()
	done       bool
}

func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.release()
}

func (l *Lease) Invalidate() {
	if l.done {
		return
	}
	l.done = true
	l.invalidate()
}

// Acquire locks the address, initializes the cache from the chain's pending
// count when needed, and hands out the next nonce. The cached counter is
// pre-incremented optimistically; a failed send must Invalidate.
func (m *Manager) Acquire(ctx context.Context, chainID uint64, addr common.Address) (*Lease, error) {
	st := m.state(chainID, addr)
	st.mu.Lock()

	if !st.initialized {
		n, err := m.reader.PendingNonceAt(ctx, chainID, addr)
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		st.current = n
		st.initialized = true
	}

	nonce := st.current
	st.current++ // optimistic

	return &Lease{
		Nonce:   nonce,
		release: st.mu.Unlock,
		invalidate: func() {
			st.initialized = false
			m.logger.Debug("Nonce cache invalidated", "addr", addr, "chain", chainID, "nonce", nonce)
			st.mu.Unlock()
		},
	}, nil
}

// ResetAll drops every cached nonce. Called at cycle start to guarantee
// fresh state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*addrState)
}
