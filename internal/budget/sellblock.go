package budget

import (
	"sync"
	"time"

	"github.com/eigentrade/keeper/internal/alert"
	"github.com/eigentrade/keeper/internal/types"
)

const (
	// sellBlockThreshold is the consecutive-failure count that engages the
	// cooldown.
	sellBlockThreshold = 3
	// sellBlockCooldown is how long sells stay blocked after the last failure.
	sellBlockCooldown = 5 * time.Minute
	// errTruncateLen bounds the stored last-error string.
	errTruncateLen = 200
)

type sellFailureState struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	lastError           string
	alerted             bool // one blocking alert per threshold crossing
}

// SellBlockTracker tracks consecutive sell failures per eigen and blocks
// further sells for a cooldown window once the threshold is crossed.
type SellBlockTracker struct {
	mu    sync.Mutex
	state map[types.EigenID]*sellFailureState
	sink  *alert.Sink
	now   func() time.Time
}

func NewSellBlockTracker(sink *alert.Sink) *SellBlockTracker {
	return &SellBlockTracker{
		state: make(map[types.EigenID]*sellFailureState),
		sink:  sink,
		now:   time.Now,
	}
}

// RecordFailure notes a failed sell. The third consecutive failure emits a
// structured blocking alert exactly once per crossing.
func (t *SellBlockTracker) RecordFailure(eigen types.EigenID, cause string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state[eigen]
	if st == nil {
		st = &sellFailureState{}
		t.state[eigen] = st
	}
	st.consecutiveFailures++
	st.lastFailureAt = t.now()
	if len(cause) > errTruncateLen {
		cause = cause[:errTruncateLen]
	}
	st.lastError = cause

	if st.consecutiveFailures >= sellBlockThreshold && !st.alerted {
		st.alerted = true
		if t.sink != nil {
			t.sink.Emit(alert.Alert{
				Level:   alert.LevelWarn,
				Type:    "sell_blocked",
				Message: "consecutive sell failures, engaging cooldown",
				Eigen:   eigen.String(),
				Fields: map[string]any{
					"consecutive_failures": st.consecutiveFailures,
					"last_error":           st.lastError,
					"cooldown_seconds":     sellBlockCooldown.Seconds(),
				},
			})
		}
	}
}

// RecordSuccess resets the eigen's failure streak.
func (t *SellBlockTracker) RecordSuccess(eigen types.EigenID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, eigen)
}

// IsBlocked reports whether sells for the eigen are under cooldown. An
// expired cooldown resets the counter on read.
func (t *SellBlockTracker) IsBlocked(eigen types.EigenID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state[eigen]
	if st == nil || st.consecutiveFailures < sellBlockThreshold {
		return false
	}
	if t.now().After(st.lastFailureAt.Add(sellBlockCooldown)) {
		delete(t.state, eigen)
		return false
	}
	return true
}

// Failures returns the current consecutive failure count, for diagnostics.
func (t *SellBlockTracker) Failures(eigen types.EigenID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.state[eigen]; st != nil {
		return st.consecutiveFailures
	}
	return 0
}

// LastError returns the most recent recorded failure cause.
func (t *SellBlockTracker) LastError(eigen types.EigenID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.state[eigen]; st != nil {
		return st.lastError
	}
	return ""
}
