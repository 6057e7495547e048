package budget

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eigentrade/keeper/internal/alert"
	"github.com/eigentrade/keeper/internal/types"
)

const spendWindow = time.Hour

type spendState struct {
	totalSpent   decimal.Decimal
	maxVaultSeen decimal.Decimal
	windowStart  time.Time
	alerted      bool
}

// SpendTracker watches per-eigen buy volume over a rolling hour and raises a
// critical alert when spend exceeds a percentage of the largest vault balance
// observed in the window.
type SpendTracker struct {
	mu           sync.Mutex
	state        map[types.EigenID]*spendState
	thresholdPct float64
	sink         *alert.Sink
	now          func() time.Time
}

func NewSpendTracker(thresholdPct float64, sink *alert.Sink) *SpendTracker {
	return &SpendTracker{
		state:        make(map[types.EigenID]*spendState),
		thresholdPct: thresholdPct,
		sink:         sink,
		now:          time.Now,
	}
}

// RecordBuy adds spent to the eigen's hourly window and notes the vault
// balance at trade time. Exactly one high_spend_rate alert fires per window.
func (t *SpendTracker) RecordBuy(eigen types.EigenID, spent, vaultBalance decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := t.state[eigen]
	if st == nil || now.Sub(st.windowStart) >= spendWindow {
		st = &spendState{windowStart: now}
		t.state[eigen] = st
	}
	st.totalSpent = st.totalSpent.Add(spent)
	if vaultBalance.GreaterThan(st.maxVaultSeen) {
		st.maxVaultSeen = vaultBalance
	}

	if st.alerted || st.maxVaultSeen.IsZero() {
		return
	}
	spentPct, _ := st.totalSpent.Div(st.maxVaultSeen).Mul(decimal.NewFromInt(100)).Float64()
	if spentPct >= t.thresholdPct {
		st.alerted = true
		if t.sink != nil {
			t.sink.Emit(alert.Alert{
				Level:   alert.LevelCritical,
				Type:    "high_spend_rate",
				Message: "hourly spend rate above threshold",
				Eigen:   eigen.String(),
				Fields: map[string]any{
					"spent_pct":      spentPct,
					"total_spent":    st.totalSpent.String(),
					"max_vault_seen": st.maxVaultSeen.String(),
					"threshold_pct":  t.thresholdPct,
				},
			})
		}
	}
}

// SpentInWindow returns the eigen's spend inside the current window.
func (t *SpendTracker) SpentInWindow(eigen types.EigenID) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state[eigen]
	if st == nil || t.now().Sub(st.windowStart) >= spendWindow {
		return decimal.Zero
	}
	return st.totalSpent
}
