// Package budget holds the keeper's in-memory failure and spend state
// machines: the per-cycle gas budget, the per-eigen sell-block cooldown and
// the rolling-hour spend tracker. All state is ephemeral and rebuilt on
// process start.
package budget

import (
	"sync"

	"github.com/shopspring/decimal"
)

// CycleGasBudget caps native-asset spend inside one scheduler cycle. The
// scheduler seeds a fresh tracker per cycle and low-priority eigens are shed
// once the budget exhausts.
type CycleGasBudget struct {
	mu     sync.Mutex
	budget decimal.Decimal
	spent  decimal.Decimal
}

func NewCycleGasBudget(budget decimal.Decimal) *CycleGasBudget {
	return &CycleGasBudget{budget: budget}
}

// CanAfford reports whether spending estimate keeps the cycle within budget.
func (b *CycleGasBudget) CanAfford(estimate decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent.Add(estimate).LessThanOrEqual(b.budget)
}

// RecordSpend adds actually-used gas to the cycle total.
func (b *CycleGasBudget) RecordSpend(used decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent = b.spent.Add(used)
}

// Spent returns the gas recorded so far this cycle.
func (b *CycleGasBudget) Spent() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Budget returns the configured cap.
func (b *CycleGasBudget) Budget() decimal.Decimal {
	return b.budget
}
