package workflow

import (
	"fmt"
	"sync"

	"github.com/rogers-f/crucible/internal/domain"
)

// TierSpec is one row of the capability-cost table.
type TierSpec struct {
	Name string
	Cost float64
}

// CostTable lists the tiers in escalation order; index i describes domain.Tier(i).
type CostTable []TierSpec

// DefaultCostTable returns the standard three-tier table.
func DefaultCostTable() CostTable {
	return CostTable{
		{Name: "base", Cost: 1},
		{Name: "enhanced", Cost: 4},
		{Name: "frontier", Cost: 15},
	}
}

// Len returns the number of tiers.
func (t CostTable) Len() int { return len(t) }

// Name returns the tier's name, or a placeholder for unknown tiers.
func (t CostTable) Name(tier domain.Tier) string {
	if int(tier) < 0 || int(tier) >= len(t) {
		return fmt.Sprintf("tier-%d", tier)
	}
	return t[tier].Name
}

// Cost returns the cost units charged for one attempt at tier.
func (t CostTable) Cost(tier domain.Tier) float64 {
	if int(tier) < 0 || int(tier) >= len(t) {
		return 0
	}
	return t[tier].Cost
}

// Validate checks the table covers every tier reachable with maxEscalations
// and that cost never decreases with capability.
func (t CostTable) Validate(maxEscalations int) error {
	if len(t) < maxEscalations+1 {
		return domain.NewEngineError(
			domain.ErrTierUnavailable.Code,
			fmt.Sprintf("cost table has %d tiers, %d escalations need %d", len(t), maxEscalations, maxEscalations+1),
		)
	}
	for i := 1; i < len(t); i++ {
		if t[i].Cost < t[i-1].Cost {
			return domain.NewEngineError(
				domain.ErrConfigInvalid.Code,
				fmt.Sprintf("tier %s is cheaper than tier %s", t[i].Name, t[i-1].Name),
			)
		}
	}
	return nil
}

// BudgetGovernor enforces a run-wide budget expressed in tier cost units.
type BudgetGovernor struct {
	Table CostTable

	// WarnRatio is the fraction of budget at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of budget at which execution is halted (default 1.0).
	HaltRatio float64

	mu       sync.Mutex
	capUnits float64
	spent    float64
	byTier   map[domain.Tier]float64
}

// NewBudgetGovernor creates a governor with standard thresholds. A zero cap
// disables the budget.
func NewBudgetGovernor(table CostTable, capUnits float64) *BudgetGovernor {
	return &BudgetGovernor{
		Table:     table,
		capUnits:  capUnits,
		WarnRatio: 0.8,
		HaltRatio: 1.0,
		byTier:    make(map[domain.Tier]float64),
	}
}

// RecordUsage charges one attempt at tier and returns the resulting action.
func (g *BudgetGovernor) RecordUsage(tier domain.Tier) domain.CostAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	cost := g.Table.Cost(tier)
	g.spent += cost
	g.byTier[tier] += cost
	return g.evaluate(g.spent, g.capUnits)
}

// CheckBudget evaluates the current budget status without modifying it.
func (g *BudgetGovernor) CheckBudget() domain.CostAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluate(g.spent, g.capUnits)
}

// Spent returns the total units charged so far.
func (g *BudgetGovernor) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// SpentByTier returns the units charged per tier.
func (g *BudgetGovernor) SpentByTier() map[domain.Tier]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[domain.Tier]float64, len(g.byTier))
	for k, v := range g.byTier {
		out[k] = v
	}
	return out
}

// Cap returns the current cap in units. Zero means unlimited.
func (g *BudgetGovernor) Cap() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capUnits
}

// Raise lifts the cap, typically after an operator approves more spend.
func (g *BudgetGovernor) Raise(extraUnits float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capUnits += extraUnits
}

func (g *BudgetGovernor) evaluate(used, cap float64) domain.CostAction {
	if cap <= 0 {
		return domain.CostContinue
	}
	ratio := used / cap
	if ratio >= g.HaltRatio {
		return domain.CostHalt
	}
	if ratio >= g.WarnRatio {
		return domain.CostWarn
	}
	return domain.CostContinue
}
