package workflow

import (
	"errors"
	"sync"
	"testing"

	"github.com/rogers-f/crucible/internal/domain"
)

func TestCostTable_Lookup(t *testing.T) {
	table := DefaultCostTable()

	if table.Len() != 3 {
		t.Fatalf("Len = %d, want 3", table.Len())
	}
	if table.Name(domain.TierEnhanced) != "enhanced" {
		t.Errorf("Name(enhanced) = %q", table.Name(domain.TierEnhanced))
	}
	if table.Cost(domain.TierFrontier) != 15 {
		t.Errorf("Cost(frontier) = %v", table.Cost(domain.TierFrontier))
	}
	if table.Name(domain.Tier(9)) != "tier-9" {
		t.Errorf("Name(9) = %q", table.Name(domain.Tier(9)))
	}
	if table.Cost(domain.Tier(-1)) != 0 {
		t.Errorf("Cost(-1) = %v, want 0", table.Cost(domain.Tier(-1)))
	}
}

func TestCostTable_Validate(t *testing.T) {
	tests := []struct {
		name    string
		table   CostTable
		maxEsc  int
		wantErr *domain.EngineError
	}{
		{"default covers two escalations", DefaultCostTable(), 2, nil},
		{"too few tiers", DefaultCostTable(), 3, domain.ErrTierUnavailable},
		{"decreasing cost", CostTable{{Name: "a", Cost: 5}, {Name: "b", Cost: 1}}, 1, domain.ErrConfigInvalid},
		{"equal cost allowed", CostTable{{Name: "a", Cost: 2}, {Name: "b", Cost: 2}}, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate(tt.maxEsc)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBudgetGovernor_CheckBudget(t *testing.T) {
	table := CostTable{{Name: "unit", Cost: 1}}
	tests := []struct {
		name   string
		cap    float64
		spends int
		want   domain.CostAction
	}{
		{"under budget", 100, 50, domain.CostContinue},
		{"at warn threshold", 100, 80, domain.CostWarn},
		{"above warn", 100, 95, domain.CostWarn},
		{"at halt threshold", 100, 100, domain.CostHalt},
		{"over budget", 100, 110, domain.CostHalt},
		{"zero cap disables", 0, 1000, domain.CostContinue},
		{"nothing spent", 10, 0, domain.CostContinue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gov := NewBudgetGovernor(table, tt.cap)
			for i := 0; i < tt.spends; i++ {
				gov.RecordUsage(0)
			}
			if got := gov.CheckBudget(); got != tt.want {
				t.Errorf("CheckBudget = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBudgetGovernor_RecordUsageByTier(t *testing.T) {
	gov := NewBudgetGovernor(DefaultCostTable(), 20)

	if got := gov.RecordUsage(domain.TierBase); got != domain.CostContinue {
		t.Errorf("after base: %s", got)
	}
	if got := gov.RecordUsage(domain.TierFrontier); got != domain.CostWarn {
		t.Errorf("after frontier (16/20): %s, want warn", got)
	}
	if got := gov.RecordUsage(domain.TierEnhanced); got != domain.CostHalt {
		t.Errorf("after enhanced (20/20): %s, want halt", got)
	}

	if gov.Spent() != 20 {
		t.Errorf("Spent = %v, want 20", gov.Spent())
	}
	byTier := gov.SpentByTier()
	if byTier[domain.TierBase] != 1 || byTier[domain.TierEnhanced] != 4 || byTier[domain.TierFrontier] != 15 {
		t.Errorf("SpentByTier = %v", byTier)
	}
}

func TestBudgetGovernor_Raise(t *testing.T) {
	gov := NewBudgetGovernor(DefaultCostTable(), 1)
	gov.RecordUsage(domain.TierBase)
	if gov.CheckBudget() != domain.CostHalt {
		t.Fatal("expected halt before raise")
	}

	gov.Raise(9)
	if got := gov.CheckBudget(); got != domain.CostContinue {
		t.Errorf("after raise: %s, want continue", got)
	}
	if gov.Cap() != 10 {
		t.Errorf("Cap = %v, want 10", gov.Cap())
	}
}

func TestBudgetGovernor_ConcurrentUsage(t *testing.T) {
	gov := NewBudgetGovernor(DefaultCostTable(), 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gov.RecordUsage(domain.TierEnhanced)
		}()
	}
	wg.Wait()

	if gov.Spent() != 200 {
		t.Errorf("Spent = %v, want 200", gov.Spent())
	}
}

func TestBudgetGovernor_CapReadDuringRaise(t *testing.T) {
	gov := NewBudgetGovernor(DefaultCostTable(), 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			gov.Raise(1)
		}()
		go func() {
			defer wg.Done()
			if c := gov.Cap(); c < 10 || c > 30 {
				t.Errorf("Cap = %v outside [10, 30]", c)
			}
		}()
	}
	wg.Wait()

	if gov.Cap() != 30 {
		t.Errorf("Cap = %v, want 30", gov.Cap())
	}
}
