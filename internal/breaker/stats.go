package breaker

import (
	"sort"

	"github.com/rogers-f/crucible/internal/domain"
)

// ComputeStatistics aggregates every registered function. It is used for
// reporting only.
func (b *Breaker) ComputeStatistics() domain.CircuitStatistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsFor(func(*domain.FunctionState) bool { return true })
}

// ComputeModuleStatistics aggregates the functions of one module. An
// unknown module yields an empty summary.
func (b *Breaker) ComputeModuleStatistics(module string) domain.ModuleSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	summary := domain.ModuleSummary{
		Module:     module,
		Statistics: b.statsFor(func(fs *domain.FunctionState) bool { return fs.Module == module }),
	}
	for _, id := range b.order {
		fs := b.functions[id]
		if fs.Module == module && fs.Status == domain.FunctionDefective {
			summary.DefectiveFunctions = append(summary.DefectiveFunctions, id)
		}
	}
	return summary
}

// Modules lists the distinct modules in sorted order.
func (b *Breaker) Modules() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, fs := range b.functions {
		if !seen[fs.Module] {
			seen[fs.Module] = true
			out = append(out, fs.Module)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Breaker) statsFor(include func(*domain.FunctionState) bool) domain.CircuitStatistics {
	st := domain.CircuitStatistics{
		AttemptsByTier:     make(map[domain.Tier]int),
		FailuresByCategory: make(map[domain.FailureCategory]int),
		TrippedGlobally:    b.trip.Tripped,
		TripReason:         b.trip.Reason,
	}
	escalated, successAttempts := 0, 0

	for _, id := range b.order {
		fs := b.functions[id]
		if !include(fs) {
			continue
		}
		st.Total++
		switch fs.Status {
		case domain.FunctionPending:
			st.Pending++
		case domain.FunctionInProgress:
			st.InProgress++
		case domain.FunctionSucceeded:
			st.Succeeded++
			successAttempts += len(fs.Attempts)
		case domain.FunctionDefective:
			st.Defective++
		case domain.FunctionEscalated:
			st.Escalated++
		}
		if fs.EscalationCount > 0 {
			escalated++
		}
		if fs.Status != domain.FunctionSucceeded && FreezeStreak(fs.Attempts) >= 2 {
			st.FrozenFunctions++
		}
		st.TotalAttempts += len(fs.Attempts)
		for _, a := range fs.Attempts {
			st.AttemptsByTier[a.Tier]++
			if !a.Passed {
				st.FailuresByCategory[a.Category]++
			}
		}
	}

	if st.Succeeded > 0 {
		st.AverageAttemptsToSuccess = float64(successAttempts) / float64(st.Succeeded)
	}
	if st.Total > 0 {
		st.EscalationRate = float64(escalated) / float64(st.Total)
	}
	return st
}

// FreezeStreak counts the trailing failed attempts that repeat the last
// failure's category and diagnostic. A passing last attempt yields zero.
func FreezeStreak(attempts []domain.ImplementationAttempt) int {
	if len(attempts) == 0 {
		return 0
	}
	last := attempts[len(attempts)-1]
	if last.Passed {
		return 0
	}
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Passed || a.Category != last.Category || a.Diagnostic != last.Diagnostic {
			break
		}
		n++
	}
	return n
}
