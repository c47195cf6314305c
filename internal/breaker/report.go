package breaker

import (
	"github.com/rogers-f/crucible/internal/domain"
)

// GenerateStructuralDefectReport projects every Defective function with its
// full attempt history. It is recomputed on each call.
func (b *Breaker) GenerateStructuralDefectReport() domain.StructuralDefectReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := domain.StructuralDefectReport{
		GeneratedAt:     b.now(),
		TrippedGlobally: b.trip.Tripped,
		TripReason:      b.trip.Reason,
		TripDetail:      b.trip.Detail,
		Statistics:      b.statsFor(func(*domain.FunctionState) bool { return true }),
	}
	for _, id := range b.order {
		fs := b.functions[id]
		if fs.Status == domain.FunctionDefective {
			report.Defects = append(report.Defects, defectOf(fs))
		}
	}
	return report
}

func defectOf(fs *domain.FunctionState) domain.StructuralDefect {
	d := domain.StructuralDefect{
		FunctionID:      fs.ID,
		Module:          fs.Module,
		EscalationCount: fs.EscalationCount,
		Attempts:        append([]domain.ImplementationAttempt(nil), fs.Attempts...),
		FreezeStreak:    FreezeStreak(fs.Attempts),
		Resets:          len(fs.Resets),
	}
	if n := len(fs.Attempts); n > 0 {
		d.LastCategory = fs.Attempts[n-1].Category
	}
	return d
}
