// Package report renders structural defect reports and circuit statistics
// for terminals and for YAML export.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/workflow"
)

// Renderer formats reports. Tiers names attempt tiers; Now anchors the
// relative times printed next to attempts.
type Renderer struct {
	Tiers workflow.CostTable
	Now   func() time.Time
}

// New returns a Renderer using the wall clock.
func New(tiers workflow.CostTable) *Renderer {
	return &Renderer{Tiers: tiers, Now: time.Now}
}

var (
	headerColor = color.New(color.Bold)
	tripColor   = color.New(color.FgRed, color.Bold)
	okColor     = color.New(color.FgHiGreen)
	defectColor = color.New(color.FgRed)
	warnColor   = color.New(color.FgYellow)
	dimColor    = color.New(color.FgHiBlack)
)

// Text writes the report as colored, human readable text.
func (r *Renderer) Text(w io.Writer, rep domain.StructuralDefectReport) error {
	now := r.now()
	headerColor.Fprintf(w, "Structural defect report (%s)\n", humanize.RelTime(rep.GeneratedAt, now, "ago", "from now"))
	if rep.TrippedGlobally {
		tripColor.Fprintf(w, "Circuit TRIPPED: %s\n", rep.TripReason)
		if rep.TripDetail != "" {
			fmt.Fprintf(w, "  %s\n", rep.TripDetail)
		}
	} else {
		okColor.Fprintln(w, "Circuit closed")
	}
	fmt.Fprintln(w)

	r.writeStats(w, rep.Statistics)

	if len(rep.Defects) == 0 {
		fmt.Fprintln(w)
		okColor.Fprintln(w, "No defective functions.")
		return nil
	}

	fmt.Fprintln(w)
	headerColor.Fprintf(w, "Defective functions (%d)\n", len(rep.Defects))
	for _, d := range rep.Defects {
		fmt.Fprintf(w, "\n%s %s\n", defectColor.Sprint("✗"), d.FunctionID)
		fmt.Fprintf(w, "  module: %s  escalations: %d  last: %s\n", d.Module, d.EscalationCount, d.LastCategory)
		if d.FreezeStreak > 1 {
			warnColor.Fprintf(w, "  ⚠ frozen: last %d attempts failed identically\n", d.FreezeStreak)
		}
		if d.Resets > 0 {
			dimColor.Fprintf(w, "  reset %d time(s) by an operator\n", d.Resets)
		}
		for _, a := range d.Attempts {
			r.writeAttempt(w, a, now)
		}
	}
	return nil
}

// Stats writes circuit statistics as text.
func (r *Renderer) Stats(w io.Writer, st domain.CircuitStatistics) error {
	r.writeStats(w, st)
	return nil
}

// Module writes a per-module summary as text.
func (r *Renderer) Module(w io.Writer, sum domain.ModuleSummary) error {
	headerColor.Fprintf(w, "Module %s\n", sum.Module)
	r.writeStats(w, sum.Statistics)
	if len(sum.DefectiveFunctions) > 0 {
		fmt.Fprintf(w, "defective: %s\n", defectColor.Sprint(strings.Join(sum.DefectiveFunctions, ", ")))
	}
	return nil
}

func (r *Renderer) writeStats(w io.Writer, st domain.CircuitStatistics) {
	fmt.Fprintf(w, "functions: %d  succeeded: %s  defective: %s  pending: %d  escalated: %d\n",
		st.Total,
		okColor.Sprint(st.Succeeded),
		defectColor.Sprint(st.Defective),
		st.Pending+st.InProgress,
		st.Escalated,
	)
	fmt.Fprintf(w, "attempts: %s  avg to success: %.2f  escalation rate: %.0f%%  frozen: %d\n",
		humanize.Comma(int64(st.TotalAttempts)),
		st.AverageAttemptsToSuccess,
		st.EscalationRate*100,
		st.FrozenFunctions,
	)
	if len(st.AttemptsByTier) > 0 {
		tiers := make([]domain.Tier, 0, len(st.AttemptsByTier))
		for t := range st.AttemptsByTier {
			tiers = append(tiers, t)
		}
		sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
		parts := make([]string, 0, len(tiers))
		for _, t := range tiers {
			parts = append(parts, fmt.Sprintf("%s=%d", r.tierName(t), st.AttemptsByTier[t]))
		}
		fmt.Fprintf(w, "by tier: %s\n", strings.Join(parts, " "))
	}
	if len(st.FailuresByCategory) > 0 {
		cats := make([]string, 0, len(st.FailuresByCategory))
		for c := range st.FailuresByCategory {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		parts := make([]string, 0, len(cats))
		for _, c := range cats {
			parts = append(parts, fmt.Sprintf("%s=%d", c, st.FailuresByCategory[domain.FailureCategory(c)]))
		}
		fmt.Fprintf(w, "failures: %s\n", strings.Join(parts, " "))
	}
}

func (r *Renderer) writeAttempt(w io.Writer, a domain.ImplementationAttempt, now time.Time) {
	mark := defectColor.Sprint("fail")
	if a.Passed {
		mark = okColor.Sprint("pass")
	}
	fmt.Fprintf(w, "  #%d %-8s %s %s", a.Index, r.tierName(a.Tier), mark, dimColor.Sprint(humanize.RelTime(a.CompletedAt, now, "ago", "from now")))
	if !a.Passed {
		fmt.Fprintf(w, " [%s]", a.Category)
	}
	fmt.Fprintln(w)
	if a.Diagnostic != "" {
		for _, line := range strings.Split(strings.TrimRight(a.Diagnostic, "\n"), "\n") {
			dimColor.Fprintf(w, "      %s\n", line)
		}
	}
}

func (r *Renderer) tierName(t domain.Tier) string {
	if r.Tiers != nil {
		return r.Tiers.Name(t)
	}
	return fmt.Sprintf("tier%d", t)
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Document is the YAML form of a structural defect report.
type Document struct {
	GeneratedAt time.Time     `yaml:"generated_at"`
	Tripped     bool          `yaml:"tripped"`
	TripReason  string        `yaml:"trip_reason,omitempty"`
	TripDetail  string        `yaml:"trip_detail,omitempty"`
	Statistics  StatsDocument `yaml:"statistics"`
	Defects     []DefectEntry `yaml:"defects"`
}

// StatsDocument is the YAML form of circuit statistics.
type StatsDocument struct {
	Total                    int            `yaml:"total"`
	Succeeded                int            `yaml:"succeeded"`
	Defective                int            `yaml:"defective"`
	Pending                  int            `yaml:"pending"`
	Escalated                int            `yaml:"escalated"`
	TotalAttempts            int            `yaml:"total_attempts"`
	AverageAttemptsToSuccess float64        `yaml:"average_attempts_to_success"`
	EscalationRate           float64        `yaml:"escalation_rate"`
	FrozenFunctions          int            `yaml:"frozen_functions"`
	AttemptsByTier           map[string]int `yaml:"attempts_by_tier,omitempty"`
	FailuresByCategory       map[string]int `yaml:"failures_by_category,omitempty"`
}

// DefectEntry is one defective function in a Document.
type DefectEntry struct {
	Function     string         `yaml:"function"`
	Module       string         `yaml:"module"`
	Escalations  int            `yaml:"escalations"`
	LastCategory string         `yaml:"last_category"`
	FreezeStreak int            `yaml:"freeze_streak"`
	Resets       int            `yaml:"resets,omitempty"`
	Attempts     []AttemptEntry `yaml:"attempts"`
}

// AttemptEntry is one attempt in a DefectEntry.
type AttemptEntry struct {
	Index      int       `yaml:"index"`
	Tier       string    `yaml:"tier"`
	Passed     bool      `yaml:"passed"`
	Category   string    `yaml:"category,omitempty"`
	Diagnostic string    `yaml:"diagnostic,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	Completed  time.Time `yaml:"completed_at"`
}

// Document converts rep to its YAML form.
func (r *Renderer) Document(rep domain.StructuralDefectReport) Document {
	doc := Document{
		GeneratedAt: rep.GeneratedAt,
		Tripped:     rep.TrippedGlobally,
		TripReason:  string(rep.TripReason),
		TripDetail:  rep.TripDetail,
		Statistics:  r.statsDocument(rep.Statistics),
		Defects:     make([]DefectEntry, 0, len(rep.Defects)),
	}
	for _, d := range rep.Defects {
		e := DefectEntry{
			Function:     d.FunctionID,
			Module:       d.Module,
			Escalations:  d.EscalationCount,
			LastCategory: string(d.LastCategory),
			FreezeStreak: d.FreezeStreak,
			Resets:       d.Resets,
		}
		for _, a := range d.Attempts {
			e.Attempts = append(e.Attempts, AttemptEntry{
				Index:      a.Index,
				Tier:       r.tierName(a.Tier),
				Passed:     a.Passed,
				Category:   string(a.Category),
				Diagnostic: a.Diagnostic,
				StartedAt:  a.StartedAt,
				Completed:  a.CompletedAt,
			})
		}
		doc.Defects = append(doc.Defects, e)
	}
	return doc
}

func (r *Renderer) statsDocument(st domain.CircuitStatistics) StatsDocument {
	sd := StatsDocument{
		Total:                    st.Total,
		Succeeded:                st.Succeeded,
		Defective:                st.Defective,
		Pending:                  st.Pending + st.InProgress,
		Escalated:                st.Escalated,
		TotalAttempts:            st.TotalAttempts,
		AverageAttemptsToSuccess: st.AverageAttemptsToSuccess,
		EscalationRate:           st.EscalationRate,
		FrozenFunctions:          st.FrozenFunctions,
	}
	if len(st.AttemptsByTier) > 0 {
		sd.AttemptsByTier = make(map[string]int, len(st.AttemptsByTier))
		for t, n := range st.AttemptsByTier {
			sd.AttemptsByTier[r.tierName(t)] = n
		}
	}
	if len(st.FailuresByCategory) > 0 {
		sd.FailuresByCategory = make(map[string]int, len(st.FailuresByCategory))
		for c, n := range st.FailuresByCategory {
			sd.FailuresByCategory[string(c)] = n
		}
	}
	return sd
}

// YAML writes rep as a YAML document.
func (r *Renderer) YAML(w io.Writer, rep domain.StructuralDefectReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r.Document(rep)); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
