package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/rogers-f/crucible/internal/domain"
)

func advanceTo(t *testing.T, m *Machine, target domain.Phase) {
	t.Helper()
	for m.CurrentPhase() != target {
		next, ok := m.CurrentPhase().Next()
		if !ok {
			t.Fatalf("cannot reach %s", target)
		}
		if err := m.TransitionToPhase(next); err != nil {
			t.Fatalf("TransitionToPhase(%s): %v", next, err)
		}
	}
}

func TestMachine_StartsActiveInFirstPhase(t *testing.T) {
	m := NewMachine()

	state, ok := m.State().(domain.Active)
	if !ok {
		t.Fatalf("State = %T, want Active", m.State())
	}
	if state.Phase != domain.PhaseIgnition {
		t.Errorf("Phase = %q, want ignition", state.Phase)
	}
	if state.Substate != (domain.IgnitionSubstate{Stage: domain.StepInterviewing}) {
		t.Errorf("Substate = %#v, want initial ignition substate", state.Substate)
	}
	if !m.IsActive() || m.IsBlocked() || m.IsFailed() {
		t.Error("expected only IsActive to be true")
	}
}

func TestMachine_ForwardFullPath(t *testing.T) {
	m := NewMachine()

	expected := []domain.Phase{
		domain.PhaseLattice, domain.PhaseInjection, domain.PhaseMassDefect, domain.PhaseComplete,
	}
	for _, next := range expected {
		if err := m.TransitionToPhase(next); err != nil {
			t.Fatalf("TransitionToPhase(%s): %v", next, err)
		}
		if m.CurrentPhase() != next {
			t.Errorf("Phase = %q, want %q", m.CurrentPhase(), next)
		}
		sub, ok := m.CurrentSubstate()
		if !ok || sub.Phase() != next {
			t.Errorf("Substate phase = %v, want %s", sub, next)
		}
	}

	if err := m.TransitionToPhase(domain.PhaseComplete); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("transition past complete: got %v, want ErrIllegalTransition", err)
	}
}

func TestMachine_SkippingPhaseIsIllegalAndLeavesStateUnchanged(t *testing.T) {
	m := NewMachine()
	advanceTo(t, m, domain.PhaseLattice)
	before := m.State()
	historyLen := len(m.History())

	err := m.TransitionToPhase(domain.PhaseMassDefect)
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if !reflect.DeepEqual(m.State(), before) {
		t.Errorf("state changed: %#v -> %#v", before, m.State())
	}
	if len(m.History()) != historyLen {
		t.Error("rejected transition was recorded in history")
	}
}

func TestMachine_RegressIsIllegal(t *testing.T) {
	m := NewMachine()
	advanceTo(t, m, domain.PhaseInjection)

	if err := m.TransitionToPhase(domain.PhaseLattice); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestMachine_BlockResumeRestoresExactState(t *testing.T) {
	m := NewMachine()
	advanceTo(t, m, domain.PhaseLattice)
	sub := domain.LatticeSubstate{Stage: domain.StepCompiling, ModulesScaffolded: 7}
	if err := m.EnterSubstate(sub); err != nil {
		t.Fatalf("EnterSubstate: %v", err)
	}
	before := m.State()

	if err := m.Block("Ambiguous spec", "A", "B"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	q, ok := m.PendingQuery()
	if !ok {
		t.Fatal("expected a pending query")
	}
	if q.Query != "Ambiguous spec" || !reflect.DeepEqual(q.Options, []string{"A", "B"}) {
		t.Errorf("PendingQuery = %#v", q)
	}
	if m.CurrentPhase() != domain.PhaseLattice {
		t.Errorf("CurrentPhase while blocked = %s, want lattice", m.CurrentPhase())
	}

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	after := m.State()
	if after != before {
		t.Errorf("restored %#v, want %#v", after, before)
	}
	if after.(domain.Active).Substate != domain.Substate(sub) {
		t.Errorf("substate = %#v, want %#v", after.(domain.Active).Substate, sub)
	}
}

func TestMachine_BlockErrors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		options []string
		want    *domain.EngineError
	}{
		{"empty query", "", nil, domain.ErrInvalidOptions},
		{"empty option", "q", []string{"A", ""}, domain.ErrInvalidOptions},
		{"duplicate option", "q", []string{"A", "A"}, domain.ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			if err := m.Block(tt.query, tt.options...); !errors.Is(err, tt.want) {
				t.Errorf("Block: got %v, want %v", err, tt.want)
			}
			if !m.IsActive() {
				t.Error("machine left Active on rejected Block")
			}
		})
	}
}

func TestMachine_BlockWithoutOptions(t *testing.T) {
	m := NewMachine()
	if err := m.Block("need approval"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	q, _ := m.PendingQuery()
	if q.Options != nil {
		t.Errorf("Options = %v, want nil", q.Options)
	}
}

func TestMachine_AlreadyBlockedAndNotBlocked(t *testing.T) {
	m := NewMachine()

	if err := m.Resume(); !errors.Is(err, domain.ErrNotBlocked) {
		t.Errorf("Resume on active: got %v, want ErrNotBlocked", err)
	}
	if err := m.Block("q"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := m.Block("again"); !errors.Is(err, domain.ErrAlreadyBlocked) {
		t.Errorf("second Block: got %v, want ErrAlreadyBlocked", err)
	}
	if err := m.TransitionToPhase(domain.PhaseLattice); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("transition while blocked: got %v, want ErrIllegalTransition", err)
	}
	if err := m.EnterSubstate(domain.IgnitionSubstate{Stage: domain.StepSynthesizing}); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("substate while blocked: got %v, want ErrIllegalTransition", err)
	}
}

func TestMachine_EnterSubstate(t *testing.T) {
	tests := []struct {
		name string
		sub  domain.Substate
		want *domain.EngineError
	}{
		{"same phase", domain.IgnitionSubstate{Stage: domain.StepSynthesizing, Question: 3}, nil},
		{"other phase", domain.LatticeSubstate{Stage: domain.StepScaffolding}, domain.ErrPhaseMismatch},
		{"unknown step", domain.IgnitionSubstate{Stage: domain.StepCompiling}, domain.ErrInvalidSubstate},
		{"nil", nil, domain.ErrInvalidSubstate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			err := m.EnterSubstate(tt.sub)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("EnterSubstate: %v", err)
				}
				got, _ := m.CurrentSubstate()
				if got != tt.sub {
					t.Errorf("Substate = %#v, want %#v", got, tt.sub)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("EnterSubstate: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMachine_FailIsIdempotentAndAbsorbing(t *testing.T) {
	m := NewMachine()
	advanceTo(t, m, domain.PhaseInjection)

	if err := m.Fail("circuit tripped"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	first := m.State()
	if err := m.Fail("circuit tripped"); err != nil {
		t.Fatalf("second Fail: %v", err)
	}
	if err := m.Fail("different"); err != nil {
		t.Fatalf("third Fail: %v", err)
	}
	if m.State() != first {
		t.Errorf("state changed after repeated Fail: %#v", m.State())
	}
	if first != (domain.Failed{Error: "circuit tripped"}) {
		t.Errorf("State = %#v", first)
	}

	checks := map[string]error{
		"transition": m.TransitionToPhase(domain.PhaseMassDefect),
		"substate":   m.EnterSubstate(domain.InjectionSubstate{Stage: domain.StepDraining}),
		"block":      m.Block("q"),
		"resume":     m.Resume(),
		"force":      m.ForceTransition(domain.PhaseComplete, domain.Decision{Actor: "op"}),
	}
	for name, err := range checks {
		if err == nil {
			t.Errorf("%s on failed run: expected error", name)
		}
	}
	if m.State() != first {
		t.Errorf("failed state mutated: %#v", m.State())
	}
	if m.CurrentPhase() != domain.PhaseInjection {
		t.Errorf("CurrentPhase = %s, want injection", m.CurrentPhase())
	}
}

func TestMachine_FailFromBlocked(t *testing.T) {
	m := NewMachine()
	m.Block("q", "yes", "no")

	if err := m.Fail("operator aborted"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !m.IsFailed() {
		t.Error("expected failed")
	}
	if err := m.Resume(); !errors.Is(err, domain.ErrNotBlocked) {
		t.Errorf("Resume after fail: got %v, want ErrNotBlocked", err)
	}
}

func TestMachine_ResumeWith(t *testing.T) {
	m := NewMachine()
	m.Block("Which storage?", "sqlite", "postgres")

	err := m.ResumeWith(domain.Resolution{Choice: "mysql", Actor: "op"})
	if !errors.Is(err, domain.ErrUnknownOption) {
		t.Fatalf("ResumeWith(unknown): got %v, want ErrUnknownOption", err)
	}
	if !m.IsBlocked() {
		t.Fatal("machine resumed on rejected resolution")
	}

	if err := m.ResumeWith(domain.Resolution{Choice: "sqlite", Actor: "op"}); err != nil {
		t.Fatalf("ResumeWith: %v", err)
	}
	if !m.IsActive() {
		t.Error("expected active after resolution")
	}
	res := m.Resolutions()
	if len(res) != 1 || res[0].Query != "Which storage?" || res[0].Choice != "sqlite" {
		t.Errorf("Resolutions = %#v", res)
	}
	if res[0].At.IsZero() {
		t.Error("resolution timestamp not set")
	}
}

func TestMachine_ForceTransition(t *testing.T) {
	m := NewMachine()

	if err := m.ForceTransition(domain.PhaseInjection, domain.Decision{}); !errors.Is(err, domain.ErrOverrideNeedsActor) {
		t.Errorf("override without actor: got %v", err)
	}
	if err := m.ForceTransition(domain.PhaseIgnition, domain.Decision{Actor: "op"}); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("override to current phase: got %v", err)
	}
	if err := m.ForceTransition(domain.PhaseInjection, domain.Decision{Actor: "op", Reason: "spec reused"}); err != nil {
		t.Fatalf("ForceTransition: %v", err)
	}
	if m.CurrentPhase() != domain.PhaseInjection {
		t.Errorf("Phase = %s, want injection", m.CurrentPhase())
	}
	overrides := m.Overrides()
	if len(overrides) != 1 || overrides[0].Reason != "spec reused" {
		t.Errorf("Overrides = %#v", overrides)
	}
	hist := m.History()
	if hist[len(hist)-1].Kind != domain.TransitionForced {
		t.Errorf("last transition kind = %s, want forced", hist[len(hist)-1].Kind)
	}
}

func TestMachine_ObserverSeesEveryTransition(t *testing.T) {
	var seen []domain.Transition
	m := NewMachine(WithObserver(func(tr domain.Transition) { seen = append(seen, tr) }))

	m.TransitionToPhase(domain.PhaseLattice)
	m.Block("q")
	m.Resume()
	m.TransitionToPhase(domain.PhaseMassDefect) // rejected
	m.Fail("boom")
	m.Fail("boom")

	kinds := make([]domain.TransitionKind, len(seen))
	for i, tr := range seen {
		kinds[i] = tr.Kind
		if tr.Seq != int64(i+1) {
			t.Errorf("transition %d has Seq %d", i, tr.Seq)
		}
	}
	want := []domain.TransitionKind{
		domain.TransitionPhase, domain.TransitionBlocked, domain.TransitionResumed, domain.TransitionFailed,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestMachine_PendingQueryReturnsCopy(t *testing.T) {
	m := NewMachine()
	m.Block("q", "A", "B")

	q, _ := m.PendingQuery()
	q.Options[0] = "mutated"

	again, _ := m.PendingQuery()
	if again.Options[0] != "A" {
		t.Errorf("internal options mutated through copy: %v", again.Options)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from  domain.Phase
		to    domain.Phase
		valid bool
	}{
		{domain.PhaseIgnition, domain.PhaseLattice, true},
		{domain.PhaseLattice, domain.PhaseInjection, true},
		{domain.PhaseInjection, domain.PhaseMassDefect, true},
		{domain.PhaseMassDefect, domain.PhaseComplete, true},
		// Invalid transitions:
		{domain.PhaseIgnition, domain.PhaseInjection, false},
		{domain.PhaseLattice, domain.PhaseIgnition, false},
		{domain.PhaseComplete, domain.PhaseIgnition, false},
		{domain.PhaseInjection, domain.PhaseInjection, false},
		{domain.Phase("bogus"), domain.PhaseLattice, false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s->%s", tt.from, tt.to)
		t.Run(name, func(t *testing.T) {
			got := IsValidTransition(tt.from, tt.to)
			if got != tt.valid {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}
