package domain

// phaseOrder is the total order of the protocol.
var phaseOrder = []Phase{
	PhaseIgnition,
	PhaseLattice,
	PhaseInjection,
	PhaseMassDefect,
	PhaseComplete,
}

// Step is a phase-specific progress marker held by a Substate.
type Step string

const (
	StepInterviewing     Step = "interviewing"
	StepSynthesizing     Step = "synthesizing"
	StepAwaitingApproval Step = "awaiting_approval"

	StepScaffolding Step = "scaffolding"
	StepCompiling   Step = "compiling"
	StepStubbing    Step = "stubbing"

	StepScheduling   Step = "scheduling"
	StepImplementing Step = "implementing"
	StepDraining     Step = "draining"

	StepAnalyzing   Step = "analyzing"
	StepRefactoring Step = "refactoring"
	StepVerifying   Step = "verifying"

	StepDone Step = "done"
)

// phaseSteps lists the allowed steps per phase. The first entry is the step a
// phase starts in.
var phaseSteps = map[Phase][]Step{
	PhaseIgnition:   {StepInterviewing, StepSynthesizing, StepAwaitingApproval},
	PhaseLattice:    {StepScaffolding, StepCompiling, StepStubbing},
	PhaseInjection:  {StepScheduling, StepImplementing, StepDraining},
	PhaseMassDefect: {StepAnalyzing, StepRefactoring, StepVerifying},
	PhaseComplete:   {StepDone},
}

// Phases returns the protocol phases in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// FirstPhase is where every run starts.
func FirstPhase() Phase { return phaseOrder[0] }

// Index returns the position of p in the protocol order, or -1.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p belongs to the lexicon.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Next returns the direct successor of p. The second result is false for the
// last phase and for unknown phases.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// IsTerminal reports whether p is the last phase.
func (p Phase) IsTerminal() bool {
	return p == phaseOrder[len(phaseOrder)-1]
}

// AllowedSteps returns the steps a substate of phase p may take.
func AllowedSteps(p Phase) []Step {
	steps := phaseSteps[p]
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// StepAllowed reports whether s is a legal step within phase p.
func StepAllowed(p Phase, s Step) bool {
	for _, allowed := range phaseSteps[p] {
		if allowed == s {
			return true
		}
	}
	return false
}

// ParsePhase converts a string to a known Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", NewEngineError(ErrInvalidPhase.Code, "unknown phase "+s)
	}
	return p, nil
}
