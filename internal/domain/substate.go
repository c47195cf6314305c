package domain

// Substate is phase-specific progress nested inside an Active state. It is a
// closed sum type keyed by phase; every implementation is a comparable value
// so a retained substate can be restored exactly.
type Substate interface {
	Phase() Phase
	CurrentStep() Step
	isSubstate()
}

// IgnitionSubstate tracks the requirements interview.
type IgnitionSubstate struct {
	Stage    Step
	Question int
}

// LatticeSubstate tracks scaffolding of modules and stubs.
type LatticeSubstate struct {
	Stage             Step
	ModulesScaffolded int
}

// InjectionSubstate tracks the implementation attempt loop.
type InjectionSubstate struct {
	Stage     Step
	Total     int
	Completed int
}

// MassDefectSubstate tracks refactoring passes.
type MassDefectSubstate struct {
	Stage Step
	Pass  int
}

// CompleteSubstate marks a finished protocol.
type CompleteSubstate struct{}

func (IgnitionSubstate) Phase() Phase   { return PhaseIgnition }
func (LatticeSubstate) Phase() Phase    { return PhaseLattice }
func (InjectionSubstate) Phase() Phase  { return PhaseInjection }
func (MassDefectSubstate) Phase() Phase { return PhaseMassDefect }
func (CompleteSubstate) Phase() Phase   { return PhaseComplete }

func (s IgnitionSubstate) CurrentStep() Step   { return s.Stage }
func (s LatticeSubstate) CurrentStep() Step    { return s.Stage }
func (s InjectionSubstate) CurrentStep() Step  { return s.Stage }
func (s MassDefectSubstate) CurrentStep() Step { return s.Stage }
func (CompleteSubstate) CurrentStep() Step     { return StepDone }

func (IgnitionSubstate) isSubstate()   {}
func (LatticeSubstate) isSubstate()    {}
func (InjectionSubstate) isSubstate()  {}
func (MassDefectSubstate) isSubstate() {}
func (CompleteSubstate) isSubstate()   {}

// InitialSubstate returns the substate a phase is entered with.
func InitialSubstate(p Phase) (Substate, error) {
	switch p {
	case PhaseIgnition:
		return IgnitionSubstate{Stage: StepInterviewing}, nil
	case PhaseLattice:
		return LatticeSubstate{Stage: StepScaffolding}, nil
	case PhaseInjection:
		return InjectionSubstate{Stage: StepScheduling}, nil
	case PhaseMassDefect:
		return MassDefectSubstate{Stage: StepAnalyzing}, nil
	case PhaseComplete:
		return CompleteSubstate{}, nil
	default:
		return nil, NewEngineError(ErrInvalidPhase.Code, "no substate for phase "+string(p))
	}
}
