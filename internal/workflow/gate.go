package workflow

import (
	"context"

	"github.com/rogers-f/crucible/internal/domain"
)

// Gate evaluates whether a run can exit its current phase.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, m *Machine) (domain.GateDecision, error)
}

// DefaultGate is a basic gate that checks the run is active and within budget.
type DefaultGate struct {
	Governor *BudgetGovernor
}

// Name returns the gate name.
func (g *DefaultGate) Name() string {
	return "default"
}

// Evaluate checks if the run is active and the tier budget is not exhausted.
func (g *DefaultGate) Evaluate(ctx context.Context, m *Machine) (domain.GateDecision, error) {
	decision := domain.GateDecision{Allow: true}

	if state := m.State(); state.Kind() != domain.KindActive {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "run is not active (state="+string(state.Kind())+")")
		return decision, nil
	}

	if g.Governor != nil && g.Governor.CheckBudget() == domain.CostHalt {
		decision.Allow = false
		decision.Blockers = append(decision.Blockers, "tier budget exhausted")
	}

	return decision, nil
}

// GateFunc adapts a function to the Gate interface.
type GateFunc struct {
	GateName string
	Fn       func(ctx context.Context, m *Machine) (domain.GateDecision, error)
}

// Name returns the gate name.
func (g GateFunc) Name() string { return g.GateName }

// Evaluate calls the wrapped function.
func (g GateFunc) Evaluate(ctx context.Context, m *Machine) (domain.GateDecision, error) {
	return g.Fn(ctx, m)
}

// All combines gates; every gate must allow. Blockers are concatenated.
func All(name string, gates ...Gate) Gate {
	return GateFunc{
		GateName: name,
		Fn: func(ctx context.Context, m *Machine) (domain.GateDecision, error) {
			out := domain.GateDecision{Allow: true}
			for _, g := range gates {
				d, err := g.Evaluate(ctx, m)
				if err != nil {
					return out, err
				}
				if !d.Allow {
					out.Allow = false
					out.Blockers = append(out.Blockers, d.Blockers...)
				}
			}
			return out, nil
		},
	}
}

// PhaseGateRegistry maps each phase to its gate implementation.
type PhaseGateRegistry struct {
	gates map[domain.Phase]Gate
}

// NewPhaseGateRegistry creates a registry with a default gate for all phases.
func NewPhaseGateRegistry(gov *BudgetGovernor) *PhaseGateRegistry {
	defaultGate := &DefaultGate{Governor: gov}
	gates := make(map[domain.Phase]Gate)
	for _, p := range domain.Phases() {
		gates[p] = defaultGate
	}
	return &PhaseGateRegistry{gates: gates}
}

// Register sets a custom gate for a phase.
func (r *PhaseGateRegistry) Register(phase domain.Phase, gate Gate) {
	r.gates[phase] = gate
}

// Get returns the gate for a phase, or an error if none is registered.
func (r *PhaseGateRegistry) Get(phase domain.Phase) (Gate, error) {
	g, ok := r.gates[phase]
	if !ok {
		return nil, domain.ErrGateNotRegistered
	}
	return g, nil
}
