// Package driver runs the protocol: the phase runner walks the lexicon and the
// attempt loop implements the scheduled functions of the injection phase,
// feeding outcomes into the circuit breaker and the state machine.
package driver

import (
	"context"
	"fmt"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/workflow"
)

// Agent produces a candidate implementation at a capability tier. The call
// must honour ctx cancellation.
type Agent interface {
	GenerateImplementation(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error)
}

// Verifier compiles and tests a candidate.
type Verifier interface {
	Verify(ctx context.Context, impl domain.Implementation, fc domain.FunctionContext) (domain.Verification, error)
}

// ContextBuilder assembles what the agent sees for one attempt.
type ContextBuilder interface {
	Build(ctx context.Context, spec domain.FunctionSpec, state domain.FunctionState, tier domain.Tier) (domain.FunctionContext, error)
}

// Notifier receives control-plane events. Publish must not block.
type Notifier interface {
	Publish(eventType events.EventType, data map[string]interface{})
}

// DefaultContextBuilder passes the spec, the tier name and the failed
// attempts so far.
type DefaultContextBuilder struct {
	Table workflow.CostTable
}

// Build implements ContextBuilder.
func (b DefaultContextBuilder) Build(_ context.Context, spec domain.FunctionSpec, state domain.FunctionState, tier domain.Tier) (domain.FunctionContext, error) {
	fc := domain.FunctionContext{
		Spec:     spec,
		Tier:     tier,
		TierName: b.Table.Name(tier),
		Attempt:  len(state.Attempts) + 1,
	}
	for _, a := range state.Attempts {
		if !a.Passed {
			fc.PriorFailures = append(fc.PriorFailures, a)
		}
	}
	return fc, nil
}

// Choices offered to the operator when the driver blocks the protocol.
const (
	ChoiceAbort         = "abort"
	ChoiceAcceptDefects = "accept_defects"
	ChoiceRaiseBudget   = "raise_budget"
	ChoiceRetry         = "retry"
	ChoiceForce         = "force"
)

// FunctionsTerminalGate refuses to leave a phase while any registered
// function is neither Succeeded nor Defective.
func FunctionsTerminalGate(b *breaker.Breaker) workflow.Gate {
	return workflow.GateFunc{
		GateName: "functions-terminal",
		Fn: func(context.Context, *workflow.Machine) (domain.GateDecision, error) {
			pending := b.Pending()
			if len(pending) == 0 {
				return domain.GateDecision{Allow: true}, nil
			}
			return domain.GateDecision{Blockers: []string{
				fmt.Sprintf("%d functions not finished: %v", len(pending), pending),
			}}, nil
		},
	}
}

// TransitionObserver publishes every accepted machine transition on n.
func TransitionObserver(n Notifier) func(domain.Transition) {
	return func(tr domain.Transition) {
		if n == nil {
			return
		}
		n.Publish(transitionEvent(tr.Kind), transitionData(tr))
	}
}

func transitionEvent(kind domain.TransitionKind) events.EventType {
	switch kind {
	case domain.TransitionPhase, domain.TransitionForced:
		return events.EventPhaseTransition
	case domain.TransitionSubstate:
		return events.EventSubstate
	case domain.TransitionBlocked:
		return events.EventBlocked
	case domain.TransitionResumed:
		return events.EventResumed
	default:
		return events.EventFailed
	}
}

func transitionData(tr domain.Transition) map[string]interface{} {
	data := map[string]interface{}{
		"seq":        tr.Seq,
		"transition": string(tr.Kind),
		"kind":       string(tr.To.Kind()),
		"from_kind":  string(tr.From.Kind()),
		"at":         tr.At.Unix(),
		"state":      tr.To,
	}
	if from, ok := tr.From.(domain.Active); ok {
		data["from_phase"] = string(from.Phase)
	}
	switch s := tr.To.(type) {
	case domain.Active:
		data["phase"] = string(s.Phase)
		if s.Substate != nil {
			data["step"] = string(s.Substate.CurrentStep())
		}
	case domain.Blocked:
		data["query"] = s.Query
		data["options"] = s.Options
		if from, ok := tr.From.(domain.Active); ok {
			data["retained"] = from
		}
	case domain.Failed:
		data["error"] = s.Error
	}
	return data
}
