package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/logging"
	"github.com/rogers-f/crucible/internal/workflow"
)

// PhaseHandler performs the work of one phase. It may leave the phase
// itself; otherwise the runner evaluates the phase gate and advances.
type PhaseHandler interface {
	Handle(ctx context.Context, m *workflow.Machine) error
}

// PhaseHandlerFunc adapts a function to PhaseHandler.
type PhaseHandlerFunc func(ctx context.Context, m *workflow.Machine) error

// Handle calls f.
func (f PhaseHandlerFunc) Handle(ctx context.Context, m *workflow.Machine) error {
	return f(ctx, m)
}

// InjectionHandler runs the attempt loop over a fixed set of functions.
func InjectionHandler(loop *Loop, specs []domain.FunctionSpec) PhaseHandler {
	return PhaseHandlerFunc(func(ctx context.Context, _ *workflow.Machine) error {
		_, err := loop.Run(ctx, specs)
		return err
	})
}

// Runner walks a run through the protocol phases.
type Runner struct {
	machine  *workflow.Machine
	gates    *workflow.PhaseGateRegistry
	breaker  *breaker.Breaker
	governor *workflow.BudgetGovernor
	notifier Notifier
	log      *logging.Logger

	mu       sync.Mutex
	handlers map[domain.Phase]PhaseHandler
	resumed  chan struct{}
	now      func() time.Time
}

// RunnerDeps are the collaborators of a Runner. Machine is required.
type RunnerDeps struct {
	Machine  *workflow.Machine
	Gates    *workflow.PhaseGateRegistry
	Breaker  *breaker.Breaker
	Governor *workflow.BudgetGovernor
	Notifier Notifier
	Logger   *logging.Logger
}

// NewRunner creates a Runner with no phase handlers.
func NewRunner(deps RunnerDeps) *Runner {
	gates := deps.Gates
	if gates == nil {
		gates = workflow.NewPhaseGateRegistry(deps.Governor)
	}
	return &Runner{
		machine:  deps.Machine,
		gates:    gates,
		breaker:  deps.Breaker,
		governor: deps.Governor,
		notifier: deps.Notifier,
		log:      deps.Logger.With("runner"),
		handlers: make(map[domain.Phase]PhaseHandler),
		resumed:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Handle registers the handler for phase, replacing any previous one.
func (r *Runner) Handle(phase domain.Phase, h PhaseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[phase] = h
}

// Machine returns the run's state machine.
func (r *Runner) Machine() *workflow.Machine { return r.machine }

// Step drives the run until it blocks, fails, completes, or ctx ends.
func (r *Runner) Step(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		active, ok := r.machine.State().(domain.Active)
		if !ok || active.Phase.IsTerminal() {
			return nil
		}
		phase := active.Phase

		r.mu.Lock()
		h := r.handlers[phase]
		r.mu.Unlock()
		if h != nil {
			if err := h.Handle(ctx, r.machine); err != nil {
				return fmt.Errorf("phase %s: %w", phase, err)
			}
		}

		if !r.machine.IsActive() || r.machine.CurrentPhase() != phase {
			continue
		}
		if err := r.exit(ctx, phase); err != nil {
			return err
		}
	}
}

// Run drives the run to completion or failure, waiting for Resolve each
// time the protocol blocks.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.Step(ctx); err != nil {
			return err
		}
		if !r.machine.IsBlocked() {
			return nil
		}
		if q, ok := r.machine.PendingQuery(); ok {
			r.log.Warnf("waiting for operator: %s %v", q.Query, q.Options)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.resumed:
		}
	}
}

// exit evaluates the gate of phase and advances, or blocks on its blockers.
func (r *Runner) exit(ctx context.Context, phase domain.Phase) error {
	gate, err := r.gates.Get(phase)
	if err != nil {
		return err
	}
	decision, err := gate.Evaluate(ctx, r.machine)
	if err != nil {
		return domain.WrapEngineError(domain.ErrPhaseGateFailed.Code, gate.Name(), err)
	}
	if !decision.Allow {
		r.log.Warnf("gate %s refused to leave %s: %v", gate.Name(), phase, decision.Blockers)
		return r.machine.Block(
			fmt.Sprintf("gate %s blocked leaving %s: %v", gate.Name(), phase, decision.Blockers),
			ChoiceRetry, ChoiceForce, ChoiceAbort,
		)
	}
	next, ok := phase.Next()
	if !ok {
		return nil
	}
	r.log.Infof("phase %s -> %s", phase, next)
	return r.machine.TransitionToPhase(next)
}

// Resolve answers the pending query and applies the chosen action:
//
//	abort           fail the run
//	accept_defects  leave injection with the defects recorded
//	raise_budget    lift the budget cap by the original cap and continue
//	force           force the transition a gate refused
//	anything else   resume where the run stopped
func (r *Runner) Resolve(res domain.Resolution) error {
	if res.Actor == "" {
		return domain.ErrOverrideNeedsActor
	}
	if res.At.IsZero() {
		res.At = r.now()
	}
	if err := r.machine.ResumeWith(res); err != nil {
		return err
	}
	r.publish(events.EventOperatorDecision, map[string]interface{}{
		"action": "resolve",
		"choice": res.Choice,
		"actor":  res.Actor,
		"note":   res.Note,
	})

	phase := r.machine.CurrentPhase()
	var err error
	switch res.Choice {
	case ChoiceAbort:
		err = r.machine.Fail(fmt.Sprintf("aborted by %s: %s", res.Actor, res.Note))
	case ChoiceAcceptDefects:
		if phase == domain.PhaseInjection {
			next, _ := phase.Next()
			err = r.machine.TransitionToPhase(next)
		}
	case ChoiceRaiseBudget:
		if r.governor != nil {
			extra := r.governor.Cap()
			if extra <= 0 {
				extra = r.governor.Spent()
			}
			r.governor.Raise(extra)
			r.log.Infof("budget raised by %.1f units by %s", extra, res.Actor)
		}
	case ChoiceForce:
		if next, ok := phase.Next(); ok {
			err = r.machine.ForceTransition(next, domain.Decision{Actor: res.Actor, Reason: res.Note, At: res.At})
		}
	}
	// The run is no longer blocked even if the action failed, so Run must
	// look at it again either way.
	r.signal()
	return err
}

// ResetFunction returns a defective function to pending on an operator's
// decision so the next injection pass retries it.
func (r *Runner) ResetFunction(id string, decision domain.Decision) error {
	if r.breaker == nil {
		return errors.New("driver: runner has no breaker")
	}
	if err := r.breaker.ResetFunction(id, decision); err != nil {
		return err
	}
	r.publish(events.EventOperatorDecision, map[string]interface{}{
		"action":      "reset",
		"function_id": id,
		"actor":       decision.Actor,
		"note":        decision.Reason,
	})
	return nil
}

// TripCircuit trips the circuit on an operator's decision. The attempt loop
// halts at its next admission and fails or blocks the run according to its
// trip action. It reports false when the circuit had already tripped.
func (r *Runner) TripCircuit(decision domain.Decision) (bool, error) {
	if decision.Actor == "" {
		return false, domain.ErrOverrideNeedsActor
	}
	if r.breaker == nil {
		return false, errors.New("driver: runner has no breaker")
	}
	detail := "tripped by " + decision.Actor
	if decision.Reason != "" {
		detail += ": " + decision.Reason
	}
	if !r.breaker.TripCircuit(domain.TripOperatorForced, detail) {
		return false, nil
	}
	r.log.Warnf("circuit %s", detail)
	r.publish(events.EventOperatorDecision, map[string]interface{}{
		"action": "trip",
		"reason": string(domain.TripOperatorForced),
		"actor":  decision.Actor,
		"note":   decision.Reason,
	})
	return true, nil
}

func (r *Runner) signal() {
	select {
	case r.resumed <- struct{}{}:
	default:
	}
}

func (r *Runner) publish(t events.EventType, data map[string]interface{}) {
	if r.notifier != nil {
		r.notifier.Publish(t, data)
	}
}
