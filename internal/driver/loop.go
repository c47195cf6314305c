package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/lock"
	"github.com/rogers-f/crucible/internal/logging"
	"github.com/rogers-f/crucible/internal/workflow"
)

// TripAction selects what happens to the protocol when the circuit trips.
type TripAction string

const (
	TripFail  TripAction = "fail"
	TripBlock TripAction = "block"
)

// LoopConfig tunes the attempt loop.
type LoopConfig struct {
	Workers        int
	AttemptTimeout time.Duration
	TripAction     TripAction
}

// LoopDeps are the collaborators of a Loop. Machine, Breaker, Agent and
// Verifier are required.
type LoopDeps struct {
	Machine  *workflow.Machine
	Breaker  *breaker.Breaker
	Agent    Agent
	Verifier Verifier
	Builder  ContextBuilder
	Governor *workflow.BudgetGovernor
	Gates    *workflow.PhaseGateRegistry
	Notifier Notifier
	Logger   *logging.Logger
}

// LoopResult summarizes one pass of the attempt loop.
type LoopResult struct {
	Succeeded  int
	Defective  int
	Pending    int
	Attempts   int
	Discarded  int
	Halted     bool
	HaltReason string
	Advanced   bool
	Report     *domain.StructuralDefectReport
}

// Loop drives the injection phase: every scheduled function is attempted
// until it succeeds, becomes defective, or the circuit trips.
type Loop struct {
	deps  LoopDeps
	cfg   LoopConfig
	locks *lock.MutexMap
	log   *logging.Logger

	mu         sync.Mutex
	halted     bool
	haltReason string
	report     *domain.StructuralDefectReport
	cancel     context.CancelFunc
	attempts   int
	discarded  int
	warned     bool
}

// NewLoop validates deps and returns a Loop.
func NewLoop(deps LoopDeps, cfg LoopConfig) (*Loop, error) {
	if deps.Machine == nil || deps.Breaker == nil || deps.Agent == nil || deps.Verifier == nil {
		return nil, errors.New("driver: loop needs a machine, a breaker, an agent and a verifier")
	}
	if deps.Builder == nil {
		deps.Builder = DefaultContextBuilder{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.TripAction == "" {
		cfg.TripAction = TripFail
	}
	return &Loop{
		deps:  deps,
		cfg:   cfg,
		locks: lock.NewMutexMap(),
		log:   deps.Logger.With("driver"),
	}, nil
}

// Run attempts every function in specs. The machine must be Active in the
// injection phase. Functions already known to the breaker keep their
// history, so Run may be called again after a resumed block.
//
// A returned error is an internal error (misuse of the protocol or breaker
// APIs, or cancellation of ctx). Business outcomes such as a trip or an
// exhausted budget are reported in the result and on the machine.
func (l *Loop) Run(ctx context.Context, specs []domain.FunctionSpec) (LoopResult, error) {
	state := l.deps.Machine.State()
	active, ok := state.(domain.Active)
	if !ok || active.Phase != domain.PhaseInjection {
		return LoopResult{}, domain.NewEngineError(
			domain.ErrIllegalTransition.Code,
			fmt.Sprintf("attempt loop needs an active injection phase, run is %s", describe(state)),
		)
	}

	for _, spec := range specs {
		if _, err := l.deps.Breaker.Snapshot(spec.ID); err == nil {
			continue
		}
		if err := l.deps.Breaker.RegisterFunction(spec.ID, spec.Module); err != nil {
			return LoopResult{}, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.halted = false
	l.haltReason = ""
	l.report = nil
	l.cancel = cancel
	l.attempts = 0
	l.discarded = 0
	l.mu.Unlock()

	if err := l.progress(specs, domain.StepImplementing); err != nil {
		return LoopResult{}, err
	}
	l.log.Infof("attempting %d functions with %d workers", len(specs), l.cfg.Workers)

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(l.cfg.Workers)
	for _, spec := range specs {
		if l.isHalted() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return l.process(gctx, spec, specs)
		})
	}
	err := g.Wait()

	result := l.result(specs)
	if err != nil {
		if domain.IsMisuse(err) {
			l.log.Errorf("attempt loop aborted: %v", err)
		}
		return result, err
	}
	if ctx.Err() != nil && !result.Halted {
		return result, ctx.Err()
	}
	if result.Halted || result.Pending > 0 {
		return result, nil
	}

	advanced, err := l.advance(ctx, specs)
	result.Advanced = advanced
	return result, err
}

// process runs attempts on one function until it is terminal, denied, or
// the loop halts.
func (l *Loop) process(ctx context.Context, spec domain.FunctionSpec, all []domain.FunctionSpec) error {
	for {
		done, err := l.attempt(ctx, spec, all)
		if err != nil || done {
			return err
		}
	}
}

// attempt performs one admitted attempt on spec. It reports done when no
// further attempt should be made for this function.
func (l *Loop) attempt(ctx context.Context, spec domain.FunctionSpec, all []domain.FunctionSpec) (bool, error) {
	l.locks.Lock(spec.ID)
	defer l.locks.Unlock(spec.ID)

	if l.isHalted() {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return true, nil
	}

	admit, err := l.deps.Breaker.Admit(spec.ID)
	if err != nil {
		return true, err
	}
	if !admit.Allowed {
		if l.deps.Breaker.IsTrippedGlobally() {
			l.halt("circuit tripped")
			return true, nil
		}
		l.log.Debugf("skipping %s: %s", spec.ID, admit.Reason)
		return true, nil
	}
	tier := admit.Tier
	l.notify(events.EventAttemptStarted, map[string]interface{}{
		"function_id": spec.ID,
		"module":      spec.Module,
		"tier":        int(tier),
	})

	fs, err := l.deps.Breaker.Snapshot(spec.ID)
	if err != nil {
		l.abandon(spec.ID)
		return true, err
	}

	passed, category, diagnostic, cancelled := l.execute(ctx, spec, fs, tier)
	if cancelled {
		// The run was cancelled from outside or halted; the result is not
		// an outcome of the function.
		l.abandon(spec.ID)
		return true, nil
	}
	if l.deps.Breaker.IsTrippedGlobally() {
		l.abandon(spec.ID)
		l.countDiscard()
		l.halt("circuit tripped")
		return true, nil
	}

	var outcome domain.RecordOutcome
	if passed {
		outcome, err = l.deps.Breaker.RecordSuccess(spec.ID)
	} else {
		outcome, err = l.deps.Breaker.RecordFailure(spec.ID, category, diagnostic)
	}
	if err != nil {
		return true, err
	}
	if outcome.Discarded {
		l.countDiscard()
		return true, nil
	}
	l.countAttempt()
	l.recorded(spec, tier, passed, outcome)

	if outcome.TrippedGlobal {
		l.halt("circuit tripped")
		return true, nil
	}
	if l.charge(tier) {
		return true, nil
	}
	if err := l.progress(all, domain.StepImplementing); err != nil {
		if l.isHalted() {
			return true, nil
		}
		return true, err
	}
	return passed || outcome.Defect != nil, nil
}

// abandon releases an admitted attempt that produced no outcome.
func (l *Loop) abandon(id string) {
	if err := l.deps.Breaker.AbandonAttempt(id); err != nil {
		l.log.Errorf("abandon attempt on %s: %v", id, err)
	}
}

// execute generates and verifies one candidate under the attempt deadline.
// cancelled is set when ctx itself ended, as opposed to the attempt timing
// out.
func (l *Loop) execute(ctx context.Context, spec domain.FunctionSpec, fs domain.FunctionState, tier domain.Tier) (passed bool, category domain.FailureCategory, diagnostic string, cancelled bool) {
	actx := ctx
	if l.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		defer cancel()
	}

	fc, err := l.deps.Builder.Build(actx, spec, fs, tier)
	if err != nil {
		return false, domain.FailureUnknown, "build context: " + err.Error(), ctx.Err() != nil
	}

	impl, err := l.deps.Agent.GenerateImplementation(actx, fc, tier)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", "", true
		}
		category, diagnostic := classify(actx, err)
		l.log.Debugf("agent failed on %s at tier %d: %v", spec.ID, tier, err)
		return false, category, diagnostic, false
	}
	if impl.FunctionID == "" {
		impl.FunctionID = spec.ID
	}
	impl.Tier = tier

	if l.deps.Breaker.IsTrippedGlobally() {
		return false, "", "", false
	}

	v, err := l.deps.Verifier.Verify(actx, impl, fc)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", "", true
		}
		category, diagnostic := classify(actx, err)
		return false, category, diagnostic, false
	}
	if v.Passed {
		return true, "", "", false
	}
	if v.Category == "" {
		v.Category = domain.FailureUnknown
	}
	return false, v.Category, v.Diagnostic, false
}

// classify maps an agent or verifier error to a failure category. Errors
// caused by the attempt deadline are timeouts.
func classify(actx context.Context, err error) (domain.FailureCategory, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		return domain.FailureTimeout, err.Error()
	}
	return domain.FailureUnknown, err.Error()
}

// recorded publishes the events that follow an applied outcome.
func (l *Loop) recorded(spec domain.FunctionSpec, tier domain.Tier, passed bool, outcome domain.RecordOutcome) {
	fs, err := l.deps.Breaker.Snapshot(spec.ID)
	if err != nil {
		return
	}
	data := map[string]interface{}{
		"function_id":          spec.ID,
		"module":               spec.Module,
		"tier":                 int(tier),
		"passed":               passed,
		"status":               string(fs.Status),
		"escalation_count":     fs.EscalationCount,
		"consecutive_failures": fs.ConsecutiveFailures,
		"attempt_count":        len(fs.Attempts),
	}
	if n := len(fs.Attempts); n > 0 {
		data["attempt"] = fs.Attempts[n-1]
	}
	if l.deps.Governor != nil {
		data["tier_name"] = l.deps.Governor.Table.Name(tier)
		data["units"] = l.deps.Governor.Table.Cost(tier)
	}
	l.notify(events.EventAttemptRecorded, data)

	if outcome.Escalated {
		l.notify(events.EventEscalated, map[string]interface{}{
			"function_id": spec.ID,
			"module":      spec.Module,
			"tier":        int(outcome.NewTier),
		})
	}
	if outcome.Defect != nil {
		l.notify(events.EventDefect, map[string]interface{}{
			"function_id": spec.ID,
			"module":      spec.Module,
			"defect":      *outcome.Defect,
		})
	}
}

// charge records the attempt's cost. It reports true when the budget is
// exhausted and the loop halted.
func (l *Loop) charge(tier domain.Tier) bool {
	if l.deps.Governor == nil {
		return false
	}
	action := l.deps.Governor.RecordUsage(tier)
	switch action {
	case domain.CostWarn:
		l.mu.Lock()
		first := !l.warned
		l.warned = true
		l.mu.Unlock()
		if first {
			spent, capUnits := l.deps.Governor.Spent(), l.deps.Governor.Cap()
			l.log.Warnf("tier budget at %.1f of %.1f units", spent, capUnits)
			l.notify(events.EventBudgetWarning, map[string]interface{}{
				"spent": spent,
				"cap":   capUnits,
			})
		}
	case domain.CostHalt:
		l.halt("tier budget exhausted")
		return true
	}
	return false
}

// halt stops the loop once. A circuit trip fails or blocks the protocol
// according to the trip action; an exhausted budget always blocks.
func (l *Loop) halt(reason string) {
	l.mu.Lock()
	if l.halted {
		l.mu.Unlock()
		return
	}
	l.halted = true
	l.haltReason = reason
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}

	m := l.deps.Machine
	if l.deps.Breaker.IsTrippedGlobally() {
		trip := l.deps.Breaker.Trip()
		report := l.deps.Breaker.GenerateStructuralDefectReport()
		l.mu.Lock()
		l.report = &report
		l.mu.Unlock()

		l.log.Errorf("halting: circuit tripped (%s: %s), %d defective functions",
			trip.Reason, trip.Detail, len(report.Defects))
		l.notify(events.EventCircuitTripped, map[string]interface{}{
			"reason": string(trip.Reason),
			"detail": trip.Detail,
			"report": report,
		})

		msg := fmt.Sprintf("circuit tripped: %s (%s)", trip.Reason, trip.Detail)
		if l.cfg.TripAction == TripBlock {
			l.block(msg+"; review the structural defect report", ChoiceAcceptDefects, ChoiceAbort)
			return
		}
		if err := m.Fail(msg); err != nil {
			l.log.Errorf("fail protocol: %v", err)
		}
		return
	}

	spent, capUnits := 0.0, 0.0
	if l.deps.Governor != nil {
		spent, capUnits = l.deps.Governor.Spent(), l.deps.Governor.Cap()
	}
	l.log.Warnf("halting: %s (%.1f of %.1f units)", reason, spent, capUnits)
	l.block(fmt.Sprintf("%s: spent %.1f of %.1f units", reason, spent, capUnits), ChoiceRaiseBudget, ChoiceAbort)
}

func (l *Loop) block(query string, options ...string) {
	if err := l.deps.Machine.Block(query, options...); err != nil && !errors.Is(err, domain.ErrAlreadyBlocked) {
		l.log.Errorf("block protocol: %v", err)
	}
}

// advance leaves the injection phase once every function is terminal and
// the phase gate allows it.
func (l *Loop) advance(ctx context.Context, specs []domain.FunctionSpec) (bool, error) {
	if err := l.progress(specs, domain.StepDraining); err != nil {
		return false, err
	}
	if l.deps.Gates != nil {
		gate, err := l.deps.Gates.Get(domain.PhaseInjection)
		if err != nil {
			return false, err
		}
		decision, err := gate.Evaluate(ctx, l.deps.Machine)
		if err != nil {
			return false, domain.WrapEngineError(domain.ErrPhaseGateFailed.Code, gate.Name(), err)
		}
		if !decision.Allow {
			l.log.Warnf("injection gate %s blocked: %v", gate.Name(), decision.Blockers)
			l.block(fmt.Sprintf("gate %s blocked: %v", gate.Name(), decision.Blockers), ChoiceRetry, ChoiceForce, ChoiceAbort)
			return false, nil
		}
	}
	next, _ := domain.PhaseInjection.Next()
	if err := l.deps.Machine.TransitionToPhase(next); err != nil {
		return false, err
	}
	l.log.Infof("all functions terminal, entering %s", next)
	return true, nil
}

// progress reports the number of terminal functions in the substate.
func (l *Loop) progress(specs []domain.FunctionSpec, step domain.Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		return nil
	}
	completed := 0
	for _, spec := range specs {
		fs, err := l.deps.Breaker.Snapshot(spec.ID)
		if err == nil && fs.Status.IsTerminal() {
			completed++
		}
	}
	return l.deps.Machine.EnterSubstate(domain.InjectionSubstate{
		Stage:     step,
		Total:     len(specs),
		Completed: completed,
	})
}

func (l *Loop) result(specs []domain.FunctionSpec) LoopResult {
	l.mu.Lock()
	res := LoopResult{
		Attempts:   l.attempts,
		Discarded:  l.discarded,
		Halted:     l.halted,
		HaltReason: l.haltReason,
		Report:     l.report,
	}
	l.mu.Unlock()
	for _, spec := range specs {
		fs, err := l.deps.Breaker.Snapshot(spec.ID)
		if err != nil {
			continue
		}
		switch fs.Status {
		case domain.FunctionSucceeded:
			res.Succeeded++
		case domain.FunctionDefective:
			res.Defective++
		default:
			res.Pending++
		}
	}
	return res
}

func (l *Loop) isHalted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

func (l *Loop) countAttempt() {
	l.mu.Lock()
	l.attempts++
	l.mu.Unlock()
}

func (l *Loop) countDiscard() {
	l.mu.Lock()
	l.discarded++
	l.mu.Unlock()
}

func (l *Loop) notify(t events.EventType, data map[string]interface{}) {
	if l.deps.Notifier != nil {
		l.deps.Notifier.Publish(t, data)
	}
}

func describe(s domain.ProtocolState) string {
	switch st := s.(type) {
	case domain.Active:
		return "active in " + string(st.Phase)
	default:
		return string(s.Kind())
	}
}
