package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/workflow"
)

func TestLoop_AllSucceedAdvances(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.DefaultConfig())
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: passVerifier}, LoopConfig{Workers: 2})

	res, err := l.Run(context.Background(), specs("a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.Advanced)
	assert.False(t, res.Halted)
	assert.Equal(t, domain.PhaseMassDefect, m.CurrentPhase())
	assert.True(t, m.IsActive())
}

func TestLoop_EscalatesToHigherTier(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{
		MaxAttemptsPerFunction:      3,
		MaxEscalations:              1,
		ConsecutiveFailureThreshold: 2,
		GlobalTripThreshold:         5,
	})

	var mu sync.Mutex
	var tiers []domain.Tier
	agent := agentFunc(func(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
		mu.Lock()
		tiers = append(tiers, tier)
		mu.Unlock()
		return echoAgent(ctx, fc, tier)
	})
	verifier := verifierFunc(func(_ context.Context, impl domain.Implementation, _ domain.FunctionContext) (domain.Verification, error) {
		if impl.Tier == domain.TierBase {
			return domain.Verification{Category: domain.FailureCompile, Diagnostic: "undefined: x"}, nil
		}
		return domain.Verification{Passed: true}, nil
	})
	rec := &recorder{}
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: agent, Verifier: verifier, Notifier: rec}, LoopConfig{Workers: 1})

	res, err := l.Run(context.Background(), specs("parse"))
	require.NoError(t, err)

	assert.Equal(t, []domain.Tier{0, 0, 1}, tiers)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, rec.count(events.EventEscalated))
	assert.Equal(t, 3, rec.count(events.EventAttemptRecorded))

	fs, err := b.Snapshot("parse")
	require.NoError(t, err)
	assert.Equal(t, domain.FunctionSucceeded, fs.Status)
	assert.Len(t, fs.Attempts, 3)
}

func TestLoop_ContextBuilderSeesPriorFailures(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 3, ConsecutiveFailureThreshold: 3, GlobalTripThreshold: 1})

	var seen []int
	agent := agentFunc(func(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
		seen = append(seen, len(fc.PriorFailures))
		return echoAgent(ctx, fc, tier)
	})
	var calls int
	verifier := verifierFunc(func(context.Context, domain.Implementation, domain.FunctionContext) (domain.Verification, error) {
		calls++
		if calls < 3 {
			return domain.Verification{Category: domain.FailureTest}, nil
		}
		return domain.Verification{Passed: true}, nil
	})
	l := newTestLoop(t, LoopDeps{
		Machine: m, Breaker: b, Agent: agent, Verifier: verifier,
		Builder: DefaultContextBuilder{Table: workflow.DefaultCostTable()},
	}, LoopConfig{Workers: 1})

	_, err := l.Run(context.Background(), specs("f"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestLoop_TripFailsProtocol(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 1, ConsecutiveFailureThreshold: 1, GlobalTripThreshold: 1})
	rec := &recorder{}
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: failVerifier, Notifier: rec},
		LoopConfig{Workers: 1, TripAction: TripFail})

	res, err := l.Run(context.Background(), specs("broken"))
	require.NoError(t, err)

	assert.True(t, res.Halted)
	assert.Equal(t, "circuit tripped", res.HaltReason)
	assert.False(t, res.Advanced)
	require.NotNil(t, res.Report)
	assert.True(t, res.Report.TrippedGlobally)
	require.Len(t, res.Report.Defects, 1)
	assert.Equal(t, "broken", res.Report.Defects[0].FunctionID)

	failed, ok := m.State().(domain.Failed)
	require.True(t, ok, "state = %#v", m.State())
	assert.Contains(t, failed.Error, string(domain.TripGlobalDefectThresholdExceeded))
	assert.Equal(t, 1, rec.count(events.EventDefect))
	assert.Equal(t, 1, rec.count(events.EventCircuitTripped))
}

func TestLoop_TripBlocksProtocol(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 1, ConsecutiveFailureThreshold: 1, GlobalTripThreshold: 1})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: failVerifier},
		LoopConfig{Workers: 1, TripAction: TripBlock})

	res, err := l.Run(context.Background(), specs("broken"))
	require.NoError(t, err)
	assert.True(t, res.Halted)

	q, ok := m.PendingQuery()
	require.True(t, ok)
	assert.Equal(t, []string{ChoiceAcceptDefects, ChoiceAbort}, q.Options)
	assert.Equal(t, domain.PhaseInjection, m.CurrentPhase())
}

func TestLoop_InFlightResultDiscardedAfterTrip(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 1, ConsecutiveFailureThreshold: 1, GlobalTripThreshold: 1})

	slowStarted := make(chan struct{})
	agent := agentFunc(func(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
		if fc.Spec.ID == "slow" {
			close(slowStarted)
			<-ctx.Done()
			return domain.Implementation{}, ctx.Err()
		}
		<-slowStarted
		return echoAgent(ctx, fc, tier)
	})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: agent, Verifier: failVerifier},
		LoopConfig{Workers: 2, TripAction: TripFail})

	res, err := l.Run(context.Background(), specs("fast", "slow"))
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.Equal(t, 1, res.Defective)

	slow, err := b.Snapshot("slow")
	require.NoError(t, err)
	assert.Empty(t, slow.Attempts, "cancelled attempt must not be recorded")
	assert.True(t, m.IsFailed())
}

func TestLoop_AttemptTimeoutRecordedAsFailure(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 1, ConsecutiveFailureThreshold: 1, GlobalTripThreshold: 5})
	hang := agentFunc(func(ctx context.Context, _ domain.FunctionContext, _ domain.Tier) (domain.Implementation, error) {
		<-ctx.Done()
		return domain.Implementation{}, ctx.Err()
	})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: hang, Verifier: passVerifier},
		LoopConfig{Workers: 1, AttemptTimeout: 20 * time.Millisecond})

	res, err := l.Run(context.Background(), specs("stuck"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Defective)
	assert.True(t, res.Advanced, "a defective function is terminal")

	fs, err := b.Snapshot("stuck")
	require.NoError(t, err)
	require.Len(t, fs.Attempts, 1)
	assert.Equal(t, domain.FailureTimeout, fs.Attempts[0].Category)
}

func TestLoop_AgentErrorIsUnknownFailure(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 1, ConsecutiveFailureThreshold: 1, GlobalTripThreshold: 5})
	broken := agentFunc(func(context.Context, domain.FunctionContext, domain.Tier) (domain.Implementation, error) {
		return domain.Implementation{}, errors.New("rate limited")
	})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: broken, Verifier: passVerifier}, LoopConfig{})

	_, err := l.Run(context.Background(), specs("f"))
	require.NoError(t, err)

	fs, err := b.Snapshot("f")
	require.NoError(t, err)
	require.Len(t, fs.Attempts, 1)
	assert.Equal(t, domain.FailureUnknown, fs.Attempts[0].Category)
	assert.Equal(t, "rate limited", fs.Attempts[0].Diagnostic)
}

func TestLoop_BudgetWarnThenHalt(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{
		MaxAttemptsPerFunction:      3,
		MaxEscalations:              1,
		ConsecutiveFailureThreshold: 2,
		GlobalTripThreshold:         5,
	})
	gov := workflow.NewBudgetGovernor(workflow.CostTable{{Name: "base", Cost: 1}, {Name: "enhanced", Cost: 4}}, 2.4)

	var pass atomic.Bool
	verifier := verifierFunc(func(context.Context, domain.Implementation, domain.FunctionContext) (domain.Verification, error) {
		if pass.Load() {
			return domain.Verification{Passed: true}, nil
		}
		return domain.Verification{Category: domain.FailureTest}, nil
	})
	rec := &recorder{}
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: verifier, Governor: gov, Notifier: rec},
		LoopConfig{Workers: 1})

	res, err := l.Run(context.Background(), specs("f"))
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.Equal(t, "tier budget exhausted", res.HaltReason)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, rec.count(events.EventBudgetWarning))
	assert.InDelta(t, 6.0, gov.Spent(), 1e-9)

	q, ok := m.PendingQuery()
	require.True(t, ok)
	assert.Equal(t, []string{ChoiceRaiseBudget, ChoiceAbort}, q.Options)

	// Raise the budget and continue where the loop stopped.
	gov.Raise(100)
	require.NoError(t, m.ResumeWith(domain.Resolution{Choice: ChoiceRaiseBudget, Actor: "ops"}))
	pass.Store(true)

	res, err = l.Run(context.Background(), specs("f"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.True(t, res.Advanced)

	fs, err := b.Snapshot("f")
	require.NoError(t, err)
	assert.Len(t, fs.Attempts, 4)
}

func TestLoop_RequiresInjectionPhase(t *testing.T) {
	m := workflow.NewMachine()
	b := newTestBreaker(t, breaker.DefaultConfig())
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: passVerifier}, LoopConfig{})

	_, err := l.Run(context.Background(), specs("f"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
	assert.True(t, domain.IsMisuse(err))
}

func TestLoop_NewLoopValidatesDeps(t *testing.T) {
	_, err := NewLoop(LoopDeps{}, LoopConfig{})
	assert.Error(t, err)
}

func TestLoop_ParentCancellation(t *testing.T) {
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.DefaultConfig())
	started := make(chan struct{})
	var once sync.Once
	agent := agentFunc(func(ctx context.Context, _ domain.FunctionContext, _ domain.Tier) (domain.Implementation, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return domain.Implementation{}, ctx.Err()
	})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: agent, Verifier: passVerifier}, LoopConfig{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := l.Run(ctx, specs("f"))
	assert.ErrorIs(t, err, context.Canceled)

	fs, err := b.Snapshot("f")
	require.NoError(t, err)
	assert.Empty(t, fs.Attempts)
	assert.Equal(t, domain.FunctionPending, fs.Status, "cancelled attempt is released")
	assert.True(t, m.IsActive())

	res, err := b.CheckCircuit("f")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

type notifyFunc func(events.EventType, map[string]interface{})

func (f notifyFunc) Publish(t events.EventType, data map[string]interface{}) { f(t, data) }

func TestLoop_OperatorTripHaltsAtNextAdmission(t *testing.T) {
	tests := []struct {
		name   string
		action TripAction
	}{
		{"fail", TripFail},
		{"block", TripBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := injectionMachine(t)
			b := newTestBreaker(t, breaker.DefaultConfig())
			r := NewRunner(RunnerDeps{Machine: m, Breaker: b})

			var once sync.Once
			var tripErr error
			trip := notifyFunc(func(typ events.EventType, data map[string]interface{}) {
				if typ == events.EventAttemptRecorded && data["function_id"] == "a" {
					once.Do(func() {
						_, tripErr = r.TripCircuit(domain.Decision{Actor: "lead", Reason: "manifest is wrong"})
					})
				}
			})
			l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: echoAgent, Verifier: passVerifier, Notifier: trip},
				LoopConfig{Workers: 1, TripAction: tt.action})

			res, err := l.Run(context.Background(), specs("a", "b", "c"))
			require.NoError(t, err)
			require.NoError(t, tripErr)

			assert.True(t, res.Halted)
			assert.Equal(t, "circuit tripped", res.HaltReason)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, 1, res.Succeeded)
			assert.False(t, res.Advanced)
			require.NotNil(t, res.Report)
			assert.True(t, res.Report.TrippedGlobally)

			fs, err := b.Snapshot("b")
			require.NoError(t, err)
			assert.Empty(t, fs.Attempts)

			switch tt.action {
			case TripFail:
				failed, ok := m.State().(domain.Failed)
				require.True(t, ok, "state = %#v", m.State())
				assert.Contains(t, failed.Error, string(domain.TripOperatorForced))
			case TripBlock:
				q, ok := m.PendingQuery()
				require.True(t, ok)
				assert.Contains(t, q.Query, string(domain.TripOperatorForced))
				assert.Equal(t, []string{ChoiceAcceptDefects, ChoiceAbort}, q.Options)
			}
		})
	}
}

func TestLoop_ConcurrentWorkersRespectLimits(t *testing.T) {
	const workers = 4
	m := injectionMachine(t)
	b := newTestBreaker(t, breaker.Config{MaxAttemptsPerFunction: 2, ConsecutiveFailureThreshold: 2, GlobalTripThreshold: 50})

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	perFunction := make(map[string]int)
	agent := agentFunc(func(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
		mu.Lock()
		perFunction[fc.Spec.ID]++
		if perFunction[fc.Spec.ID] > 2 {
			mu.Unlock()
			return domain.Implementation{}, fmt.Errorf("%s over budget", fc.Spec.ID)
		}
		mu.Unlock()

		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return echoAgent(ctx, fc, tier)
	})
	verifier := verifierFunc(func(_ context.Context, _ domain.Implementation, fc domain.FunctionContext) (domain.Verification, error) {
		if fc.Attempt == 1 {
			return domain.Verification{Category: domain.FailureTest}, nil
		}
		return domain.Verification{Passed: true}, nil
	})
	l := newTestLoop(t, LoopDeps{Machine: m, Breaker: b, Agent: agent, Verifier: verifier}, LoopConfig{Workers: workers})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("fn%02d", i)
	}
	res, err := l.Run(context.Background(), specs(ids...))
	require.NoError(t, err)

	assert.Equal(t, 20, res.Succeeded)
	assert.Equal(t, 40, res.Attempts)
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	for _, id := range ids {
		assert.Equal(t, 2, perFunction[id], id)
	}
}
