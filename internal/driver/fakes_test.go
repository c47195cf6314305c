package driver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/workflow"
)

type agentFunc func(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error)

func (f agentFunc) GenerateImplementation(ctx context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
	return f(ctx, fc, tier)
}

type verifierFunc func(ctx context.Context, impl domain.Implementation, fc domain.FunctionContext) (domain.Verification, error)

func (f verifierFunc) Verify(ctx context.Context, impl domain.Implementation, fc domain.FunctionContext) (domain.Verification, error) {
	return f(ctx, impl, fc)
}

// echoAgent returns a trivial candidate immediately.
var echoAgent = agentFunc(func(_ context.Context, fc domain.FunctionContext, tier domain.Tier) (domain.Implementation, error) {
	return domain.Implementation{FunctionID: fc.Spec.ID, Tier: tier, Code: "// " + fc.Spec.ID}, nil
})

var passVerifier = verifierFunc(func(context.Context, domain.Implementation, domain.FunctionContext) (domain.Verification, error) {
	return domain.Verification{Passed: true}, nil
})

var failVerifier = verifierFunc(func(context.Context, domain.Implementation, domain.FunctionContext) (domain.Verification, error) {
	return domain.Verification{Category: domain.FailureTest, Diagnostic: "want 3 got 2"}, nil
})

// recorder is a Notifier that keeps every event in order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(t events.EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Type: t, Data: data})
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func specs(ids ...string) []domain.FunctionSpec {
	out := make([]domain.FunctionSpec, len(ids))
	for i, id := range ids {
		out[i] = domain.FunctionSpec{ID: id, Module: "mod", Signature: "func " + id + "()"}
	}
	return out
}

// injectionMachine returns a machine Active in the injection phase.
func injectionMachine(t *testing.T, opts ...workflow.MachineOption) *workflow.Machine {
	t.Helper()
	m := workflow.NewMachine(opts...)
	require.NoError(t, m.TransitionToPhase(domain.PhaseLattice))
	require.NoError(t, m.TransitionToPhase(domain.PhaseInjection))
	return m
}

func newTestBreaker(t *testing.T, cfg breaker.Config) *breaker.Breaker {
	t.Helper()
	b, err := breaker.New(cfg)
	require.NoError(t, err)
	return b
}

func newTestLoop(t *testing.T, deps LoopDeps, cfg LoopConfig) *Loop {
	t.Helper()
	l, err := NewLoop(deps, cfg)
	require.NoError(t, err)
	return l
}
