// Package workflow implements the protocol state machine, its phase gates and
// the tier budget governor.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/rogers-f/crucible/internal/domain"
)

// IsValidTransition reports whether to is the direct successor of from.
func IsValidTransition(from, to domain.Phase) bool {
	next, ok := from.Next()
	return ok && next == to
}

// Machine owns the ProtocolState of one run. All mutations are serialized
// by a single mutex; observers are notified after the lock is released.
type Machine struct {
	mu          sync.Mutex
	state       domain.ProtocolState
	retained    *domain.Active
	lastPhase   domain.Phase
	seq         int64
	history     []domain.Transition
	resolutions []domain.Resolution
	overrides   []domain.Decision

	observer func(domain.Transition)
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver registers a callback invoked for every accepted transition.
// The callback must not block.
func WithObserver(fn func(domain.Transition)) MachineOption {
	return func(m *Machine) { m.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine Active in the first phase of the lexicon.
func NewMachine(opts ...MachineOption) *Machine {
	first := domain.FirstPhase()
	sub, _ := domain.InitialSubstate(first)
	m := &Machine{
		state:     domain.Active{Phase: first, Substate: sub},
		lastPhase: first,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TransitionToPhase advances to the direct successor of the current phase.
func (m *Machine) TransitionToPhase(next domain.Phase) error {
	return m.mutate(func() (*domain.Transition, error) {
		active, err := m.requireActive("transition to " + string(next))
		if err != nil {
			return nil, err
		}
		if !IsValidTransition(active.Phase, next) {
			return nil, domain.NewEngineError(
				domain.ErrIllegalTransition.Code,
				fmt.Sprintf("illegal transition %s -> %s", active.Phase, next),
			)
		}
		return m.enterPhase(domain.TransitionPhase, next), nil
	})
}

// ForceTransition moves an Active run to any other phase on an operator's
// decision. The decision is kept in the override log.
func (m *Machine) ForceTransition(next domain.Phase, decision domain.Decision) error {
	return m.mutate(func() (*domain.Transition, error) {
		if decision.Actor == "" {
			return nil, domain.ErrOverrideNeedsActor
		}
		if !next.Valid() {
			return nil, domain.NewEngineError(domain.ErrInvalidPhase.Code, "unknown phase "+string(next))
		}
		active, err := m.requireActive("forced transition to " + string(next))
		if err != nil {
			return nil, err
		}
		if active.Phase == next {
			return nil, domain.NewEngineError(
				domain.ErrIllegalTransition.Code,
				fmt.Sprintf("forced transition to current phase %s", next),
			)
		}
		if decision.At.IsZero() {
			decision.At = m.now()
		}
		m.overrides = append(m.overrides, decision)
		return m.enterPhase(domain.TransitionForced, next), nil
	})
}

// EnterSubstate replaces the substate of the current phase.
func (m *Machine) EnterSubstate(sub domain.Substate) error {
	return m.mutate(func() (*domain.Transition, error) {
		if sub == nil {
			return nil, domain.NewEngineError(domain.ErrInvalidSubstate.Code, "nil substate")
		}
		active, err := m.requireActive("enter substate")
		if err != nil {
			return nil, err
		}
		if sub.Phase() != active.Phase {
			return nil, domain.NewEngineError(
				domain.ErrPhaseMismatch.Code,
				fmt.Sprintf("substate of %s while in %s", sub.Phase(), active.Phase),
			)
		}
		if !domain.StepAllowed(active.Phase, sub.CurrentStep()) {
			return nil, domain.NewEngineError(
				domain.ErrInvalidSubstate.Code,
				fmt.Sprintf("step %q not allowed in %s", sub.CurrentStep(), active.Phase),
			)
		}
		tr := m.commit(domain.TransitionSubstate, domain.Active{Phase: active.Phase, Substate: sub})
		return &tr, nil
	})
}

// Block suspends phase work until a human answers query. Options, when
// given, must be distinct and non-empty.
func (m *Machine) Block(query string, options ...string) error {
	return m.mutate(func() (*domain.Transition, error) {
		switch s := m.state.(type) {
		case domain.Blocked:
			return nil, domain.ErrAlreadyBlocked
		case domain.Failed:
			return nil, domain.NewEngineError(domain.ErrIllegalTransition.Code, "cannot block a failed run")
		case domain.Active:
			if err := validateBlock(query, options); err != nil {
				return nil, err
			}
			retained := s
			m.retained = &retained
			var opts []string
			if len(options) > 0 {
				opts = append([]string(nil), options...)
			}
			tr := m.commit(domain.TransitionBlocked, domain.Blocked{Query: query, Options: opts})
			return &tr, nil
		default:
			return nil, unknownState(s)
		}
	})
}

// Resume restores the Active state retained by Block.
func (m *Machine) Resume() error {
	return m.mutate(func() (*domain.Transition, error) {
		if _, ok := m.state.(domain.Blocked); !ok {
			return nil, domain.ErrNotBlocked
		}
		return m.restore(), nil
	})
}

// ResumeWith records a resolution to the pending query and resumes. When
// the query offered options, the choice must be one of them.
func (m *Machine) ResumeWith(res domain.Resolution) error {
	return m.mutate(func() (*domain.Transition, error) {
		blocked, ok := m.state.(domain.Blocked)
		if !ok {
			return nil, domain.ErrNotBlocked
		}
		if len(blocked.Options) > 0 && !contains(blocked.Options, res.Choice) {
			return nil, domain.NewEngineError(
				domain.ErrUnknownOption.Code,
				fmt.Sprintf("choice %q not in %v", res.Choice, blocked.Options),
			)
		}
		res.Query = blocked.Query
		if res.At.IsZero() {
			res.At = m.now()
		}
		m.resolutions = append(m.resolutions, res)
		return m.restore(), nil
	})
}

// Fail moves the run to the terminal Failed state. Calling Fail on a failed
// run is a no-op and keeps the first error.
func (m *Machine) Fail(reason string) error {
	return m.mutate(func() (*domain.Transition, error) {
		if _, ok := m.state.(domain.Failed); ok {
			return nil, nil
		}
		m.retained = nil
		tr := m.commit(domain.TransitionFailed, domain.Failed{Error: reason})
		return &tr, nil
	})
}

// State returns a copy of the current protocol state.
func (m *Machine) State() domain.ProtocolState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state)
}

// CurrentPhase returns the phase the run is in. While blocked this is the
// retained phase; once failed it is the last phase reached.
func (m *Machine) CurrentPhase() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPhase
}

// CurrentSubstate returns the substate while Active.
func (m *Machine) CurrentSubstate() (domain.Substate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.state.(domain.Active)
	if !ok {
		return nil, false
	}
	return active.Substate, true
}

// IsActive reports whether phase work may proceed.
func (m *Machine) IsActive() bool { return m.kind() == domain.KindActive }

// IsBlocked reports whether the run waits for a human decision.
func (m *Machine) IsBlocked() bool { return m.kind() == domain.KindBlocked }

// IsFailed reports whether the run reached the terminal state.
func (m *Machine) IsFailed() bool { return m.kind() == domain.KindFailed }

// PendingQuery exposes the query and options of a blocked run.
func (m *Machine) PendingQuery() (domain.Blocked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.state.(domain.Blocked)
	if !ok {
		return domain.Blocked{}, false
	}
	return copyState(b).(domain.Blocked), true
}

// History returns every accepted transition in order.
func (m *Machine) History() []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.history...)
}

// Resolutions returns the answers given to blocked queries.
func (m *Machine) Resolutions() []domain.Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Resolution(nil), m.resolutions...)
}

// Overrides returns the operator decisions behind forced transitions.
func (m *Machine) Overrides() []domain.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Decision(nil), m.overrides...)
}

func (m *Machine) kind() domain.StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Kind()
}

// mutate runs fn under the lock and notifies the observer of the resulting
// transition, if any.
func (m *Machine) mutate(fn func() (*domain.Transition, error)) error {
	m.mu.Lock()
	tr, err := fn()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if tr != nil && m.observer != nil {
		m.observer(*tr)
	}
	return nil
}

func (m *Machine) requireActive(op string) (domain.Active, error) {
	switch s := m.state.(type) {
	case domain.Active:
		return s, nil
	case domain.Blocked:
		return domain.Active{}, domain.NewEngineError(domain.ErrIllegalTransition.Code, op+": run is blocked")
	case domain.Failed:
		return domain.Active{}, domain.NewEngineError(domain.ErrIllegalTransition.Code, op+": run has failed")
	default:
		return domain.Active{}, unknownState(s)
	}
}

func (m *Machine) enterPhase(kind domain.TransitionKind, next domain.Phase) *domain.Transition {
	sub, _ := domain.InitialSubstate(next)
	m.lastPhase = next
	tr := m.commit(kind, domain.Active{Phase: next, Substate: sub})
	return &tr
}

func (m *Machine) restore() *domain.Transition {
	restored := *m.retained
	m.retained = nil
	tr := m.commit(domain.TransitionResumed, restored)
	return &tr
}

// commit must be called with the lock held.
func (m *Machine) commit(kind domain.TransitionKind, to domain.ProtocolState) domain.Transition {
	m.seq++
	tr := domain.Transition{
		Seq:  m.seq,
		Kind: kind,
		From: copyState(m.state),
		To:   copyState(to),
		At:   m.now(),
	}
	m.state = to
	m.history = append(m.history, tr)
	return tr
}

func validateBlock(query string, options []string) error {
	if query == "" {
		return domain.NewEngineError(domain.ErrInvalidOptions.Code, "blocked state requires a query")
	}
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if opt == "" {
			return domain.NewEngineError(domain.ErrInvalidOptions.Code, "empty option")
		}
		if seen[opt] {
			return domain.NewEngineError(domain.ErrInvalidOptions.Code, "duplicate option "+opt)
		}
		seen[opt] = true
	}
	return nil
}

func copyState(s domain.ProtocolState) domain.ProtocolState {
	if b, ok := s.(domain.Blocked); ok && b.Options != nil {
		b.Options = append([]string(nil), b.Options...)
		return b
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func unknownState(s domain.ProtocolState) error {
	return domain.NewEngineError(domain.ErrIllegalTransition.Code, fmt.Sprintf("unknown protocol state %T", s))
}
