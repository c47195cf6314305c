// Package breaker implements the circuit breaker that bounds the per-function
// retry loop of the implementation phase.
//
// Each function gets a cumulative attempt allowance of
// MaxAttemptsPerFunction × (escalationCount+1). A function escalates to the
// next tier after ConsecutiveFailureThreshold failures in a row, or when the
// allowance of its current tier is used up. At the last tier an exhausted
// allowance marks the function Defective, and once GlobalTripThreshold
// functions are Defective the whole circuit trips for good.
package breaker

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/logging"
)

// Config holds the recognized breaker options.
type Config struct {
	MaxAttemptsPerFunction      int `mapstructure:"max_attempts_per_function" yaml:"max_attempts_per_function"`
	MaxEscalations              int `mapstructure:"max_escalations" yaml:"max_escalations"`
	ConsecutiveFailureThreshold int `mapstructure:"consecutive_failure_threshold" yaml:"consecutive_failure_threshold"`
	// GlobalTripThreshold is an absolute count of Defective functions.
	GlobalTripThreshold int `mapstructure:"global_trip_threshold" yaml:"global_trip_threshold"`
	MaxDiagnosticBytes  int `mapstructure:"max_diagnostic_bytes" yaml:"max_diagnostic_bytes"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerFunction:      3,
		MaxEscalations:              2,
		ConsecutiveFailureThreshold: 2,
		GlobalTripThreshold:         3,
		MaxDiagnosticBytes:          4096,
	}
}

// Validate reports every invalid option at once.
func (c Config) Validate() error {
	var problems []string
	if c.MaxAttemptsPerFunction < 1 {
		problems = append(problems, "max_attempts_per_function must be >= 1")
	}
	if c.MaxEscalations < 0 {
		problems = append(problems, "max_escalations must be >= 0")
	}
	if c.ConsecutiveFailureThreshold < 1 {
		problems = append(problems, "consecutive_failure_threshold must be >= 1")
	}
	if c.GlobalTripThreshold < 1 {
		problems = append(problems, "global_trip_threshold must be >= 1")
	}
	if c.MaxDiagnosticBytes < 0 {
		problems = append(problems, "max_diagnostic_bytes must be >= 0")
	}
	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrBreakerConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrBreakerConfigInvalid.Message, problems),
		}
	}
	return nil
}

// AttemptCap is the cumulative number of attempts allowed up to and
// including tier escalation.
func (c Config) AttemptCap(escalation int) int {
	return c.MaxAttemptsPerFunction * (escalation + 1)
}

// MaxTotalAttempts bounds the attempts of any function.
func (c Config) MaxTotalAttempts() int {
	return c.AttemptCap(c.MaxEscalations)
}

// TripInfo describes a global trip.
type TripInfo struct {
	Tripped bool
	Reason  domain.CircuitTripReason
	Detail  string
	At      time.Time
}

// Breaker owns the CircuitBreakerState of one run. Every method is safe for
// concurrent use; admission and recording are linearizable.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	functions map[string]*domain.FunctionState
	order     []string
	trip      TripInfo
	// inflight holds the functions admitted by Admit whose outcome is not
	// yet recorded or abandoned.
	inflight map[string]struct{}

	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger for escalations, defects and trips.
func WithLogger(l *logging.Logger) Option {
	return func(b *Breaker) { b.logger = l.With("breaker") }
}

// New creates a breaker for one run.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:       cfg,
		functions: make(map[string]*domain.FunctionState),
		inflight:  make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the breaker configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// RegisterFunction adds a Pending function.
func (b *Breaker) RegisterFunction(id, module string) error {
	if id == "" {
		return domain.NewEngineError(domain.ErrFunctionNotFound.Code, "empty function id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.functions[id]; ok {
		return domain.NewEngineError(domain.ErrDuplicateFunction.Code, "function already registered: "+id)
	}
	b.functions[id] = &domain.FunctionState{
		ID:     id,
		Module: module,
		Status: domain.FunctionPending,
	}
	b.order = append(b.order, id)
	return nil
}

// CheckCircuit is the admission gate: it reports whether a new attempt on id
// may start and at which tier.
func (b *Breaker) CheckCircuit(id string) (domain.CircuitCheckResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return domain.CircuitCheckResult{}, err
	}
	return b.admission(fs), nil
}

// Admit runs the admission gate and, when allowed, records the attempt start
// in the same critical section. The function stays in flight, and further
// admissions are refused, until its outcome is recorded or AbandonAttempt is
// called.
func (b *Breaker) Admit(id string) (domain.CircuitCheckResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return domain.CircuitCheckResult{}, err
	}
	res := b.admission(fs)
	if res.Allowed {
		b.start(fs, res.Tier)
		b.inflight[id] = struct{}{}
	}
	return res, nil
}

// AbandonAttempt ends an admitted attempt without an outcome, for example
// when the run is cancelled. The function returns to Pending, or Escalated
// above the base tier, and may be admitted again.
func (b *Breaker) AbandonAttempt(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return err
	}
	delete(b.inflight, id)
	if fs.Status != domain.FunctionInProgress {
		return nil
	}
	fs.Status = domain.FunctionPending
	if fs.EscalationCount > 0 {
		fs.Status = domain.FunctionEscalated
	}
	fs.StartedAt = time.Time{}
	return nil
}

// RecordAttemptStart notes that an attempt at tier began. It does not
// affect admission.
func (b *Breaker) RecordAttemptStart(id string, tier domain.Tier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return err
	}
	if int(tier) < 0 || int(tier) > b.cfg.MaxEscalations {
		return domain.NewEngineError(
			domain.ErrTierUnavailable.Code,
			fmt.Sprintf("tier %d outside 0..%d", tier, b.cfg.MaxEscalations),
		)
	}
	if fs.Status.IsTerminal() || b.trip.Tripped {
		return nil
	}
	b.start(fs, tier)
	return nil
}

// RecordSuccess marks id Succeeded. Results arriving after a global trip, or
// for a function that is already terminal, are discarded.
func (b *Breaker) RecordSuccess(id string) (domain.RecordOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return domain.RecordOutcome{}, err
	}
	delete(b.inflight, id)
	if b.trip.Tripped || fs.Status.IsTerminal() {
		return domain.RecordOutcome{Discarded: true, NewTier: fs.CurrentTier()}, nil
	}

	if len(fs.Attempts) < b.cfg.MaxTotalAttempts() {
		fs.Attempts = append(fs.Attempts, b.attempt(fs, true, "", ""))
	}
	fs.Status = domain.FunctionSucceeded
	fs.ConsecutiveFailures = 0
	fs.StartedAt = time.Time{}
	return domain.RecordOutcome{NewTier: fs.CurrentTier()}, nil
}

// RecordFailure appends a failed attempt and applies the escalation policy.
func (b *Breaker) RecordFailure(id string, category domain.FailureCategory, diagnostic string) (domain.RecordOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return domain.RecordOutcome{}, err
	}
	delete(b.inflight, id)
	if b.trip.Tripped || fs.Status.IsTerminal() {
		return domain.RecordOutcome{Discarded: true, NewTier: fs.CurrentTier()}, nil
	}

	category = domain.ParseFailureCategory(string(category))
	fs.Attempts = append(fs.Attempts, b.attempt(fs, false, category, b.truncate(diagnostic)))
	fs.ConsecutiveFailures++
	fs.StartedAt = time.Time{}

	out := domain.RecordOutcome{}
	used := len(fs.Attempts)
	tierExhausted := used >= b.cfg.AttemptCap(fs.EscalationCount)

	switch {
	case fs.EscalationCount < b.cfg.MaxEscalations &&
		(fs.ConsecutiveFailures >= b.cfg.ConsecutiveFailureThreshold || tierExhausted):
		fs.EscalationCount++
		fs.ConsecutiveFailures = 0
		fs.Status = domain.FunctionEscalated
		out.Escalated = true
		b.logger.Warnf("function %s escalated to tier %d after %d attempts (last=%s)",
			id, fs.EscalationCount, used, category)
	case tierExhausted:
		fs.Status = domain.FunctionDefective
		defect := defectOf(fs)
		out.Defect = &defect
		b.logger.Errorf("function %s is defective after %d attempts at tier %d",
			id, used, fs.EscalationCount)
		if n := b.defectiveCount(); n >= b.cfg.GlobalTripThreshold {
			out.TrippedGlobal = b.tripLocked(
				domain.TripGlobalDefectThresholdExceeded,
				fmt.Sprintf("%d defective functions reached threshold %d", n, b.cfg.GlobalTripThreshold),
			)
		}
	default:
		if fs.EscalationCount > 0 {
			fs.Status = domain.FunctionEscalated
		} else {
			fs.Status = domain.FunctionPending
		}
	}

	out.NewTier = fs.CurrentTier()
	return out, nil
}

// TripCircuit trips the whole circuit. It reports whether this call tripped
// it; later calls keep the first reason.
func (b *Breaker) TripCircuit(reason domain.CircuitTripReason, detail string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripLocked(reason, detail)
}

// IsTrippedGlobally reports whether the circuit has tripped.
func (b *Breaker) IsTrippedGlobally() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trip.Tripped
}

// Trip returns the global trip details.
func (b *Breaker) Trip() TripInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trip
}

// ResetFunction returns a Defective function to Pending on an operator
// decision. Its history is archived in Resets.
func (b *Breaker) ResetFunction(id string, decision domain.Decision) error {
	if decision.Actor == "" {
		return domain.ErrOverrideNeedsActor
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return err
	}
	if fs.Status != domain.FunctionDefective {
		return domain.NewEngineError(
			domain.ErrFunctionNotDefective.Code,
			fmt.Sprintf("function %s is %s", id, fs.Status),
		)
	}
	if decision.At.IsZero() {
		decision.At = b.now()
	}
	fs.Resets = append(fs.Resets, domain.FunctionReset{
		Decision:        decision,
		Attempts:        fs.Attempts,
		EscalationCount: fs.EscalationCount,
	})
	delete(b.inflight, id)
	fs.Attempts = nil
	fs.EscalationCount = 0
	fs.ConsecutiveFailures = 0
	fs.Status = domain.FunctionPending
	b.logger.Infof("function %s reset by %s: %s", id, decision.Actor, decision.Reason)
	return nil
}

// Snapshot returns a deep copy of one function's state.
func (b *Breaker) Snapshot(id string) (domain.FunctionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, err := b.lookup(id)
	if err != nil {
		return domain.FunctionState{}, err
	}
	return cloneState(fs), nil
}

// Functions returns deep copies of every function in registration order.
func (b *Breaker) Functions() []domain.FunctionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.FunctionState, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, cloneState(b.functions[id]))
	}
	return out
}

// Pending returns the ids that are not terminal, in registration order.
func (b *Breaker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, id := range b.order {
		if !b.functions[id].Status.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// AllTerminal reports whether every function is Succeeded or Defective.
func (b *Breaker) AllTerminal() bool {
	return len(b.Pending()) == 0
}

func (b *Breaker) lookup(id string) (*domain.FunctionState, error) {
	fs, ok := b.functions[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrFunctionNotFound.Code, "function not registered: "+id)
	}
	return fs, nil
}

func (b *Breaker) admission(fs *domain.FunctionState) domain.CircuitCheckResult {
	res := domain.CircuitCheckResult{Tier: fs.CurrentTier()}
	switch {
	case b.trip.Tripped:
		res.Reason = b.trip.Reason
		res.Detail = b.trip.Detail
	case fs.Status == domain.FunctionDefective:
		res.Reason = domain.TripAttemptsExhausted
		res.Detail = fmt.Sprintf("defective after %d attempts", len(fs.Attempts))
	case fs.Status == domain.FunctionSucceeded:
		res.Reason = domain.DenyAlreadySucceeded
	case b.isInFlight(fs.ID):
		res.Reason = domain.DenyInFlight
		res.Detail = "an admitted attempt has not been recorded"
	case fs.EscalationCount >= b.cfg.MaxEscalations &&
		len(fs.Attempts) >= b.cfg.AttemptCap(fs.EscalationCount):
		res.Reason = domain.TripAttemptsExhausted
		res.Detail = "no tier remaining"
	default:
		res.Allowed = true
	}
	return res
}

func (b *Breaker) isInFlight(id string) bool {
	_, ok := b.inflight[id]
	return ok
}

func (b *Breaker) start(fs *domain.FunctionState, tier domain.Tier) {
	fs.Status = domain.FunctionInProgress
	fs.StartedAt = b.now()
	fs.StartedTier = tier
}

func (b *Breaker) attempt(fs *domain.FunctionState, passed bool, category domain.FailureCategory, diagnostic string) domain.ImplementationAttempt {
	tier := fs.CurrentTier()
	started := fs.StartedAt
	if !started.IsZero() {
		tier = fs.StartedTier
	}
	now := b.now()
	if started.IsZero() {
		started = now
	}
	return domain.ImplementationAttempt{
		Index:       len(fs.Attempts) + 1,
		Tier:        tier,
		StartedAt:   started,
		CompletedAt: now,
		Passed:      passed,
		Category:    category,
		Diagnostic:  diagnostic,
	}
}

func (b *Breaker) tripLocked(reason domain.CircuitTripReason, detail string) bool {
	if b.trip.Tripped {
		return false
	}
	b.trip = TripInfo{Tripped: true, Reason: reason, Detail: detail, At: b.now()}
	b.logger.Errorf("circuit tripped globally: %s (%s)", reason, detail)
	return true
}

func (b *Breaker) defectiveCount() int {
	n := 0
	for _, fs := range b.functions {
		if fs.Status == domain.FunctionDefective {
			n++
		}
	}
	return n
}

// truncate cuts s to MaxDiagnosticBytes on a rune boundary. Zero keeps s whole.
func (b *Breaker) truncate(s string) string {
	limit := b.cfg.MaxDiagnosticBytes
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func cloneState(fs *domain.FunctionState) domain.FunctionState {
	out := *fs
	out.Attempts = append([]domain.ImplementationAttempt(nil), fs.Attempts...)
	if len(fs.Resets) > 0 {
		out.Resets = make([]domain.FunctionReset, len(fs.Resets))
		for i, r := range fs.Resets {
			r.Attempts = append([]domain.ImplementationAttempt(nil), r.Attempts...)
			out.Resets[i] = r
		}
	}
	return out
}
