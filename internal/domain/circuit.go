package domain

import "time"

// FunctionStatus is the lifecycle state of one unit of work.
type FunctionStatus string

const (
	FunctionPending    FunctionStatus = "pending"
	FunctionInProgress FunctionStatus = "in_progress"
	FunctionSucceeded  FunctionStatus = "succeeded"
	FunctionDefective  FunctionStatus = "defective"
	FunctionEscalated  FunctionStatus = "escalated"
)

// IsTerminal reports whether no further attempts will be made.
func (s FunctionStatus) IsTerminal() bool {
	return s == FunctionSucceeded || s == FunctionDefective
}

// FailureCategory classifies a failed attempt.
type FailureCategory string

const (
	FailureCompile FailureCategory = "compile_error"
	FailureTest    FailureCategory = "test_failure"
	FailureTimeout FailureCategory = "timeout"
	FailureUnknown FailureCategory = "unknown"
)

// ParseFailureCategory maps free-form verifier output to a category.
func ParseFailureCategory(s string) FailureCategory {
	switch FailureCategory(s) {
	case FailureCompile, FailureTest, FailureTimeout:
		return FailureCategory(s)
	default:
		return FailureUnknown
	}
}

// Tier is a capability level of the agent. Tiers are ordered: a higher tier
// is more capable and more expensive. The tier used for an attempt is the
// function's escalation count.
type Tier int

const (
	TierBase Tier = iota
	TierEnhanced
	TierFrontier
)

// ImplementationAttempt is an immutable record of one attempt.
type ImplementationAttempt struct {
	Index       int
	Tier        Tier
	StartedAt   time.Time
	CompletedAt time.Time
	Passed      bool
	Category    FailureCategory
	Diagnostic  string
}

// FunctionReset archives the history cleared by an operator reset.
type FunctionReset struct {
	Decision        Decision
	Attempts        []ImplementationAttempt
	EscalationCount int
}

// FunctionState is the breaker's record of one function.
type FunctionState struct {
	ID                  string
	Module              string
	Status              FunctionStatus
	Attempts            []ImplementationAttempt
	EscalationCount     int
	ConsecutiveFailures int
	StartedAt           time.Time
	StartedTier         Tier
	Resets              []FunctionReset
}

// CurrentTier is the tier the next attempt runs at.
func (f *FunctionState) CurrentTier() Tier {
	return Tier(f.EscalationCount)
}

// CircuitTripReason explains why admission was refused or why a circuit
// tripped. Trip reasons are business outcomes, never errors.
type CircuitTripReason string

const (
	TripAttemptsExhausted             CircuitTripReason = "attempts_exhausted"
	TripGlobalDefectThresholdExceeded CircuitTripReason = "global_defect_threshold_exceeded"
	TripOperatorForced                CircuitTripReason = "operator_forced"

	// DenyAlreadySucceeded and DenyInFlight refuse admission without
	// tripping anything.
	DenyAlreadySucceeded CircuitTripReason = "already_succeeded"
	DenyInFlight         CircuitTripReason = "in_flight"
)

// CircuitCheckResult is the answer of the admission gate.
type CircuitCheckResult struct {
	Allowed bool
	Reason  CircuitTripReason
	Tier    Tier
	Detail  string
}

// RecordOutcome describes the effect of recording a result.
type RecordOutcome struct {
	// Discarded is set when the result arrived after a global trip and was
	// not applied.
	Discarded     bool
	Escalated     bool
	NewTier       Tier
	Defect        *StructuralDefect
	TrippedGlobal bool
}

// StructuralDefect is a function that exhausted its retry and escalation budget.
type StructuralDefect struct {
	FunctionID      string
	Module          string
	EscalationCount int
	Attempts        []ImplementationAttempt
	LastCategory    FailureCategory
	FreezeStreak    int
	Resets          int
}

// StructuralDefectReport is derived from FunctionState entries for human review.
type StructuralDefectReport struct {
	GeneratedAt     time.Time
	TrippedGlobally bool
	TripReason      CircuitTripReason
	TripDetail      string
	Defects         []StructuralDefect
	Statistics      CircuitStatistics
}

// CircuitStatistics is a read-only aggregate used for reporting only.
type CircuitStatistics struct {
	Total                    int
	Pending                  int
	InProgress               int
	Succeeded                int
	Defective                int
	Escalated                int
	TotalAttempts            int
	AverageAttemptsToSuccess float64
	EscalationRate           float64
	FrozenFunctions          int
	AttemptsByTier           map[Tier]int
	FailuresByCategory       map[FailureCategory]int
	TrippedGlobally          bool
	TripReason               CircuitTripReason
}

// ModuleSummary aggregates statistics for the functions of one module.
type ModuleSummary struct {
	Module             string
	Statistics         CircuitStatistics
	DefectiveFunctions []string
}
