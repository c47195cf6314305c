package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors built with
// NewEngineError compare equal to the sentinel of their band.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Protocol state machine errors (-32010 to -32039) ----

var (
	ErrIllegalTransition  = &EngineError{Code: -32010, Message: "illegal protocol transition"}
	ErrPhaseMismatch      = &EngineError{Code: -32011, Message: "substate does not belong to the current phase"}
	ErrAlreadyBlocked     = &EngineError{Code: -32012, Message: "protocol is already blocked"}
	ErrNotBlocked         = &EngineError{Code: -32013, Message: "protocol is not blocked"}
	ErrInvalidPhase       = &EngineError{Code: -32014, Message: "invalid phase value"}
	ErrInvalidSubstate    = &EngineError{Code: -32015, Message: "invalid substate"}
	ErrInvalidOptions     = &EngineError{Code: -32016, Message: "block options must be non-empty and distinct"}
	ErrUnknownOption      = &EngineError{Code: -32017, Message: "resolution is not one of the offered options"}
	ErrGateNotRegistered  = &EngineError{Code: -32018, Message: "no gate registered for phase"}
	ErrPhaseGateFailed    = &EngineError{Code: -32019, Message: "phase gate evaluation failed"}
	ErrRunNotFound        = &EngineError{Code: -32020, Message: "run not found"}
	ErrOverrideNeedsActor = &EngineError{Code: -32021, Message: "operator override requires an actor"}
)

// ---- Circuit breaker errors (-32040 to -32069) ----

var (
	ErrDuplicateFunction    = &EngineError{Code: -32040, Message: "function already registered"}
	ErrFunctionNotFound     = &EngineError{Code: -32041, Message: "function not registered"}
	ErrFunctionNotDefective = &EngineError{Code: -32042, Message: "function is not defective"}
	ErrBreakerConfigInvalid = &EngineError{Code: -32044, Message: "invalid circuit breaker configuration"}
)

// ---- Agent / verifier errors (-32070 to -32099) ----

var (
	ErrAgentFailed        = &EngineError{Code: -32070, Message: "agent invocation failed"}
	ErrVerifierFailed     = &EngineError{Code: -32071, Message: "verification invocation failed"}
	ErrTierUnavailable    = &EngineError{Code: -32072, Message: "no provider configured for tier"}
	ErrProviderRegistered = &EngineError{Code: -32073, Message: "provider already registered for tier"}
	ErrBudgetExceeded     = &EngineError{Code: -32074, Message: "tier budget exceeded"}
	ErrInvalidAgentOutput = &EngineError{Code: -32075, Message: "agent returned invalid output"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrOptimisticLock  = &EngineError{Code: -32133, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrSnapshotCorrupt = &EngineError{Code: -32134, Message: "snapshot checksum mismatch"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrManifestInvalid = &EngineError{Code: -32137, Message: "invalid function manifest"}
)

// IsMisuse reports whether err signals a driver or programmer error against
// the protocol or breaker APIs. Such errors are reported as internal errors,
// never as business failures.
func IsMisuse(err error) bool {
	for _, sentinel := range []*EngineError{
		ErrIllegalTransition, ErrPhaseMismatch, ErrAlreadyBlocked, ErrNotBlocked,
		ErrInvalidSubstate, ErrInvalidOptions, ErrDuplicateFunction, ErrFunctionNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
