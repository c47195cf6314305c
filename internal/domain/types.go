// Package domain defines the core types for the crucible protocol control plane.
package domain

import "time"

// Phase represents one stage of the construction protocol.
type Phase string

const (
	PhaseIgnition   Phase = "ignition"
	PhaseLattice    Phase = "lattice"
	PhaseInjection  Phase = "injection"
	PhaseMassDefect Phase = "mass_defect"
	PhaseComplete   Phase = "complete"
)

// StateKind discriminates the ProtocolState variants.
type StateKind string

const (
	KindActive  StateKind = "active"
	KindBlocked StateKind = "blocked"
	KindFailed  StateKind = "failed"
)

// ProtocolState is the overall execution state of a run. It is a closed sum
// type: the only implementations are Active, Blocked and Failed.
type ProtocolState interface {
	Kind() StateKind
	isProtocolState()
}

// Active means phase work may proceed.
type Active struct {
	Phase    Phase
	Substate Substate
}

// Blocked means the protocol waits for a human decision.
type Blocked struct {
	Query   string
	Options []string
}

// Failed is terminal.
type Failed struct {
	Error string
}

func (Active) Kind() StateKind  { return KindActive }
func (Blocked) Kind() StateKind { return KindBlocked }
func (Failed) Kind() StateKind  { return KindFailed }

func (Active) isProtocolState()  {}
func (Blocked) isProtocolState() {}
func (Failed) isProtocolState()  {}

// TransitionKind names the operation that produced a Transition.
type TransitionKind string

const (
	TransitionPhase    TransitionKind = "phase_transition"
	TransitionForced   TransitionKind = "forced_transition"
	TransitionSubstate TransitionKind = "substate"
	TransitionBlocked  TransitionKind = "blocked"
	TransitionResumed  TransitionKind = "resumed"
	TransitionFailed   TransitionKind = "failed"
)

// Transition records one accepted state change.
type Transition struct {
	Seq  int64
	Kind TransitionKind
	From ProtocolState
	To   ProtocolState
	At   time.Time
}

// Decision is an operator action that bypasses a normal guard.
type Decision struct {
	Actor  string
	Reason string
	At     time.Time
}

// Resolution is the answer given to a Blocked query.
type Resolution struct {
	Query  string
	Choice string
	Actor  string
	Note   string
	At     time.Time
}

// WorkflowEvent is a persisted entry of the run journal.
type WorkflowEvent struct {
	ID          int64
	RunID       string
	SeqNo       int64
	Phase       Phase
	EventType   string
	PayloadJSON string
	CreatedAt   int64
}

// PhaseSnapshot captures the Active state retained when a run blocks.
type PhaseSnapshot struct {
	ID           int64
	RunID        string
	Phase        Phase
	SnapshotJSON string
	Checksum     string
	CreatedAt    int64
}

// RunRecord is the persisted summary of a protocol run.
type RunRecord struct {
	RunID         string
	Kind          StateKind
	Phase         Phase
	Step          Step
	Query         string
	Options       []string
	Error         string
	TrippedGlobal bool
	TripReason    CircuitTripReason
	StateVersion  int64
	LastEventSeq  int64
	UpdatedAtUnix int64
}

// AuditRecord logs operator decisions and circuit trips.
type AuditRecord struct {
	ID           string
	RunID        string
	Category     string
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}

// GateDecision is the result of evaluating phase exit conditions.
type GateDecision struct {
	Allow    bool
	Blockers []string
}

// CostAction is the decision from the tier budget governor.
type CostAction string

const (
	CostContinue CostAction = "continue"
	CostWarn     CostAction = "warn"
	CostHalt     CostAction = "halt"
)

// FunctionRecord is the persisted summary of one FunctionState.
type FunctionRecord struct {
	RunID               string
	FunctionID          string
	Module              string
	Status              FunctionStatus
	EscalationCount     int
	ConsecutiveFailures int
	AttemptCount        int
	UpdatedAt           int64
}

// AttemptRecord is one persisted ImplementationAttempt.
type AttemptRecord struct {
	ID          int64
	RunID       string
	FunctionID  string
	Index       int
	Tier        Tier
	Passed      bool
	Category    FailureCategory
	Diagnostic  string
	StartedAt   int64
	CompletedAt int64
}

// TierUsage records cost units charged for one attempt.
type TierUsage struct {
	RunID     string
	Tier      Tier
	TierName  string
	Units     float64
	Phase     Phase
	CreatedAt int64
}

// DefectReportRecord stores a rendered StructuralDefectReport.
type DefectReportRecord struct {
	ID         int64
	RunID      string
	Tripped    bool
	ReportJSON string
	CreatedAt  int64
}

// FunctionSpec describes one unit of work scheduled in the implementation phase.
type FunctionSpec struct {
	ID          string   `yaml:"id" json:"id"`
	Module      string   `yaml:"module" json:"module"`
	Signature   string   `yaml:"signature" json:"signature"`
	Description string   `yaml:"description" json:"description"`
	Files       []string `yaml:"files" json:"files,omitempty"`
}

// FunctionContext is what the agent receives for one attempt.
type FunctionContext struct {
	Spec          FunctionSpec            `json:"spec"`
	Tier          Tier                    `json:"tier"`
	TierName      string                  `json:"tier_name"`
	Attempt       int                     `json:"attempt"`
	PriorFailures []ImplementationAttempt `json:"prior_failures,omitempty"`
	Extra         map[string]string       `json:"extra,omitempty"`
}

// Implementation is a candidate produced by an agent.
type Implementation struct {
	FunctionID string `json:"function_id"`
	Tier       Tier   `json:"tier"`
	Code       string `json:"code"`
}

// Verification is the result of compiling and testing a candidate.
type Verification struct {
	Passed     bool            `json:"passed"`
	Category   FailureCategory `json:"category,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
}
