package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/logging"
	"github.com/rogers-f/crucible/internal/store"
)

// Journal persists the events of one run. It keeps the runs row in step
// with the protocol state, snapshots the retained state on every block and
// mirrors breaker outcomes into the functions, attempts and tier_usage
// tables.
type Journal struct {
	db    *sql.DB
	runID string
	log   *logging.Logger
	now   func() time.Time

	runs      store.RunRepo
	events    store.EventRepo
	snapshots store.SnapshotRepo
	audit     store.AuditRepo
	functions store.FunctionRepo
	attempts  store.AttemptRepo
	usage     store.UsageRepo
	reports   store.ReportRepo

	mu        sync.Mutex
	run       domain.RunRecord
	processed atomic.Int64
	failures  atomic.Int64
}

// NewJournal creates the run row for runID and returns its journal.
func NewJournal(ctx context.Context, db *sql.DB, runID string, logger *logging.Logger) (*Journal, error) {
	j := &Journal{
		db:    db,
		runID: runID,
		log:   logger.With("journal"),
		now:   time.Now,
	}
	first := domain.FirstPhase()
	step := domain.AllowedSteps(first)[0]
	j.run = domain.RunRecord{
		RunID:         runID,
		Kind:          domain.KindActive,
		Phase:         first,
		Step:          step,
		StateVersion:  1,
		UpdatedAtUnix: j.now().Unix(),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()
	if err := j.runs.CreateTx(ctx, tx, j.run); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "create run", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	return j, nil
}

// RunID returns the journaled run.
func (j *Journal) RunID() string { return j.runID }

// Attach subscribes the journal to every event on bus. The returned
// function unsubscribes.
func (j *Journal) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(ev events.Event) {
		if err := j.Handle(context.Background(), ev); err != nil {
			j.failures.Add(1)
			j.log.Errorf("persist %s: %v", ev.Type, err)
		}
	})
}

// Processed returns the number of events handled so far.
func (j *Journal) Processed() int64 { return j.processed.Load() }

// Failures returns the number of events that could not be persisted.
func (j *Journal) Failures() int64 { return j.failures.Load() }

// Handle persists one event. Events are appended to workflow_events in a
// transaction together with any change of the runs row.
func (j *Journal) Handle(ctx context.Context, ev events.Event) error {
	defer j.processed.Add(1)

	j.mu.Lock()
	defer j.mu.Unlock()

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = j.now()
	}

	next := j.run
	next.LastEventSeq++
	next.UpdatedAtUnix = at.Unix()
	var snapshot *domain.PhaseSnapshot

	switch ev.Type {
	case events.EventPhaseTransition, events.EventSubstate, events.EventResumed, events.EventFailed, events.EventBlocked:
		state, _ := ev.Data["state"].(domain.ProtocolState)
		applyState(&next, state)
		if retained, ok := ev.Data["retained"].(domain.Active); ok {
			next.Phase = retained.Phase
			if retained.Substate != nil {
				next.Step = retained.Substate.CurrentStep()
			}
			snap, err := j.snapshotOf(retained, at)
			if err != nil {
				return err
			}
			snapshot = snap
		}
	case events.EventCircuitTripped:
		next.TrippedGlobal = true
		if reason, ok := ev.Data["reason"].(string); ok {
			next.TripReason = domain.CircuitTripReason(reason)
		}
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()

	if err := j.events.AppendTx(ctx, tx, domain.WorkflowEvent{
		RunID:       j.runID,
		SeqNo:       next.LastEventSeq,
		Phase:       next.Phase,
		EventType:   string(ev.Type),
		PayloadJSON: string(payload),
		CreatedAt:   at.Unix(),
	}); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "append event", err)
	}
	if err := j.runs.UpdateStateTx(ctx, tx, next); err != nil {
		return err
	}
	if snapshot != nil {
		if err := j.snapshots.SaveTx(ctx, tx, *snapshot); err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save snapshot", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	next.StateVersion++
	j.run = next

	switch ev.Type {
	case events.EventAttemptRecorded:
		return j.recordAttempt(ctx, ev.Data, at)
	case events.EventCircuitTripped:
		if err := j.saveReport(ctx, ev.Data["report"], true, at); err != nil {
			return err
		}
		return j.recordAudit(ctx, store.AuditCircuit, "", "trip", ev.Data, "critical", at)
	case events.EventDefect:
		return j.recordAudit(ctx, store.AuditCircuit, "", "defect", ev.Data, "warning", at)
	case events.EventOperatorDecision:
		actor, _ := ev.Data["actor"].(string)
		action, _ := ev.Data["action"].(string)
		return j.recordAudit(ctx, store.AuditOperator, actor, action, ev.Data, "info", at)
	}
	return nil
}

// SaveReport stores a structural defect report outside the event flow, for
// example at the end of a run.
func (j *Journal) SaveReport(ctx context.Context, report domain.StructuralDefectReport) error {
	return j.saveReport(ctx, report, report.TrippedGlobally, j.now())
}

// Run returns the last persisted run record.
func (j *Journal) Run() domain.RunRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.run
}

func (j *Journal) recordAttempt(ctx context.Context, data map[string]interface{}, at time.Time) error {
	fnID, _ := data["function_id"].(string)
	module, _ := data["module"].(string)
	status, _ := data["status"].(string)
	rec := domain.FunctionRecord{
		RunID:               j.runID,
		FunctionID:          fnID,
		Module:              module,
		Status:              domain.FunctionStatus(status),
		EscalationCount:     intOf(data["escalation_count"]),
		ConsecutiveFailures: intOf(data["consecutive_failures"]),
		AttemptCount:        intOf(data["attempt_count"]),
		UpdatedAt:           at.Unix(),
	}
	if err := j.functions.Upsert(ctx, j.db, rec); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "upsert function", err)
	}

	if a, ok := data["attempt"].(domain.ImplementationAttempt); ok {
		if err := j.attempts.Append(ctx, j.db, domain.AttemptRecord{
			RunID:       j.runID,
			FunctionID:  fnID,
			Index:       a.Index,
			Tier:        a.Tier,
			Passed:      a.Passed,
			Category:    a.Category,
			Diagnostic:  a.Diagnostic,
			StartedAt:   a.StartedAt.Unix(),
			CompletedAt: a.CompletedAt.Unix(),
		}); err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite.Code, "append attempt", err)
		}
	}

	if units, ok := data["units"].(float64); ok {
		name, _ := data["tier_name"].(string)
		if err := j.usage.Create(ctx, j.db, domain.TierUsage{
			RunID:     j.runID,
			Tier:      domain.Tier(intOf(data["tier"])),
			TierName:  name,
			Units:     units,
			Phase:     domain.PhaseInjection,
			CreatedAt: at.Unix(),
		}); err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record usage", err)
		}
	}
	return nil
}

func (j *Journal) saveReport(ctx context.Context, report interface{}, tripped bool, at time.Time) error {
	if report == nil {
		return nil
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := j.reports.Save(ctx, j.db, domain.DefectReportRecord{
		RunID:      j.runID,
		Tripped:    tripped,
		ReportJSON: string(body),
		CreatedAt:  at.Unix(),
	}); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save report", err)
	}
	return nil
}

func (j *Journal) recordAudit(ctx context.Context, category, actor, action string, data map[string]interface{}, severity string, at time.Time) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	if err := j.audit.Record(ctx, j.db, domain.AuditRecord{
		ID:           uuid.NewString(),
		RunID:        j.runID,
		Category:     category,
		Actor:        actor,
		Action:       action,
		RequestJSON:  "{}",
		DecisionJSON: string(body),
		Severity:     severity,
		CreatedAt:    at.Unix(),
	}); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record audit", err)
	}
	return nil
}

func (j *Journal) snapshotOf(retained domain.Active, at time.Time) (*domain.PhaseSnapshot, error) {
	body, err := json.Marshal(struct {
		Phase    domain.Phase    `json:"phase"`
		Substate domain.Substate `json:"substate"`
	}{retained.Phase, retained.Substate})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &domain.PhaseSnapshot{
		RunID:        j.runID,
		Phase:        retained.Phase,
		SnapshotJSON: string(body),
		Checksum:     store.SnapshotChecksum(string(body)),
		CreatedAt:    at.Unix(),
	}, nil
}

// applyState copies the protocol state into the run record.
func applyState(rec *domain.RunRecord, state domain.ProtocolState) {
	switch s := state.(type) {
	case domain.Active:
		rec.Kind = domain.KindActive
		rec.Phase = s.Phase
		rec.Step = ""
		if s.Substate != nil {
			rec.Step = s.Substate.CurrentStep()
		}
		rec.Query = ""
		rec.Options = nil
	case domain.Blocked:
		rec.Kind = domain.KindBlocked
		rec.Query = s.Query
		rec.Options = s.Options
	case domain.Failed:
		rec.Kind = domain.KindFailed
		rec.Error = s.Error
		rec.Query = ""
		rec.Options = nil
	}
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
