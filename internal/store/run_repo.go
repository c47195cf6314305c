package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// RunRepo handles persistence for RunRecord rows.
type RunRepo struct{}

// CreateTx inserts a new run within an existing transaction.
func (r *RunRepo) CreateTx(ctx context.Context, tx *sql.Tx, run domain.RunRecord) error {
	opts, err := encodeOptions(run.Options)
	if err != nil {
		return err
	}
	const q = `INSERT INTO runs (run_id, kind, phase, step, query, options_json, error, tripped_global, trip_reason, state_version, last_event_seq, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		run.RunID,
		string(run.Kind),
		string(run.Phase),
		string(run.Step),
		run.Query,
		opts,
		run.Error,
		boolToInt(run.TrippedGlobal),
		string(run.TripReason),
		run.StateVersion,
		run.LastEventSeq,
		run.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateStateTx updates a run within a transaction using optimistic locking.
// The update only succeeds if the current state_version matches the expected version.
func (r *RunRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, run domain.RunRecord) error {
	opts, err := encodeOptions(run.Options)
	if err != nil {
		return err
	}
	const q = `UPDATE runs SET
		kind = ?,
		phase = ?,
		step = ?,
		query = ?,
		options_json = ?,
		error = ?,
		tripped_global = ?,
		trip_reason = ?,
		state_version = state_version + 1,
		last_event_seq = ?,
		updated_at_unix = ?
	WHERE run_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(run.Kind),
		string(run.Phase),
		string(run.Step),
		run.Query,
		opts,
		run.Error,
		boolToInt(run.TrippedGlobal),
		string(run.TripReason),
		run.LastEventSeq,
		run.UpdatedAtUnix,
		run.RunID,
		run.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

const runColumns = `run_id, kind, phase, step, query, options_json, error, tripped_global, trip_reason, state_version, last_event_seq, updated_at_unix`

// GetByID retrieves a run by its ID.
func (r *RunRepo) GetByID(ctx context.Context, db *sql.DB, runID string) (*domain.RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`
	return scanRun(db.QueryRowContext(ctx, q, runID))
}

// Latest returns the most recently updated run.
func (r *RunRepo) Latest(ctx context.Context, db *sql.DB) (*domain.RunRecord, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY updated_at_unix DESC, rowid DESC LIMIT 1`
	return scanRun(db.QueryRowContext(ctx, q))
}

func scanRun(row *sql.Row) (*domain.RunRecord, error) {
	var s domain.RunRecord
	var kind, phase, step, opts, reason string
	var tripped int
	err := row.Scan(&s.RunID, &kind, &phase, &step, &s.Query, &opts, &s.Error,
		&tripped, &reason, &s.StateVersion, &s.LastEventSeq, &s.UpdatedAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	s.Kind = domain.StateKind(kind)
	if s.Phase, err = domain.ParsePhase(phase); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	s.Step = domain.Step(step)
	s.TrippedGlobal = tripped != 0
	s.TripReason = domain.CircuitTripReason(reason)
	if err := json.Unmarshal([]byte(opts), &s.Options); err != nil {
		return nil, fmt.Errorf("decode run options: %w", err)
	}
	return &s, nil
}

func encodeOptions(opts []string) (string, error) {
	if opts == nil {
		opts = []string{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode run options: %w", err)
	}
	return string(b), nil
}
