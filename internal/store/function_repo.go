package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// FunctionRepo keeps the latest breaker status of each function.
type FunctionRepo struct{}

// Upsert writes the current summary of a function.
func (r *FunctionRepo) Upsert(ctx context.Context, db *sql.DB, rec domain.FunctionRecord) error {
	const q = `INSERT INTO functions (run_id, function_id, module, status, escalation_count, consecutive_failures, attempt_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, function_id) DO UPDATE SET
	module = excluded.module,
	status = excluded.status,
	escalation_count = excluded.escalation_count,
	consecutive_failures = excluded.consecutive_failures,
	attempt_count = excluded.attempt_count,
	updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, q,
		rec.RunID,
		rec.FunctionID,
		rec.Module,
		string(rec.Status),
		rec.EscalationCount,
		rec.ConsecutiveFailures,
		rec.AttemptCount,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert function: %w", err)
	}
	return nil
}

// ListByRun returns the functions of a run ordered by id.
func (r *FunctionRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.FunctionRecord, error) {
	const q = `SELECT run_id, function_id, module, status, escalation_count, consecutive_failures, attempt_count, updated_at
FROM functions
WHERE run_id = ?
ORDER BY function_id ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []domain.FunctionRecord
	for rows.Next() {
		var f domain.FunctionRecord
		var status string
		if err := rows.Scan(&f.RunID, &f.FunctionID, &f.Module, &status,
			&f.EscalationCount, &f.ConsecutiveFailures, &f.AttemptCount, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		f.Status = domain.FunctionStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}
