package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// AttemptRepo handles persistence for AttemptRecord rows.
type AttemptRepo struct{}

// Append inserts one attempt.
func (r *AttemptRepo) Append(ctx context.Context, db *sql.DB, a domain.AttemptRecord) error {
	const q = `INSERT INTO attempts (run_id, function_id, attempt_index, tier, passed, category, diagnostic, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		a.RunID,
		a.FunctionID,
		a.Index,
		int(a.Tier),
		boolToInt(a.Passed),
		string(a.Category),
		a.Diagnostic,
		a.StartedAt,
		a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// ListByFunction returns the attempts of one function in insertion order.
func (r *AttemptRepo) ListByFunction(ctx context.Context, db *sql.DB, runID, functionID string) ([]domain.AttemptRecord, error) {
	const q = `SELECT id, run_id, function_id, attempt_index, tier, passed, category, diagnostic, started_at, completed_at
FROM attempts
WHERE run_id = ? AND function_id = ?
ORDER BY id ASC`
	return r.query(ctx, db, q, runID, functionID)
}

// ListByRun returns every attempt of a run in insertion order.
func (r *AttemptRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.AttemptRecord, error) {
	const q = `SELECT id, run_id, function_id, attempt_index, tier, passed, category, diagnostic, started_at, completed_at
FROM attempts
WHERE run_id = ?
ORDER BY id ASC`
	return r.query(ctx, db, q, runID)
}

func (r *AttemptRepo) query(ctx context.Context, db *sql.DB, q string, args ...any) ([]domain.AttemptRecord, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.AttemptRecord
	for rows.Next() {
		var a domain.AttemptRecord
		var tier, passed int
		var category string
		if err := rows.Scan(&a.ID, &a.RunID, &a.FunctionID, &a.Index, &tier, &passed,
			&category, &a.Diagnostic, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Tier = domain.Tier(tier)
		a.Passed = passed != 0
		a.Category = domain.FailureCategory(category)
		out = append(out, a)
	}
	return out, rows.Err()
}
