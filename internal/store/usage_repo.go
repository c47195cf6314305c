package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// UsageRepo handles persistence for TierUsage records.
type UsageRepo struct{}

// Create inserts a new usage record for a run.
func (r *UsageRepo) Create(ctx context.Context, db *sql.DB, u domain.TierUsage) error {
	const q = `INSERT INTO tier_usage (run_id, tier, tier_name, units, phase, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		u.RunID,
		int(u.Tier),
		u.TierName,
		u.Units,
		string(u.Phase),
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create tier usage: %w", err)
	}
	return nil
}

// ListByRun returns all usage records for a run, ordered by creation time.
func (r *UsageRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.TierUsage, error) {
	const q = `SELECT run_id, tier, tier_name, units, phase, created_at
FROM tier_usage
WHERE run_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list tier usage: %w", err)
	}
	defer rows.Close()

	var out []domain.TierUsage
	for rows.Next() {
		var u domain.TierUsage
		var tier int
		var phase string
		if err := rows.Scan(&u.RunID, &tier, &u.TierName, &u.Units, &phase, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tier usage: %w", err)
		}
		u.Tier = domain.Tier(tier)
		u.Phase = domain.Phase(phase)
		out = append(out, u)
	}
	return out, rows.Err()
}

// TotalByRun sums the units charged to a run.
func (r *UsageRepo) TotalByRun(ctx context.Context, db *sql.DB, runID string) (float64, error) {
	const q = `SELECT COALESCE(SUM(units), 0) FROM tier_usage WHERE run_id = ?`
	var total float64
	if err := db.QueryRowContext(ctx, q, runID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum tier usage: %w", err)
	}
	return total, nil
}
