package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// ReportRepo stores structural defect reports produced during a run.
type ReportRepo struct{}

// Save inserts a report.
func (r *ReportRepo) Save(ctx context.Context, db *sql.DB, rec domain.DefectReportRecord) error {
	const q = `INSERT INTO defect_reports (run_id, tripped, report_json, created_at) VALUES (?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, rec.RunID, boolToInt(rec.Tripped), rec.ReportJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save defect report: %w", err)
	}
	return nil
}

// GetLatest returns the newest report of a run, or nil if none exists.
func (r *ReportRepo) GetLatest(ctx context.Context, db *sql.DB, runID string) (*domain.DefectReportRecord, error) {
	const q = `SELECT id, run_id, tripped, report_json, created_at
FROM defect_reports
WHERE run_id = ?
ORDER BY id DESC
LIMIT 1`

	var rec domain.DefectReportRecord
	var tripped int
	err := db.QueryRowContext(ctx, q, runID).Scan(&rec.ID, &rec.RunID, &tripped, &rec.ReportJSON, &rec.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest defect report: %w", err)
	}
	rec.Tripped = tripped != 0
	return &rec, nil
}
