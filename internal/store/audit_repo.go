package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rogers-f/crucible/internal/domain"
)

// Audit categories written by the journal.
const (
	AuditOperator = "operator"
	AuditCircuit  = "circuit"
)

// AuditFilter narrows an audit read. Empty fields match everything.
type AuditFilter struct {
	Category string
	Actor    string
	Severity string
}

// AuditRepo stores the append-only audit trail: operator decisions, circuit
// trips and defects.
type AuditRepo struct{}

const auditColumns = `id, run_id, category, actor, action, request_json, decision_json, severity, created_at`

// Record appends rec. IDs are unique across runs.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_records (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Category, rec.Actor, rec.Action,
		rec.RequestJSON, rec.DecisionJSON, rec.Severity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit %s/%s: %w", rec.Category, rec.Action, err)
	}
	return nil
}

// ListByRun returns the whole trail of runID, oldest first.
func (r *AuditRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.AuditRecord, error) {
	return r.List(ctx, db, runID, AuditFilter{})
}

// Decisions returns the operator decisions taken on runID, oldest first.
func (r *AuditRepo) Decisions(ctx context.Context, db *sql.DB, runID string) ([]domain.AuditRecord, error) {
	return r.List(ctx, db, runID, AuditFilter{Category: AuditOperator})
}

// List returns the records of runID matching f, oldest first.
func (r *AuditRepo) List(ctx context.Context, db *sql.DB, runID string, f AuditFilter) ([]domain.AuditRecord, error) {
	where := []string{"run_id = ?"}
	args := []interface{}{runID}
	for _, c := range []struct{ col, val string }{
		{"category", f.Category},
		{"actor", f.Actor},
		{"severity", f.Severity},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	q := `SELECT ` + auditColumns + ` FROM audit_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
