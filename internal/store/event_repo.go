package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rogers-f/crucible/internal/domain"
)

// EventFilter narrows a journal read. Zero values select everything.
type EventFilter struct {
	SinceSeq int64
	Types    []string
	Phase    domain.Phase
	Limit    int
}

// EventRepo reads and appends the per-run event journal. Sequence numbers are
// unique per run; a replayed event with the same number violates the
// (run_id, seq_no) constraint.
type EventRepo struct{}

// AppendTx appends one journal entry inside tx.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, ev domain.WorkflowEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_events (run_id, seq_no, phase, event_type, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.SeqNo, string(ev.Phase), ev.EventType, ev.PayloadJSON, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s#%d: %w", ev.RunID, ev.SeqNo, err)
	}
	return nil
}

// ListByRun returns the entries of runID after sinceSeq in sequence order.
func (r *EventRepo) ListByRun(ctx context.Context, db *sql.DB, runID string, sinceSeq int64) ([]domain.WorkflowEvent, error) {
	return r.List(ctx, db, runID, EventFilter{SinceSeq: sinceSeq})
}

// List returns the entries of runID matching f in sequence order.
func (r *EventRepo) List(ctx context.Context, db *sql.DB, runID string, f EventFilter) ([]domain.WorkflowEvent, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, run_id, seq_no, phase, event_type, payload_json, created_at FROM workflow_events WHERE run_id = ? AND seq_no > ?`)
	args := []interface{}{runID, f.SinceSeq}
	if len(f.Types) > 0 {
		b.WriteString(` AND event_type IN (?` + strings.Repeat(`, ?`, len(f.Types)-1) + `)`)
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Phase != "" {
		b.WriteString(` AND phase = ?`)
		args = append(args, string(f.Phase))
	}
	b.WriteString(` ORDER BY seq_no ASC`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.WorkflowEvent
	for rows.Next() {
		var (
			ev    domain.WorkflowEvent
			phase string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.SeqNo, &phase, &ev.EventType, &ev.PayloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Phase = domain.Phase(phase)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest sequence number journaled for runID, or 0.
func (r *EventRepo) LastSeq(ctx context.Context, db *sql.DB, runID string) (int64, error) {
	var seq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq_no) FROM workflow_events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq of %s: %w", runID, err)
	}
	return seq.Int64, nil
}
