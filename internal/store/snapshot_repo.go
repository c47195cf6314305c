package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rogers-f/crucible/internal/domain"
)

// SnapshotChecksum returns the hex sha256 of a snapshot body.
func SnapshotChecksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// SnapshotRepo stores the protocol state retained when a run blocks, one row
// per block, keyed by run and phase.
type SnapshotRepo struct{}

// SaveTx writes snap inside tx. An empty checksum is filled from the body.
func (r *SnapshotRepo) SaveTx(ctx context.Context, tx *sql.Tx, snap domain.PhaseSnapshot) error {
	if snap.Checksum == "" {
		snap.Checksum = SnapshotChecksum(snap.SnapshotJSON)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO phase_snapshots (run_id, phase, snapshot_json, checksum, created_at) VALUES (?, ?, ?, ?, ?)`,
		snap.RunID, string(snap.Phase), snap.SnapshotJSON, snap.Checksum, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", snap.RunID, snap.Phase, err)
	}
	return nil
}

// GetLatest returns the newest snapshot of runID in phase, or nil if there
// is none. A body that no longer matches its checksum yields
// ErrSnapshotCorrupt together with the row.
func (r *SnapshotRepo) GetLatest(ctx context.Context, db *sql.DB, runID string, phase domain.Phase) (*domain.PhaseSnapshot, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, run_id, phase, snapshot_json, checksum, created_at FROM phase_snapshots
WHERE run_id = ? AND phase = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		runID, string(phase))

	var (
		s domain.PhaseSnapshot
		p string
	)
	switch err := row.Scan(&s.ID, &s.RunID, &p, &s.SnapshotJSON, &s.Checksum, &s.CreatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("latest snapshot of %s/%s: %w", runID, phase, err)
	}
	s.Phase = domain.Phase(p)
	if s.Checksum != SnapshotChecksum(s.SnapshotJSON) {
		return &s, domain.NewEngineError(domain.ErrSnapshotCorrupt.Code,
			fmt.Sprintf("snapshot %d of %s/%s: checksum mismatch", s.ID, runID, phase))
	}
	return &s, nil
}
