// Package store provides SQLite-backed persistence for crucible runs.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	kind            TEXT NOT NULL DEFAULT 'active',
	phase           TEXT NOT NULL DEFAULT 'ignition',
	step            TEXT NOT NULL DEFAULT '',
	query           TEXT NOT NULL DEFAULT '',
	options_json    TEXT NOT NULL DEFAULT '[]',
	error           TEXT NOT NULL DEFAULT '',
	tripped_global  INTEGER NOT NULL DEFAULT 0,
	trip_reason     TEXT NOT NULL DEFAULT '',
	state_version   INTEGER NOT NULL DEFAULT 1,
	last_event_seq  INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workflow_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(run_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON workflow_events(run_id, seq_no);

CREATE TABLE IF NOT EXISTS phase_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	phase         TEXT NOT NULL,
	snapshot_json TEXT NOT NULL DEFAULT '{}',
	checksum      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_phase ON phase_snapshots(run_id, phase);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_records(run_id);

CREATE TABLE IF NOT EXISTS functions (
	run_id               TEXT NOT NULL,
	function_id          TEXT NOT NULL,
	module               TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	escalation_count     INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	attempt_count        INTEGER NOT NULL DEFAULT 0,
	updated_at           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, function_id)
);

CREATE TABLE IF NOT EXISTS attempts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	function_id   TEXT NOT NULL,
	attempt_index INTEGER NOT NULL,
	tier          INTEGER NOT NULL DEFAULT 0,
	passed        INTEGER NOT NULL DEFAULT 0,
	category      TEXT NOT NULL DEFAULT '',
	diagnostic    TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL DEFAULT 0,
	completed_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_attempts_run_fn ON attempts(run_id, function_id);

CREATE TABLE IF NOT EXISTS tier_usage (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	tier       INTEGER NOT NULL DEFAULT 0,
	tier_name  TEXT NOT NULL DEFAULT '',
	units      REAL NOT NULL DEFAULT 0.0,
	phase      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tier_usage_run ON tier_usage(run_id);

CREATE TABLE IF NOT EXISTS defect_reports (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	tripped     INTEGER NOT NULL DEFAULT 0,
	report_json TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_defect_reports_run ON defect_reports(run_id);
`

// SchemaVersion is the user_version stamped on databases carrying schemaV1.
const SchemaVersion = 1

// NewDB opens the run journal at path in WAL mode with a single writer
// connection and brings its schema up to SchemaVersion.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}
	return db, nil
}

// Version returns the schema version stamped on db.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// migrate applies schemaV1 to an empty journal and refuses one written by a
// newer build.
func migrate(ctx context.Context, db *sql.DB) error {
	v, err := Version(ctx, db)
	if err != nil {
		return err
	}
	switch {
	case v > SchemaVersion:
		return fmt.Errorf("journal schema version %d is newer than supported %d", v, SchemaVersion)
	case v == SchemaVersion:
		return nil
	}
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
