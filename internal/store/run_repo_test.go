package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rogers-f/crucible/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createRun(t *testing.T, db *sql.DB, run domain.RunRecord) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := (&RunRepo{}).CreateTx(context.Background(), tx, run); err != nil {
		tx.Rollback()
		t.Fatalf("CreateTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRunRepo_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}
	now := time.Now().Unix()

	createRun(t, db, domain.RunRecord{
		RunID: "run-1", Kind: domain.KindActive, Phase: domain.PhaseIgnition,
		Step: domain.StepInterviewing, StateVersion: 1, UpdatedAtUnix: now,
	})

	got, err := repo.GetByID(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Kind != domain.KindActive || got.Phase != domain.PhaseIgnition || got.Step != domain.StepInterviewing {
		t.Errorf("got %+v", got)
	}
	if got.Options == nil || len(got.Options) != 0 {
		t.Errorf("Options = %#v, want empty slice", got.Options)
	}
	if got.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1", got.StateVersion)
	}
}

func TestRunRepo_GetByID_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := (&RunRepo{}).GetByID(context.Background(), db, "missing")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunRepo_UpdateStateTx_OptimisticLock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}

	createRun(t, db, domain.RunRecord{RunID: "run-1", Kind: domain.KindActive, Phase: domain.PhaseLattice, StateVersion: 1})

	blocked := domain.RunRecord{
		RunID: "run-1", Kind: domain.KindBlocked, Phase: domain.PhaseLattice,
		Query: "Ambiguous spec", Options: []string{"A", "B"}, StateVersion: 1, LastEventSeq: 4,
	}
	tx, _ := db.Begin()
	if err := repo.UpdateStateTx(ctx, tx, blocked); err != nil {
		t.Fatalf("UpdateStateTx: %v", err)
	}
	tx.Commit()

	got, err := repo.GetByID(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.StateVersion != 2 {
		t.Errorf("StateVersion = %d, want 2", got.StateVersion)
	}
	if !reflect.DeepEqual(got.Options, []string{"A", "B"}) || got.Query != "Ambiguous spec" {
		t.Errorf("got %+v", got)
	}

	// Stale version must be rejected.
	tx2, _ := db.Begin()
	err = repo.UpdateStateTx(ctx, tx2, blocked)
	tx2.Rollback()
	if !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got %v", err)
	}
}

func TestRunRepo_Latest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &RunRepo{}

	if _, err := repo.Latest(ctx, db); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("Latest on empty db: %v", err)
	}

	createRun(t, db, domain.RunRecord{RunID: "old", Kind: domain.KindFailed, Phase: domain.PhaseInjection, UpdatedAtUnix: 100, StateVersion: 1})
	createRun(t, db, domain.RunRecord{
		RunID: "new", Kind: domain.KindActive, Phase: domain.PhaseLattice, UpdatedAtUnix: 200, StateVersion: 1,
		TrippedGlobal: true, TripReason: domain.TripOperatorForced,
	})

	got, err := repo.Latest(ctx, db)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.RunID != "new" {
		t.Errorf("Latest = %s, want new", got.RunID)
	}
	if !got.TrippedGlobal || got.TripReason != domain.TripOperatorForced {
		t.Errorf("trip fields not round-tripped: %+v", got)
	}
}
