package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rogers-f/crucible/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now().Unix()

	events := []domain.WorkflowEvent{
		{RunID: "run-1", SeqNo: 1, Phase: domain.PhaseIgnition, EventType: "phase_transition", PayloadJSON: "{}", CreatedAt: now},
		{RunID: "run-1", SeqNo: 2, Phase: domain.PhaseIgnition, EventType: "substate", PayloadJSON: "{}", CreatedAt: now + 1},
		{RunID: "run-1", SeqNo: 3, Phase: domain.PhaseLattice, EventType: "phase_transition", PayloadJSON: "{}", CreatedAt: now + 2},
	}

	for _, e := range events {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := repo.AppendTx(ctx, tx, e); err != nil {
			t.Fatalf("AppendTx seq=%d: %v", e.SeqNo, err)
		}
		tx.Commit()
	}

	// List all events since seq 0.
	got, err := repo.ListByRun(ctx, db, "run-1", 0)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	// List events since seq 1 (should return seq 2, 3).
	got, err = repo.ListByRun(ctx, db, "run-1", 1)
	if err != nil {
		t.Fatalf("ListByRun sinceSeq=1: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].SeqNo != 2 {
		t.Errorf("first event SeqNo = %d, want 2", got[0].SeqNo)
	}
}

func TestEventRepo_DuplicateSeqNo(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now().Unix()

	event := domain.WorkflowEvent{
		RunID: "run-dup", SeqNo: 1, Phase: domain.PhaseIgnition,
		EventType: "test", PayloadJSON: "{}", CreatedAt: now,
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.AppendTx(ctx, tx, event); err != nil {
		t.Fatalf("first AppendTx: %v", err)
	}
	tx.Commit()

	// Duplicate (run_id, seq_no) should fail.
	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.AppendTx(ctx, tx2, event)
	tx2.Rollback()

	if err == nil {
		t.Error("expected error on duplicate seq_no, got nil")
	}
}

func TestEventRepo_ListByRun_Empty(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}

	got, err := repo.ListByRun(ctx, db, "nonexistent", 0)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice for empty result, got %v", got)
	}
}

func TestEventRepo_ListFiltered(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &EventRepo{}
	types := []string{"phase_transition", "attempt_recorded", "attempt_recorded", "defect", "attempt_recorded"}
	for i, typ := range types {
		phase := domain.PhaseInjection
		if i == 0 {
			phase = domain.PhaseLattice
		}
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := repo.AppendTx(ctx, tx, domain.WorkflowEvent{
			RunID: "run-f", SeqNo: int64(i + 1), Phase: phase, EventType: typ, PayloadJSON: "{}", CreatedAt: int64(i),
		}); err != nil {
			t.Fatalf("AppendTx: %v", err)
		}
		tx.Commit()
	}

	tests := []struct {
		name    string
		filter  EventFilter
		wantSeq []int64
	}{
		{"all", EventFilter{}, []int64{1, 2, 3, 4, 5}},
		{"by type", EventFilter{Types: []string{"attempt_recorded"}}, []int64{2, 3, 5}},
		{"two types", EventFilter{Types: []string{"defect", "phase_transition"}}, []int64{1, 4}},
		{"since and limit", EventFilter{SinceSeq: 1, Limit: 2}, []int64{2, 3}},
		{"by phase", EventFilter{Phase: domain.PhaseLattice}, []int64{1}},
		{"no match", EventFilter{Types: []string{"circuit_tripped"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, db, "run-f", tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.wantSeq) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.wantSeq))
			}
			for i, ev := range got {
				if ev.SeqNo != tt.wantSeq[i] {
					t.Errorf("event %d SeqNo = %d, want %d", i, ev.SeqNo, tt.wantSeq[i])
				}
			}
		})
	}

	last, err := repo.LastSeq(ctx, db, "run-f")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 5 {
		t.Errorf("LastSeq = %d, want 5", last)
	}
	if last, _ := repo.LastSeq(ctx, db, "nonexistent"); last != 0 {
		t.Errorf("LastSeq of empty run = %d, want 0", last)
	}
}
