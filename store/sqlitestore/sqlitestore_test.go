package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xiaonanln/shieldmesh/reconcile"
	"github.com/xiaonanln/shieldmesh/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRecord(t *testing.T, id string, lastUpdated int64) record.Record {
	t.Helper()
	rec, err := record.New(id, lastUpdated, map[string]any{"title": id})
	if err != nil {
		t.Fatalf("record.New() failed: %v", err)
	}
	return rec
}

func TestStore_TxCommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.Insert(ctx, record.Knowledge, mustRecord(t, "K1", 10)); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := tx.Insert(ctx, record.Knowledge, mustRecord(t, "K1", 11)); err == nil {
		t.Error("duplicate Insert() should fail")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, record.ErrTxDone) {
		t.Errorf("Rollback() after Commit error = %v; want ErrTxDone", err)
	}

	tx, _ = s.Begin(ctx)
	if err := tx.Update(ctx, record.Knowledge, mustRecord(t, "K1", 20)); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := tx.Update(ctx, record.Knowledge, mustRecord(t, "nope", 20)); err == nil {
		t.Error("Update() of missing record should fail")
	}
	tx.Rollback()

	changes, err := s.ChangedSince(ctx, record.Knowledge, 0)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].LastUpdated != 10 {
		t.Errorf("ChangedSince(0) = %+v; want K1@10 after rollback", changes)
	}
}

func TestStore_SavepointRollsBackOneRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	tx.Savepoint(ctx, func() error { return tx.Insert(ctx, record.Alerts, mustRecord(t, "A1", 1)) })
	err := tx.Savepoint(ctx, func() error {
		tx.Insert(ctx, record.Alerts, mustRecord(t, "A2", 2))
		return errors.New("validation failed")
	})
	if err == nil {
		t.Fatal("Savepoint() should return fn's error")
	}
	if _, found, _ := tx.Get(ctx, record.Alerts, "A2"); found {
		t.Error("write from failed savepoint is visible")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	changes, _ := s.ChangedSince(ctx, record.Alerts, 0)
	if len(changes) != 1 || changes[0].ID != "A1" {
		t.Errorf("ChangedSince(0) = %+v; want [A1]", changes)
	}
}

func TestStore_Cursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "C"); found || err != nil {
		t.Fatalf("Get() on empty store = %v, %v", found, err)
	}
	s.Set(ctx, "C", 100)
	s.Set(ctx, "C", 250)
	ts, found, err := s.Get(ctx, "C")
	if err != nil || !found || ts != 250 {
		t.Errorf("Get() = %d, %v, %v; want 250", ts, found, err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.Set(ctx, "C", 42)
	s.Close()

	s, err = Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if ts, _, _ := s.Get(ctx, "C"); ts != 42 {
		t.Errorf("cursor after reopen = %d; want 42", ts)
	}
}

func TestStore_Closed(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	if _, err := s.Begin(context.Background()); err == nil {
		t.Error("Begin() on closed store should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestReconcilerOnSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "C", 100)
	seed, _ := s.Begin(ctx)
	seed.Insert(ctx, record.Resources, mustRecord(t, "R1", 120))
	seed.Commit()

	r, err := reconcile.New(s, s, reconcile.Options{})
	if err != nil {
		t.Fatalf("reconcile.New() failed: %v", err)
	}

	var p record.Payload
	p.Add(record.Resources, mustRecord(t, "R1", 150), mustRecord(t, "R1-dup", 90))
	p.Add(record.Resources, mustRecord(t, "R1", 80))
	result := r.SynchronizeClientData(ctx, "C", p)
	if !result.Success {
		t.Fatalf("sync failed: %v", result.Errors)
	}
	if result.UpdateCount != 2 {
		t.Errorf("UpdateCount = %d; want 2", result.UpdateCount)
	}

	changes, err := r.ChangesSinceLastSync(ctx, "C")
	if err != nil {
		t.Fatalf("ChangesSinceLastSync() failed: %v", err)
	}
	if changes.Count() != 0 {
		t.Errorf("changes after sync = %d records; want 0", changes.Count())
	}
}
