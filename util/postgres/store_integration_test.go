package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xiaonanln/shieldmesh/reconcile"
	"github.com/xiaonanln/shieldmesh/record"
	"github.com/xiaonanln/shieldmesh/util/postgres"
	"github.com/xiaonanln/shieldmesh/util/testutil"
)

func setupStores(t *testing.T) (*postgres.DocumentStore, *postgres.CursorStore) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}

	db := testutil.CreateTestDatabase(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return postgres.NewDocumentStore(db), postgres.NewCursorStore(db)
}

func mustRecord(t *testing.T, id string, lastUpdated int64) record.Record {
	t.Helper()
	rec, err := record.New(id, lastUpdated, map[string]any{"name": id})
	if err != nil {
		t.Fatalf("record.New() failed: %v", err)
	}
	return rec
}

func TestDocumentStore_TxLifecycle(t *testing.T) {
	docs, _ := setupStores(t)
	ctx := context.Background()

	tx, err := docs.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.Insert(ctx, record.Resources, mustRecord(t, "R1", 100)); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := tx.Update(ctx, record.Resources, mustRecord(t, "R1", 150)); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := tx.Update(ctx, record.Resources, mustRecord(t, "missing", 1)); err == nil {
		t.Error("Update() of missing record should fail")
	}
	got, found, err := tx.Get(ctx, record.Resources, "R1")
	if err != nil || !found || got.LastUpdated != 150 {
		t.Fatalf("Get() = %+v, %v, %v", got, found, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, record.ErrTxDone) {
		t.Errorf("second Commit() error = %v; want ErrTxDone", err)
	}

	changes, err := docs.ChangedSince(ctx, record.Resources, 120)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].ID != "R1" {
		t.Errorf("ChangedSince(120) = %+v; want [R1]", changes)
	}
	if parsed, err := record.Parse(changes[0].Doc); err != nil || parsed.LastUpdated != 150 {
		t.Errorf("stored document does not round trip: %s", changes[0].Doc)
	}
}

func TestDocumentStore_SavepointKeepsTxUsable(t *testing.T) {
	docs, _ := setupStores(t)
	ctx := context.Background()

	tx, _ := docs.Begin(ctx)
	defer tx.Rollback()

	tx.Insert(ctx, record.Alerts, mustRecord(t, "A1", 1))

	// A duplicate key aborts the statement; the savepoint keeps the transaction alive
	err := tx.Savepoint(ctx, func() error {
		return tx.Insert(ctx, record.Alerts, mustRecord(t, "A1", 2))
	})
	if err == nil {
		t.Fatal("duplicate insert should fail")
	}

	if err := tx.Savepoint(ctx, func() error {
		return tx.Insert(ctx, record.Alerts, mustRecord(t, "A2", 3))
	}); err != nil {
		t.Fatalf("insert after failed savepoint failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	changes, _ := docs.ChangedSince(ctx, record.Alerts, 0)
	if len(changes) != 2 {
		t.Errorf("ChangedSince(0) returned %d alerts; want 2", len(changes))
	}
}

func TestCursorStore(t *testing.T) {
	_, cursors := setupStores(t)
	ctx := context.Background()

	if _, found, err := cursors.Get(ctx, "C"); found || err != nil {
		t.Fatalf("Get() on empty table = %v, %v", found, err)
	}
	for _, ts := range []int64{100, 200} {
		if err := cursors.Set(ctx, "C", ts); err != nil {
			t.Fatalf("Set(%d) failed: %v", ts, err)
		}
	}
	ts, found, err := cursors.Get(ctx, "C")
	if err != nil || !found || ts != 200 {
		t.Errorf("Get() = %d, %v, %v; want 200, true, nil", ts, found, err)
	}
}

func TestReconcilerOnPostgres(t *testing.T) {
	docs, cursors := setupStores(t)
	ctx := context.Background()

	cursors.Set(ctx, "C", 100)
	seed, _ := docs.Begin(ctx)
	seed.Insert(ctx, record.Resources, mustRecord(t, "R1", 120))
	seed.Commit()

	r, err := reconcile.New(docs, cursors, reconcile.Options{})
	if err != nil {
		t.Fatalf("reconcile.New() failed: %v", err)
	}

	var p record.Payload
	p.Add(record.Resources, mustRecord(t, "R1", 150), mustRecord(t, "R2", 90))
	result := r.SynchronizeClientData(ctx, "C", p)
	if !result.Success || result.UpdateCount != 2 {
		t.Fatalf("result = %+v; want success with 2 updates", result)
	}

	cursor, _, _ := cursors.Get(ctx, "C")
	if cursor <= 100 {
		t.Errorf("cursor = %d; want advanced past 100", cursor)
	}
}
