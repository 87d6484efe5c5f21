package record

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		wantID      string
		wantUpdated int64
		wantErr     error
	}{
		{"underscore id", `{"_id":"R1","lastUpdated":150,"type":"WATER"}`, "R1", 150, nil},
		{"plain id", `{"id":"A7","lastUpdated":1700000000000}`, "A7", 1700000000000, nil},
		{"numeric id", `{"_id":42,"lastUpdated":5}`, "42", 5, nil},
		{"underscore id wins", `{"_id":"x","id":"y","lastUpdated":1}`, "x", 1, nil},
		{"float timestamp", `{"_id":"f","lastUpdated":12.9}`, "f", 12, nil},
		{"missing id", `{"lastUpdated":1}`, "", 0, ErrMissingID},
		{"empty id", `{"_id":"","lastUpdated":1}`, "", 0, ErrMissingID},
		{"missing lastUpdated", `{"_id":"R1"}`, "", 0, ErrMissingLastUpdated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(json.RawMessage(tt.doc))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v; want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if rec.ID != tt.wantID || rec.LastUpdated != tt.wantUpdated {
				t.Errorf("Parse() = {%s %d}; want {%s %d}", rec.ID, rec.LastUpdated, tt.wantID, tt.wantUpdated)
			}
			if string(rec.Doc) != tt.doc {
				t.Errorf("Parse() Doc = %s; want verbatim %s", rec.Doc, tt.doc)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse(json.RawMessage(`[1,2`)); err == nil {
		t.Error("Parse() of malformed JSON should fail")
	}
}

func TestNewAndMarshal(t *testing.T) {
	rec, err := New("R9", 99, map[string]any{"status": "LOW"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Record
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.ID != "R9" || back.LastUpdated != 99 {
		t.Errorf("round trip = {%s %d}; want {R9 99}", back.ID, back.LastUpdated)
	}

	var fields map[string]any
	json.Unmarshal(back.Doc, &fields)
	if fields["status"] != "LOW" {
		t.Errorf("opaque field lost: %v", fields)
	}
}

func TestPayloadFamily(t *testing.T) {
	var p Payload
	if _, present := p.Family(Resources); present {
		t.Error("empty payload reports resources present")
	}

	rec, _ := New("R1", 1, nil)
	p.Add(Resources, rec)
	docs, present := p.Family(Resources)
	if !present || len(docs) != 1 {
		t.Errorf("Family(Resources) = %d docs, present=%v; want 1, true", len(docs), present)
	}
	if _, present := p.Family(Alerts); present {
		t.Error("alerts reported present")
	}
	if _, present := p.Family(Family("users")); present {
		t.Error("unknown family reported present")
	}

	var decoded Payload
	if err := json.Unmarshal([]byte(`{"knowledge":[]}`), &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, present := decoded.Family(Knowledge); !present {
		t.Error("explicit empty knowledge list should count as present")
	}
}

func TestFamilyValid(t *testing.T) {
	for _, f := range Families {
		if !f.Valid() {
			t.Errorf("%s.Valid() = false", f)
		}
	}
	if Family("users").Valid() {
		t.Error("users.Valid() = true")
	}
}

func TestMemoryStore_TxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, _ := New("R1", 10, nil)
	r2, _ := New("R2", 20, nil)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := tx.Insert(ctx, Resources, r1); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if _, ok, _ := tx.Get(ctx, Resources, "R1"); !ok {
		t.Error("staged insert not visible inside transaction")
	}
	if _, ok := s.Lookup(Resources, "R1"); ok {
		t.Error("staged insert visible before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if _, ok := s.Lookup(Resources, "R1"); !ok {
		t.Error("committed insert not visible")
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
		t.Errorf("second Commit() error = %v; want ErrTxDone", err)
	}

	tx, _ = s.Begin(ctx)
	tx.Insert(ctx, Resources, r2)
	tx.Rollback()
	if _, ok := s.Lookup(Resources, "R2"); ok {
		t.Error("rolled back insert visible")
	}
}

func TestMemoryStore_InsertUpdateRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, _ := New("R1", 10, nil)
	s.Put(Alerts, r1)

	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	if err := tx.Insert(ctx, Alerts, r1); err == nil {
		t.Error("Insert() of existing id should fail")
	}
	missing, _ := New("nope", 1, nil)
	if err := tx.Update(ctx, Alerts, missing); err == nil {
		t.Error("Update() of missing id should fail")
	}
	// Same id in another family is a different record
	if err := tx.Insert(ctx, Knowledge, r1); err != nil {
		t.Errorf("Insert() into another family failed: %v", err)
	}
}

func TestMemoryStore_SavepointDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, _ := New("R1", 10, nil)
	r2, _ := New("R2", 20, nil)

	tx, _ := s.Begin(ctx)
	if err := tx.Savepoint(ctx, func() error { return tx.Insert(ctx, Resources, r1) }); err != nil {
		t.Fatalf("Savepoint() failed: %v", err)
	}
	boom := errors.New("boom")
	err := tx.Savepoint(ctx, func() error {
		tx.Insert(ctx, Resources, r2)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Savepoint() error = %v; want boom", err)
	}
	tx.Commit()

	if _, ok := s.Lookup(Resources, "R1"); !ok {
		t.Error("R1 from successful savepoint missing")
	}
	if _, ok := s.Lookup(Resources, "R2"); ok {
		t.Error("R2 from failed savepoint was committed")
	}
}

func TestMemoryStore_ChangedSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, rec := range []struct {
		id string
		ts int64
	}{{"a", 100}, {"b", 150}, {"c", 200}} {
		r, _ := New(rec.id, rec.ts, nil)
		s.Put(Resources, r)
	}
	other, _ := New("z", 500, nil)
	s.Put(Alerts, other)

	got, err := s.ChangedSince(ctx, Resources, 100)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("ChangedSince(100) = %v; want [b c]", got)
	}
}

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCursorStore()

	if _, ok, err := s.Get(ctx, "C"); ok || err != nil {
		t.Errorf("Get() on empty store = ok %v, err %v; want false, nil", ok, err)
	}
	if err := s.Set(ctx, "C", 100); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	ts, ok, err := s.Get(ctx, "C")
	if err != nil || !ok || ts != 100 {
		t.Errorf("Get() = %d, %v, %v; want 100, true, nil", ts, ok, err)
	}
}

func TestCursorKey(t *testing.T) {
	if got := CursorKey("user-1"); got != "sync:user-1:timestamp" {
		t.Errorf("CursorKey() = %s", got)
	}
}
