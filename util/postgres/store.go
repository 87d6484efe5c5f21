package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xiaonanln/shieldmesh/record"
)

// DocumentStore implements record.DocumentStore on the shieldmesh_records table
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a DocumentStore on db. InitSchema must have run.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Begin opens a database transaction
func (s *DocumentStore) Begin(ctx context.Context) (record.DocumentTx, error) {
	if s.db.conn == nil {
		return nil, fmt.Errorf("database not open")
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &documentTx{tx: tx}, nil
}

// ChangedSince returns the records of family with last_updated > since
func (s *DocumentStore) ChangedSince(ctx context.Context, family record.Family, since int64) ([]record.Record, error) {
	if s.db.conn == nil {
		return nil, fmt.Errorf("database not open")
	}
	query := `
		SELECT record_id, last_updated, doc
		FROM shieldmesh_records
		WHERE family = $1 AND last_updated > $2
		ORDER BY last_updated, record_id
	`

	rows, err := s.db.conn.QueryContext(ctx, query, string(family), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", family, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var rec record.Record
		var doc []byte
		if err := rows.Scan(&rec.ID, &rec.LastUpdated, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", family, err)
		}
		rec.Doc = doc
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", family, err)
	}
	return out, nil
}

type documentTx struct {
	tx         *sql.Tx
	savepoints int
}

func (t *documentTx) Get(ctx context.Context, family record.Family, id string) (record.Record, bool, error) {
	query := `
		SELECT last_updated, doc
		FROM shieldmesh_records
		WHERE family = $1 AND record_id = $2
	`

	rec := record.Record{ID: id}
	var doc []byte
	err := t.tx.QueryRowContext(ctx, query, string(family), id).Scan(&rec.LastUpdated, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("failed to load record: %w", err)
	}
	rec.Doc = doc
	return rec, true, nil
}

func (t *documentTx) Insert(ctx context.Context, family record.Family, rec record.Record) error {
	query := `
		INSERT INTO shieldmesh_records (family, record_id, last_updated, doc)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := t.tx.ExecContext(ctx, query, string(family), rec.ID, rec.LastUpdated, []byte(docOf(rec))); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (t *documentTx) Update(ctx context.Context, family record.Family, rec record.Record) error {
	query := `
		UPDATE shieldmesh_records
		SET last_updated = $3, doc = $4, stored_at = CURRENT_TIMESTAMP
		WHERE family = $1 AND record_id = $2
	`

	res, err := t.tx.ExecContext(ctx, query, string(family), rec.ID, rec.LastUpdated, []byte(docOf(rec)))
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record not found: %s/%s", family, rec.ID)
	}
	return nil
}

// Savepoint wraps fn in SAVEPOINT / RELEASE, rolling back to the savepoint when
// fn fails so the transaction stays usable
func (t *documentTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("record_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rerr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
			return fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rerr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (t *documentTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return record.ErrTxDone
		}
		return err
	}
	return nil
}

func (t *documentTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return record.ErrTxDone
		}
		return err
	}
	return nil
}

func docOf(rec record.Record) []byte {
	doc, _ := rec.MarshalJSON()
	return doc
}

// CursorStore implements record.CursorStore on the shieldmesh_sync_cursors table
type CursorStore struct {
	db *DB
}

// NewCursorStore creates a CursorStore on db. InitSchema must have run.
func NewCursorStore(db *DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the cursor of clientID
func (s *CursorStore) Get(ctx context.Context, clientID string) (int64, bool, error) {
	if clientID == "" {
		return 0, false, fmt.Errorf("client_id cannot be empty")
	}
	if s.db.conn == nil {
		return 0, false, fmt.Errorf("database not open")
	}

	var ts int64
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT last_sync FROM shieldmesh_sync_cursors WHERE client_id = $1`, clientID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return ts, true, nil
}

// Set stores the cursor of clientID
func (s *CursorStore) Set(ctx context.Context, clientID string, timestamp int64) error {
	if clientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}
	if s.db.conn == nil {
		return fmt.Errorf("database not open")
	}

	query := `
		INSERT INTO shieldmesh_sync_cursors (client_id, last_sync, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (client_id) DO UPDATE
		SET last_sync = $2, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.conn.ExecContext(ctx, query, clientID, timestamp); err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
