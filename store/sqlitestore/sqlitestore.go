// Package sqlitestore keeps synchronized records and sync cursors in an embedded
// SQLite database, for field nodes that run without a database server.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaonanln/shieldmesh/record"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Config configures the SQLite store
type Config struct {
	// Path to the database file; ":memory:" keeps everything in memory
	Path string
	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int
	// JournalMode sets the SQLite journal mode (WAL, DELETE, ...)
	JournalMode string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Path:        "shieldmesh.db",
		BusyTimeout: 5000,
		JournalMode: "WAL",
	}
}

// Store implements record.DocumentStore and record.CursorStore on SQLite.
//
// The store uses a single connection: SQLite serializes writers anyway, and an
// in-memory database is private to the connection that created it.
type Store struct {
	db     *sql.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at config.Path and initializes its schema
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Path == "" {
		config.Path = "shieldmesh.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)",
		config.Path, config.BusyTimeout, config.JournalMode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, config: config}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		family TEXT NOT NULL,
		record_id TEXT NOT NULL,
		last_updated INTEGER NOT NULL,
		doc BLOB NOT NULL,
		PRIMARY KEY (family, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_family_updated ON records(family, last_updated);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		cursor_key TEXT PRIMARY KEY,
		last_sync INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sqlite store is closed")
	}
	return nil
}

// Begin opens a transaction
func (s *Store) Begin(ctx context.Context) (record.DocumentTx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

// ChangedSince returns the records of family with last_updated > since
func (s *Store) ChangedSince(ctx context.Context, family record.Family, since int64) ([]record.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, last_updated, doc FROM records
		 WHERE family = ? AND last_updated > ?
		 ORDER BY last_updated, record_id`,
		string(family), since)
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
	return out, rows.Err()
}

// Get returns the cursor of clientID
func (s *Store) Get(ctx context.Context, clientID string) (int64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync FROM sync_cursors WHERE cursor_key = ?`, record.CursorKey(clientID)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return ts, true, nil
}

// Set stores the cursor of clientID
func (s *Store) Set(ctx context.Context, clientID string, timestamp int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (cursor_key, last_sync) VALUES (?, ?)
		 ON CONFLICT(cursor_key) DO UPDATE SET last_sync = excluded.last_sync`,
		record.CursorKey(clientID), timestamp)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

type storeTx struct {
	tx         *sql.Tx
	savepoints int
}

func (t *storeTx) Get(ctx context.Context, family record.Family, id string) (record.Record, bool, error) {
	rec := record.Record{ID: id}
	var doc []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT last_updated, doc FROM records WHERE family = ? AND record_id = ?`,
		string(family), id).Scan(&rec.LastUpdated, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("failed to load record: %w", err)
	}
	rec.Doc = doc
	return rec, true, nil
}

func (t *storeTx) Insert(ctx context.Context, family record.Family, rec record.Record) error {
	doc, _ := rec.MarshalJSON()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO records (family, record_id, last_updated, doc) VALUES (?, ?, ?, ?)`,
		string(family), rec.ID, rec.LastUpdated, doc)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (t *storeTx) Update(ctx context.Context, family record.Family, rec record.Record) error {
	doc, _ := rec.MarshalJSON()
	res, err := t.tx.ExecContext(ctx,
		`UPDATE records SET last_updated = ?, doc = ? WHERE family = ? AND record_id = ?`,
		rec.LastUpdated, doc, string(family), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record not found: %s/%s", family, rec.ID)
	}
	return nil
}

func (t *storeTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("record_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rerr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rerr != nil {
			return fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rerr)
		}
		t.tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (t *storeTx) Commit() error {
	err := t.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		return record.ErrTxDone
	}
	return err
}

func (t *storeTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return record.ErrTxDone
	}
	return err
}
