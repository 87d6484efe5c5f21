package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a PostgreSQL database connection with utility methods
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB creates a new database connection using the provided configuration.
// No connection is made until the first query; use Ping to check reachability.
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Connection returns the underlying sql.DB connection
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database not open")
	}
	return db.conn.PingContext(ctx)
}

// InitSchema creates the record and sync cursor tables
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Synchronized records of every family; doc is the full client document
	CREATE TABLE IF NOT EXISTS shieldmesh_records (
		family VARCHAR(32) NOT NULL,
		record_id VARCHAR(255) NOT NULL,
		last_updated BIGINT NOT NULL,
		doc JSONB NOT NULL,
		stored_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (family, record_id)
	);

	CREATE INDEX IF NOT EXISTS idx_shieldmesh_records_family_updated
		ON shieldmesh_records(family, last_updated);

	-- Per-client sync cursors, milliseconds since the Unix epoch
	CREATE TABLE IF NOT EXISTS shieldmesh_sync_cursors (
		client_id VARCHAR(255) PRIMARY KEY,
		last_sync BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Config returns the configuration the database was opened with
func (db *DB) Config() *Config {
	return db.config
}
