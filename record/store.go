package record

import (
	"context"
	"errors"
)

// ErrTxDone is returned by operations on a committed or rolled back transaction
var ErrTxDone = errors.New("transaction already finished")

// DocumentStore is the authoritative store of the three record families
type DocumentStore interface {
	// Begin opens a transaction. All merges of one synchronization pass run in it.
	Begin(ctx context.Context) (DocumentTx, error)
	// ChangedSince returns every record of family with LastUpdated > since
	ChangedSince(ctx context.Context, family Family, since int64) ([]Record, error)
}

// DocumentTx is a unit of work over a DocumentStore
type DocumentTx interface {
	// Get returns the stored record and whether it exists
	Get(ctx context.Context, family Family, id string) (Record, bool, error)
	// Insert stores a new record
	Insert(ctx context.Context, family Family, rec Record) error
	// Update replaces the record with the same identity
	Update(ctx context.Context, family Family, rec Record) error
	// Savepoint runs fn so that its writes are discarded when it returns an error,
	// without aborting the enclosing transaction
	Savepoint(ctx context.Context, fn func() error) error
	Commit() error
	Rollback() error
}

// CursorStore keeps the per-client sync cursor
type CursorStore interface {
	// Get returns the last sync timestamp for clientID and whether one was stored
	Get(ctx context.Context, clientID string) (int64, bool, error)
	// Set stores the last sync timestamp for clientID
	Set(ctx context.Context, clientID string, timestamp int64) error
}

// CursorKey is the key a cursor is stored under in key-value stores
func CursorKey(clientID string) string {
	return "sync:" + clientID + ":timestamp"
}
