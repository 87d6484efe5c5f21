package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type recordKey struct {
	family Family
	id     string
}

// MemoryStore is an in-process DocumentStore. Transactions are serialized: Begin
// blocks until the previous transaction commits or rolls back.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record

	// txMu is held for the lifetime of a transaction
	txMu sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]Record),
	}
}

// Put stores rec directly, outside any transaction
func (s *MemoryStore) Put(family Family, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{family, rec.ID}] = rec
}

// Lookup returns the committed record
func (s *MemoryStore) Lookup(family Family, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{family, id}]
	return rec, ok
}

// Len returns the number of committed records across all families
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ChangedSince returns records of family with LastUpdated > since, ordered by LastUpdated
func (s *MemoryStore) ChangedSince(ctx context.Context, family Family, since int64) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, rec := range s.records {
		if key.family == family && rec.LastUpdated > since {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdated != out[j].LastUpdated {
			return out[i].LastUpdated < out[j].LastUpdated
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Begin opens a transaction
func (s *MemoryStore) Begin(ctx context.Context) (DocumentTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &memoryTx{store: s, staged: make(map[recordKey]Record)}, nil
}

type memoryTx struct {
	store  *MemoryStore
	staged map[recordKey]Record
	done   bool
}

func (tx *memoryTx) lookup(key recordKey) (Record, bool) {
	if rec, ok := tx.staged[key]; ok {
		return rec, true
	}
	return tx.store.Lookup(key.family, key.id)
}

func (tx *memoryTx) Get(ctx context.Context, family Family, id string) (Record, bool, error) {
	if tx.done {
		return Record{}, false, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	rec, ok := tx.lookup(recordKey{family, id})
	return rec, ok, nil
}

func (tx *memoryTx) Insert(ctx context.Context, family Family, rec Record) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := recordKey{family, rec.ID}
	if _, exists := tx.lookup(key); exists {
		return fmt.Errorf("duplicate key %s/%s", family, rec.ID)
	}
	tx.staged[key] = rec
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, family Family, rec Record) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := recordKey{family, rec.ID}
	if _, exists := tx.lookup(key); !exists {
		return fmt.Errorf("record not found: %s/%s", family, rec.ID)
	}
	tx.staged[key] = rec
	return nil
}

func (tx *memoryTx) Savepoint(ctx context.Context, fn func() error) error {
	if tx.done {
		return ErrTxDone
	}
	snapshot := make(map[recordKey]Record, len(tx.staged))
	for k, v := range tx.staged {
		snapshot[k] = v
	}
	if err := fn(); err != nil {
		tx.staged = snapshot
		return err
	}
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.store.txMu.Unlock()

	tx.store.mu.Lock()
	for k, v := range tx.staged {
		tx.store.records[k] = v
	}
	tx.store.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.staged = nil
	tx.store.txMu.Unlock()
	return nil
}

// MemoryCursorStore is an in-process CursorStore
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

// NewMemoryCursorStore creates an empty MemoryCursorStore
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

func (s *MemoryCursorStore) Get(ctx context.Context, clientID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.cursors[CursorKey(clientID)]
	return ts, ok, nil
}

func (s *MemoryCursorStore) Set(ctx context.Context, clientID string, timestamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[CursorKey(clientID)] = timestamp
	return nil
}
