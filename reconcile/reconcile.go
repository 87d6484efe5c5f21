// Package reconcile merges the writes a client buffered while offline back into
// the authoritative store and reports what the client missed.
//
// A synchronization pass reads the client's cursor (the server time of its last
// successful pass, 0 if none), merges every pushed record inside one store
// transaction and then advances the cursor. For each pushed record:
//
//   - not stored yet: inserted
//   - stored, pushed copy changed after the cursor: overwritten
//   - otherwise: discarded
//
// With a conflict Strategy configured, a record stored on both sides is decided
// by ResolveConflicts instead of the cursor comparison.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/shieldmesh/record"
	shielderrors "github.com/xiaonanln/shieldmesh/util/errors"
	"github.com/xiaonanln/shieldmesh/util/keylock"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/metrics"
)

// Options configures a Reconciler
type Options struct {
	// NodeID labels the reconciler's metrics
	NodeID string
	// Strategy, when set, resolves records present on both sides
	Strategy Strategy
	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

// SyncResult reports the outcome of SynchronizeClientData
type SyncResult struct {
	Success     bool
	UpdateCount int
	// Errors holds one *errors.RecordError per record that failed to merge, and
	// the fatal error when Success is false
	Errors []error
}

// ErrorStrings returns the messages of Errors
func (r *SyncResult) ErrorStrings() []string {
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// MarshalJSON emits {"success", "updates", "errors"}
func (r *SyncResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Success bool     `json:"success"`
		Updates int      `json:"updates"`
		Errors  []string `json:"errors"`
	}{r.Success, r.UpdateCount, r.ErrorStrings()})
}

// Reconciler synchronizes client data against a DocumentStore
type Reconciler struct {
	docs    record.DocumentStore
	cursors record.CursorStore
	opts    Options
	locks   *keylock.KeyLock
	logger  *logger.Logger
}

// New creates a Reconciler. A non-zero Options.Strategy must be valid.
func New(docs record.DocumentStore, cursors record.CursorStore, opts Options) (*Reconciler, error) {
	if docs == nil || cursors == nil {
		return nil, fmt.Errorf("reconciler needs a document store and a cursor store")
	}
	if opts.Strategy != 0 && !opts.Strategy.Valid() {
		return nil, fmt.Errorf("invalid reconciler options: %w: %s", ErrInvalidStrategy, opts.Strategy)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		docs:    docs,
		cursors: cursors,
		opts:    opts,
		locks:   keylock.New(),
		logger:  logger.NewLogger("SyncReconciler"),
	}, nil
}

func (r *Reconciler) nowMillis() int64 {
	return r.opts.Now().UnixMilli()
}

// SynchronizeClientData merges payload into the store and advances the cursor of
// clientID. Passes for the same client are serialized.
func (r *Reconciler) SynchronizeClientData(ctx context.Context, clientID string, payload record.Payload) *SyncResult {
	start := time.Now()
	result := &SyncResult{Success: true}
	defer func() {
		metrics.RecordSyncPass(r.opts.NodeID, result.Success, time.Since(start).Seconds())
	}()

	fail := func(err error) *SyncResult {
		result.Success = false
		result.Errors = append(result.Errors, err)
		r.logger.Errorf("Sync of client %s failed: %v", clientID, err)
		return result
	}

	unlock, err := r.locks.LockContext(ctx, clientID)
	if err != nil {
		return fail(fmt.Errorf("waiting for previous sync of %s: %w", clientID, err))
	}
	defer unlock()

	cursor, _, err := r.cursors.Get(ctx, clientID)
	if err != nil {
		return fail(fmt.Errorf("failed to read sync cursor: %w", err))
	}

	tx, err := r.docs.Begin(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to begin transaction: %w", err))
	}

	perFamily := make(map[record.Family]int, len(record.Families))
	for _, family := range record.Families {
		docs, present := payload.Family(family)
		if !present {
			continue
		}
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				tx.Rollback()
				result.UpdateCount = 0
				return fail(fmt.Errorf("sync aborted: %w", err))
			}

			updated, err := r.mergeRecord(ctx, tx, family, doc, cursor)
			if err != nil {
				result.Errors = append(result.Errors, err)
				metrics.RecordSyncRecordError(r.opts.NodeID, string(family), shielderrors.Kind(err))
				r.logger.Warnf("Error syncing %v for client %s", err, clientID)
				continue
			}
			if updated {
				perFamily[family]++
				result.UpdateCount++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		result.UpdateCount = 0
		return fail(fmt.Errorf("failed to commit sync: %w", err))
	}
	for family, n := range perFamily {
		metrics.RecordSyncRecordsUpdated(r.opts.NodeID, string(family), n)
	}

	// Merges are committed; a failed cursor write leaves the cursor where it was
	if err := r.cursors.Set(ctx, clientID, r.nowMillis()); err != nil {
		return fail(fmt.Errorf("failed to update sync cursor: %w", err))
	}

	r.logger.Infof("Synced client %s: %d updates, %d record errors (cursor was %d)",
		clientID, result.UpdateCount, len(result.Errors), cursor)
	return result
}

// mergeRecord applies one pushed document inside its own savepoint
func (r *Reconciler) mergeRecord(ctx context.Context, tx record.DocumentTx, family record.Family, doc json.RawMessage, cursor int64) (bool, error) {
	client, err := record.Parse(doc)
	if err != nil {
		return false, shielderrors.NewRecordError(string(family), "", err)
	}

	updated := false
	err = tx.Savepoint(ctx, func() error {
		existing, found, err := tx.Get(ctx, family, client.ID)
		if err != nil {
			return err
		}
		if !found {
			if err := tx.Insert(ctx, family, client); err != nil {
				return err
			}
			updated = true
			return nil
		}

		overwrite := client.LastUpdated > cursor
		if r.opts.Strategy != 0 {
			if overwrite, err = chooseClient(existing, client, r.opts.Strategy); err != nil {
				return err
			}
		}
		if !overwrite {
			return nil
		}
		if err := tx.Update(ctx, family, client); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, shielderrors.NewRecordError(string(family), client.ID, err)
	}
	return updated, nil
}

// ChangesSinceLastSync returns every record changed after the cursor of clientID
func (r *Reconciler) ChangesSinceLastSync(ctx context.Context, clientID string) (*record.Changes, error) {
	cursor, _, err := r.cursors.Get(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cursor: %w", err)
	}

	results := make([][]record.Record, len(record.Families))
	errs := make([]error, len(record.Families))
	var wg sync.WaitGroup
	for i, family := range record.Families {
		wg.Add(1)
		go func(i int, family record.Family) {
			defer wg.Done()
			results[i], errs[i] = r.docs.ChangedSince(ctx, family, cursor)
		}(i, family)
	}
	wg.Wait()

	changes := &record.Changes{}
	for i, family := range record.Families {
		if errs[i] != nil {
			return nil, fmt.Errorf("failed to query %s changes: %w", family, errs[i])
		}
		changes.Set(family, results[i])
	}
	changes.Timestamp = r.nowMillis()

	r.logger.Debugf("Client %s missed %d records since %d", clientID, changes.Count(), cursor)
	return changes, nil
}

// Cursor returns the stored cursor of clientID, 0 when none is stored
func (r *Reconciler) Cursor(ctx context.Context, clientID string) (int64, error) {
	cursor, _, err := r.cursors.Get(ctx, clientID)
	return cursor, err
}
