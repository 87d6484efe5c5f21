// Package keylock provides per-key mutual exclusion with automatic cleanup.
package keylock

import (
	"context"
	"sync"
)

// entry is a per-key lock with reference counting. The lock is a one-slot
// channel so waiters can give up when their context is cancelled.
type entry struct {
	sem      chan struct{}
	refCount int
}

// KeyLock manages per-key exclusive locks.
//
// Each key gets its own lock that is created on demand and removed as soon as
// no goroutine holds or waits for it. The reconciler uses it to serialize sync
// passes of the same client while passes of different clients run in parallel.
//
// Usage Pattern:
//
//	kl := keylock.New()
//	unlock, err := kl.LockContext(ctx, clientID)
//	if err != nil {
//		return err
//	}
//	defer unlock()
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty KeyLock
func New() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*entry),
	}
}

func (kl *KeyLock) acquire(key string) *entry {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, exists := kl.locks[key]
	if !exists {
		e = &entry{sem: make(chan struct{}, 1)}
		kl.locks[key] = e
	}
	e.refCount++
	return e
}

// release decrements the reference count and removes the entry if no longer needed
func (kl *KeyLock) release(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, exists := kl.locks[key]
	if !exists {
		return
	}
	e.refCount--
	if e.refCount == 0 {
		delete(kl.locks, key)
	}
}

func (kl *KeyLock) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			kl.release(key)
		})
	}
}

// Lock acquires the lock for key, blocking until it is available.
// Returns an unlock function that MUST be called to release the lock.
func (kl *KeyLock) Lock(key string) func() {
	e := kl.acquire(key)
	e.sem <- struct{}{}
	return kl.unlocker(key, e)
}

// LockContext is Lock that gives up when ctx is done
func (kl *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	e := kl.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return kl.unlocker(key, e), nil
	case <-ctx.Done():
		kl.release(key)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free
func (kl *KeyLock) TryLock(key string) (func(), bool) {
	e := kl.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return kl.unlocker(key, e), true
	default:
		kl.release(key)
		return nil, false
	}
}

// Len returns the number of currently tracked keys (for testing)
func (kl *KeyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
