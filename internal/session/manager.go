package session

import (
	"context"
	"sync"
	"time"
)

// Manager serializes mutations to a single session_id's record while
// allowing unrelated sessions to proceed fully concurrently. It is the only
// intended way callers touch a Store during a tools/call: lookup, adapter
// call, and upsert all happen while holding the per-key lock.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu       sync.Mutex
	refCount int
}

// NewManager wraps store with per-session-id serialization.
func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sessionLock)}
}

// Mutate runs fn while holding the exclusive lock for sessionID. fn receives
// the current record (zero value + ErrNotFound-equivalent ok=false if none
// exists) and returns the record to persist plus whether to persist it at
// all.
//
// If ctx is cancelled before fn returns, or fn itself returns
// context.Canceled, the lock is released without calling Upsert: the
// session's prior state remains authoritative. Cancellation of one call
// never affects another call against the same session; the cancelled
// call's intended upsert is simply skipped.
func (m *Manager) Mutate(ctx context.Context, sessionID string, fn func(ctx context.Context, current Record, found bool) (next Record, commit bool, err error)) error {
	lock := m.acquire(sessionID)

	done := make(chan error, 1)
	go func() {
		lock.mu.Lock()
		err := m.runLocked(ctx, sessionID, fn)
		lock.mu.Unlock()
		// Release the refcounted slot only now that lock.mu is actually
		// free, not when Mutate itself returns. Otherwise a cancelled
		// caller could return and release its slot while this goroutine
		// still holds lock.mu, letting the map entry be deleted and a
		// concurrent Mutate for the same sessionID acquire an unrelated
		// *sessionLock with no mutual exclusion against this one.
		m.release(sessionID, lock)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The lock may still be held by runLocked in the background; it
		// will release it itself once the (now-useless) work finishes.
		// We do not wait for it here so cancellation unwinds promptly.
		return ctx.Err()
	}
}

func (m *Manager) runLocked(ctx context.Context, sessionID string, fn func(context.Context, Record, bool) (Record, bool, error)) error {
	current, err := m.store.Get(ctx, sessionID)
	found := true
	if err == ErrNotFound {
		found = false
		err = nil
	}
	if err != nil {
		return err
	}

	next, commit, err := fn(ctx, current, found)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		// Cancelled mid-flight: never persist.
		return ctx.Err()
	}
	if !commit {
		return nil
	}
	return m.store.Upsert(ctx, next)
}

func (m *Manager) acquire(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[sessionID]
	if !ok {
		lk = &sessionLock{}
		m.locks[sessionID] = lk
	}
	lk.refCount++
	return lk
}

func (m *Manager) release(sessionID string, lk *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk.refCount--
	if lk.refCount == 0 {
		delete(m.locks, sessionID)
	}
}

// Touch bumps last-seen without taking the mutation path. It does not
// change TTLEpoch, so it does not extend the session's lifetime.
func (m *Manager) Touch(ctx context.Context, sessionID string, now time.Time) error {
	return m.store.Touch(ctx, sessionID, now)
}

// Invalidate removes a session immediately.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	return m.store.Invalidate(ctx, sessionID)
}

// Get reads the current record without taking the mutation lock. Safe for
// callers that only need a snapshot (e.g. diagnostics).
func (m *Manager) Get(ctx context.Context, sessionID string) (Record, error) {
	return m.store.Get(ctx, sessionID)
}
