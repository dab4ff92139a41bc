package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory session.Store used only by this package's
// own tests; the durable counterpart is internal/session/sqlitestore.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return CloneRecord(rec), nil
}

func (m *memStore) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = CloneRecord(rec)
	return nil
}

func (m *memStore) Touch(_ context.Context, sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.LastSeenEpoch = now.Unix()
	m.records[sessionID] = rec
	return nil
}

func (m *memStore) Invalidate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *memStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func TestManagerMutateCreatesRecordWhenNotFound(t *testing.T) {
	mgr := NewManager(newMemStore())
	err := mgr.Mutate(context.Background(), "s1", func(_ context.Context, current Record, found bool) (Record, bool, error) {
		assert.False(t, found)
		current.SessionID = "s1"
		current.ProviderFamily = FamilyOpenAI
		return current, true, nil
	})
	require.NoError(t, err)

	rec, err := mgr.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, FamilyOpenAI, rec.ProviderFamily)
}

func TestManagerMutateSkipsUpsertWhenCommitFalse(t *testing.T) {
	mgr := NewManager(newMemStore())
	err := mgr.Mutate(context.Background(), "s1", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
		current.ContinuationToken = "should-not-persist"
		return current, false, nil
	})
	require.NoError(t, err)

	_, err = mgr.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerMutateNeverCommitsOnCancelledContext(t *testing.T) {
	mgr := NewManager(newMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mgr.Mutate(ctx, "s1", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
		current.SessionID = "s1"
		return current, true, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, getErr := mgr.Get(context.Background(), "s1")
	assert.ErrorIs(t, getErr, ErrNotFound, "a cancelled mutation must never persist")
}

func TestManagerSerializesAcrossCancelledMutationForSameSession(t *testing.T) {
	mgr := NewManager(newMemStore())

	unblock := make(chan struct{})
	firstStarted := make(chan struct{})
	var mu sync.Mutex
	var order []string

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		_ = mgr.Mutate(ctx1, "shared", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
			mu.Lock()
			order = append(order, "start1")
			mu.Unlock()
			close(firstStarted)
			<-unblock
			mu.Lock()
			order = append(order, "end1")
			mu.Unlock()
			current.SessionID = "shared"
			return current, true, nil
		})
		close(firstDone)
	}()

	<-firstStarted
	cancel1() // Mutate returns ctx.Err() now, but fn is still running, blocked on unblock.
	time.Sleep(20 * time.Millisecond)

	secondStarted := make(chan struct{})
	go func() {
		_ = mgr.Mutate(context.Background(), "shared", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
			mu.Lock()
			order = append(order, "start2")
			mu.Unlock()
			close(secondStarted)
			current.SessionID = "shared"
			return current, true, nil
		})
	}()

	// The second mutation must not run until the first (cancelled but still
	// in-flight) one actually releases its lock; a leaked refcount would let
	// it acquire an unrelated *sessionLock and start immediately.
	select {
	case <-secondStarted:
		t.Fatal("second Mutate's fn started before the cancelled first one released its lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	<-firstDone
	<-secondStarted

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"start1", "end1", "start2"}, order)
}

func TestManagerSerializesMutationsPerSessionKey(t *testing.T) {
	mgr := NewManager(newMemStore())
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = mgr.Mutate(context.Background(), "shared", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
				current.SessionID = "shared"
				current.CompactedHistory = append(current.CompactedHistory, Turn{Role: "user", Text: "x"})
				return current, true, nil
			})
		}()
	}
	wg.Wait()

	rec, err := mgr.Get(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, rec.CompactedHistory, n, "serialized mutation must not lose concurrent increments")
}

func TestManagerTouchAndInvalidate(t *testing.T) {
	mgr := NewManager(newMemStore())
	require.NoError(t, mgr.Mutate(context.Background(), "s1", func(_ context.Context, current Record, _ bool) (Record, bool, error) {
		current.SessionID = "s1"
		return current, true, nil
	}))

	require.NoError(t, mgr.Touch(context.Background(), "s1", time.Unix(500, 0)))
	rec, err := mgr.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, rec.LastSeenEpoch)

	require.NoError(t, mgr.Invalidate(context.Background(), "s1"))
	_, err = mgr.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
