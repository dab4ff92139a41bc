package vectorstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (s *fakeStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *fakeStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *fakeStore) ListExpired(_ context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) ListLeastRecentlyRenewed(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		out = append(out, rec)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

type fakeProvider struct {
	mu          sync.Mutex
	indexes     map[string][]string // vsID -> uploaded hashes
	nextID      int
	createErr   error
	uploadErr   error
	deleteCalls []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{indexes: make(map[string][]string)}
}

func (p *fakeProvider) CreateIndex(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	id := "vs-" + string(rune('0'+p.nextID))
	p.indexes[id] = nil
	return id, nil
}

func (p *fakeProvider) UploadFiles(_ context.Context, vsID string, files []FileRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uploadErr != nil {
		return p.uploadErr
	}
	for _, f := range files {
		p.indexes[vsID] = append(p.indexes[vsID], f.Hash)
	}
	return nil
}

func (p *fakeProvider) DeleteIndex(_ context.Context, vsID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteCalls = append(p.deleteCalls, vsID)
	delete(p.indexes, vsID)
	return nil
}

func (p *fakeProvider) CountIndexes(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.indexes), nil
}

func TestAcquireCreatesIndexAndUploadsAllFilesFirstCall(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	mgr := NewManager(store, provider, Config{TTL: time.Hour}, nil, nil)

	res, err := mgr.Acquire(context.Background(), "s1", []FileRef{{Hash: "h1"}, {Hash: "h2"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.VSID)
	assert.ElementsMatch(t, []string{"h1", "h2"}, res.UploadedDeltas)
}

func TestAcquireDedupsAlreadyUploadedHashes(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	mgr := NewManager(store, provider, Config{TTL: time.Hour}, nil, nil)

	_, err := mgr.Acquire(context.Background(), "s1", []FileRef{{Hash: "h1"}})
	require.NoError(t, err)

	res, err := mgr.Acquire(context.Background(), "s1", []FileRef{{Hash: "h1"}, {Hash: "h2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, res.UploadedDeltas, "h1 was already recorded and must not re-upload")
}

func TestAcquireReusesLiveLeaseAndExtendsExpiry(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Hour}, nil, func() time.Time { return fixedNow })

	res1, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	mgr.now = func() time.Time { return fixedNow.Add(30 * time.Minute) }
	res2, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	assert.Equal(t, res1.VSID, res2.VSID, "a still-live lease must be reused, not recreated")
	rec, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, fixedNow.Add(30*time.Minute).Unix(), rec.LastRenewedEpoch)
}

func TestAcquireCreatesFreshIndexAfterExpiry(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Second}, nil, func() time.Time { return fixedNow })

	res1, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	mgr.now = func() time.Time { return fixedNow.Add(time.Hour) }
	res2, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, res1.VSID, res2.VSID)
}

func TestAcquireUploadFailurePersistsLeaseAndReturnsError(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	provider.uploadErr = errors.New("upload failed")
	mgr := NewManager(store, provider, Config{TTL: time.Hour}, nil, nil)

	_, err := mgr.Acquire(context.Background(), "s1", []FileRef{{Hash: "h1"}})
	require.Error(t, err)

	rec, getErr := store.Get(context.Background(), "s1")
	require.NoError(t, getErr)
	assert.NotEmpty(t, rec.VSID, "the created index's lease should still be recorded despite the upload failure")
}

func TestRenewExtendsExpiryOfExistingLease(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Hour}, nil, func() time.Time { return fixedNow })
	_, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	mgr.now = func() time.Time { return fixedNow.Add(10 * time.Minute) }
	require.NoError(t, mgr.Renew(context.Background(), "s1"))

	rec, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.EqualValues(t, fixedNow.Add(10*time.Minute).Add(time.Hour).Unix(), rec.ExpiresEpoch)
}

func TestRenewUnknownSessionReturnsNotFound(t *testing.T) {
	mgr := NewManager(newFakeStore(), newFakeProvider(), Config{TTL: time.Hour}, nil, nil)
	err := mgr.Renew(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseOnExpiryDeletesProviderIndexWhenConfigured(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Second, DeleteOnEvict: true}, nil, func() time.Time { return fixedNow })
	res, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	mgr.now = func() time.Time { return fixedNow.Add(time.Hour) }
	n, err := mgr.ReleaseOnExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, provider.deleteCalls, res.VSID)

	_, getErr := store.Get(context.Background(), "s1")
	assert.ErrorIs(t, getErr, ErrNotFound)
}

func TestReleaseOnExpiryLeavesProviderIndexWhenNotConfigured(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Second, DeleteOnEvict: false}, nil, func() time.Time { return fixedNow })
	_, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)

	mgr.now = func() time.Time { return fixedNow.Add(time.Hour) }
	n, err := mgr.ReleaseOnExpiry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, provider.deleteCalls)
}

func TestAcquireEvictsLeastRecentlyRenewedWhenAtCapacity(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	fixedNow := time.Unix(1000, 0)
	mgr := NewManager(store, provider, Config{TTL: time.Hour, CapacitySafetyThreshold: 1}, nil, func() time.Time { return fixedNow })

	res1, err := mgr.Acquire(context.Background(), "victim", nil)
	require.NoError(t, err)

	_, err = mgr.Acquire(context.Background(), "newcomer", nil)
	require.NoError(t, err)

	assert.Contains(t, provider.deleteCalls, res1.VSID, "at-capacity acquire must evict the existing record before creating a new index")
	_, getErr := store.Get(context.Background(), "victim")
	assert.ErrorIs(t, getErr, ErrNotFound)
}

func TestAcquireBelowCapacityDoesNotEvict(t *testing.T) {
	store, provider := newFakeStore(), newFakeProvider()
	mgr := NewManager(store, provider, Config{TTL: time.Hour, CapacitySafetyThreshold: 10}, nil, nil)

	_, err := mgr.Acquire(context.Background(), "s1", nil)
	require.NoError(t, err)
	_, err = mgr.Acquire(context.Background(), "s2", nil)
	require.NoError(t, err)

	assert.Empty(t, provider.deleteCalls)
}
