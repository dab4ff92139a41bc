package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goadesign/force-broker/internal/telemetry"
)

// Config controls lease lifetime and eviction behavior.
type Config struct {
	// TTL is how long a lease survives without renewal.
	TTL time.Duration
	// CapacitySafetyThreshold triggers forced eviction of the
	// least-recently-renewed entry when the provider's index count is at
	// or above this value before a new index would be created.
	CapacitySafetyThreshold int
	// DeleteOnEvict deletes the provider-side index when a local record
	// is swept for expiry. When false, only the local record is removed
	// and the provider index is left for the provider's own GC, unless
	// the capacity check forces eviction regardless.
	DeleteOnEvict bool
}

// Manager implements the acquire/renew/sweep/capacity-check operations for
// a session's provider-side vector store lease. Acquire is serialized per
// session_id and fully concurrent across sessions, mirroring the per-key
// critical section used by session.Manager for continuation records.
type Manager struct {
	store    Store
	provider Provider
	cfg      Config
	log      telemetry.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager. now defaults to time.Now when nil.
func NewManager(store Store, provider Provider, cfg Config, log telemetry.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Manager{
		store:    store,
		provider: provider,
		cfg:      cfg,
		log:      log,
		now:      now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// Acquire reserves the vector-store slot for sessionID, extending its lease
// if a live record exists, uploading only files missing from the record's
// file_hashes set (content-hash dedup), and creating a fresh index
// (subject to the capacity check) if none exists yet.
func (m *Manager) Acquire(ctx context.Context, sessionID string, overflow []FileRef) (AcquireResult, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil && err != ErrNotFound {
		return AcquireResult{}, err
	}
	exists := err == nil && !rec.Expired(now)

	if !exists {
		if err := m.enforceCapacity(ctx); err != nil {
			return AcquireResult{}, fmt.Errorf("vectorstore: capacity check: %w", err)
		}
		vsID, err := m.provider.CreateIndex(ctx)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("vectorstore: create index: %w", err)
		}
		rec = Record{
			SessionID:        sessionID,
			VSID:             vsID,
			FileHashes:       make(map[string]struct{}),
			CreatedEpoch:     now.Unix(),
			LastRenewedEpoch: now.Unix(),
			ExpiresEpoch:     now.Add(m.cfg.TTL).Unix(),
		}
	} else {
		rec.LastRenewedEpoch = now.Unix()
		rec.ExpiresEpoch = now.Add(m.cfg.TTL).Unix()
		if rec.FileHashes == nil {
			rec.FileHashes = make(map[string]struct{})
		}
	}

	var missing []FileRef
	for _, f := range overflow {
		if _, ok := rec.FileHashes[f.Hash]; !ok {
			missing = append(missing, f)
		}
	}

	var uploaded []string
	if len(missing) > 0 {
		if err := m.provider.UploadFiles(ctx, rec.VSID, missing); err != nil {
			// Partial uploads may have already landed on the provider; the
			// caller retries, and re-upload is idempotent there via
			// content-hash dedup. We do not record any of this batch
			// locally since we cannot tell which succeeded.
			if persistErr := m.store.Upsert(ctx, rec); persistErr != nil {
				m.log.Error(ctx, "vectorstore: persist lease after partial upload failure", "session_id", sessionID, "error", persistErr)
			}
			return AcquireResult{}, fmt.Errorf("vectorstore: upload: %w", err)
		}
		for _, f := range missing {
			rec.FileHashes[f.Hash] = struct{}{}
			uploaded = append(uploaded, f.Hash)
		}
	}

	if err := m.store.Upsert(ctx, rec); err != nil {
		return AcquireResult{}, fmt.Errorf("vectorstore: upsert lease: %w", err)
	}
	return AcquireResult{VSID: rec.VSID, UploadedDeltas: uploaded}, nil
}

// Renew refreshes a session's lease without changing its file set.
func (m *Manager) Renew(ctx context.Context, sessionID string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.now()
	rec.LastRenewedEpoch = now.Unix()
	rec.ExpiresEpoch = now.Add(m.cfg.TTL).Unix()
	return m.store.Upsert(ctx, rec)
}

// ReleaseOnExpiry sweeps locally expired records. When DeleteOnEvict is set
// the provider-side index is deleted too; otherwise only the local lease is
// dropped and the provider is left to garbage-collect it on its own.
func (m *Manager) ReleaseOnExpiry(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if m.cfg.DeleteOnEvict {
			if err := m.provider.DeleteIndex(ctx, rec.VSID); err != nil {
				m.log.Error(ctx, "vectorstore: delete provider index during sweep", "session_id", rec.SessionID, "vs_id", rec.VSID, "error", err)
			}
		}
		if err := m.store.Delete(ctx, rec.SessionID); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// enforceCapacity evicts the least-recently-renewed entry when the
// provider's index count is at or above the configured safety threshold,
// so the upcoming CreateIndex call does not hit the provider's hard cap.
func (m *Manager) enforceCapacity(ctx context.Context) error {
	if m.cfg.CapacitySafetyThreshold <= 0 {
		return nil
	}
	count, err := m.provider.CountIndexes(ctx)
	if err != nil {
		return err
	}
	if count < m.cfg.CapacitySafetyThreshold {
		return nil
	}
	candidates, err := m.store.ListLeastRecentlyRenewed(ctx, 1)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastRenewedEpoch < candidates[j].LastRenewedEpoch
	})
	victim := candidates[0]
	if err := m.provider.DeleteIndex(ctx, victim.VSID); err != nil {
		return fmt.Errorf("evict %s: %w", victim.SessionID, err)
	}
	return m.store.Delete(ctx, victim.SessionID)
}
