// Package sqlitestore implements session.Store on top of the broker's
// shared SQLite database. It is the durable counterpart to an in-memory
// store used only in tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goadesign/force-broker/internal/session"
)

// Store persists session.Record rows in the sessions table.
type Store struct {
	db *sql.DB
}

// New wraps db, which must already have had the sessions migration applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT provider_family, continuation_token, compacted_history,
		       vector_store_id, inline_file_fingerprints, last_seen_epoch, ttl_epoch
		FROM sessions WHERE session_id = ?`, sessionID)

	var (
		family, token, historyJSON, vsID, fingerprintsJSON string
		lastSeen, ttl                                      int64
	)
	if err := row.Scan(&family, &token, &historyJSON, &vsID, &fingerprintsJSON, &lastSeen, &ttl); err != nil {
		if err == sql.ErrNoRows {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, fmt.Errorf("sessions: get %s: %w", sessionID, err)
	}

	rec := session.Record{
		SessionID:         sessionID,
		ProviderFamily:    session.ProviderFamily(family),
		ContinuationToken: token,
		VectorStoreID:     vsID,
		LastSeenEpoch:     lastSeen,
		TTLEpoch:          ttl,
	}
	if err := json.Unmarshal([]byte(historyJSON), &rec.CompactedHistory); err != nil {
		return session.Record{}, fmt.Errorf("sessions: decode history: %w", err)
	}
	var fingerprints []string
	if err := json.Unmarshal([]byte(fingerprintsJSON), &fingerprints); err != nil {
		return session.Record{}, fmt.Errorf("sessions: decode fingerprints: %w", err)
	}
	if len(fingerprints) > 0 {
		rec.InlineFileFingerprints = make(map[string]struct{}, len(fingerprints))
		for _, f := range fingerprints {
			rec.InlineFileFingerprints[f] = struct{}{}
		}
	}
	if rec.Expired(time.Now()) {
		return session.Record{}, session.ErrNotFound
	}
	return rec, nil
}

// Upsert implements session.Store.
func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	historyJSON, err := json.Marshal(rec.CompactedHistory)
	if err != nil {
		return fmt.Errorf("sessions: encode history: %w", err)
	}
	fingerprints := make([]string, 0, len(rec.InlineFileFingerprints))
	for f := range rec.InlineFileFingerprints {
		fingerprints = append(fingerprints, f)
	}
	fingerprintsJSON, err := json.Marshal(fingerprints)
	if err != nil {
		return fmt.Errorf("sessions: encode fingerprints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, provider_family, continuation_token, compacted_history,
		                      vector_store_id, inline_file_fingerprints, last_seen_epoch, ttl_epoch)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			provider_family=excluded.provider_family,
			continuation_token=excluded.continuation_token,
			compacted_history=excluded.compacted_history,
			vector_store_id=excluded.vector_store_id,
			inline_file_fingerprints=excluded.inline_file_fingerprints,
			last_seen_epoch=excluded.last_seen_epoch,
			ttl_epoch=excluded.ttl_epoch`,
		rec.SessionID, string(rec.ProviderFamily), rec.ContinuationToken, string(historyJSON),
		rec.VectorStoreID, string(fingerprintsJSON), rec.LastSeenEpoch, rec.TTLEpoch)
	if err != nil {
		return fmt.Errorf("sessions: upsert %s: %w", rec.SessionID, err)
	}
	return nil
}

// Touch implements session.Store.
func (s *Store) Touch(ctx context.Context, sessionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_epoch = ? WHERE session_id = ?`, now.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("sessions: touch %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Invalidate implements session.Store.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: invalidate %s: %w", sessionID, err)
	}
	return nil
}

// SweepExpired implements session.Store.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE ttl_epoch > 0 AND ttl_epoch < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sessions: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
