// Package sqlitestore implements vectorstore.Store against the broker's
// shared SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goadesign/force-broker/internal/vectorstore"
)

// Store persists vectorstore.Record rows in the vector_stores table.
type Store struct {
	db *sql.DB
}

// New wraps db, which must already have had the vector_stores migration
// applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanRecord(scan func(dest ...any) error) (vectorstore.Record, error) {
	var (
		sessionID, vsID, hashesJSON string
		created, renewed, expires   int64
	)
	if err := scan(&sessionID, &vsID, &hashesJSON, &created, &renewed, &expires); err != nil {
		return vectorstore.Record{}, err
	}
	var hashes []string
	if err := json.Unmarshal([]byte(hashesJSON), &hashes); err != nil {
		return vectorstore.Record{}, fmt.Errorf("vector_stores: decode file_hashes: %w", err)
	}
	rec := vectorstore.Record{
		SessionID:        sessionID,
		VSID:             vsID,
		FileHashes:       make(map[string]struct{}, len(hashes)),
		CreatedEpoch:     created,
		LastRenewedEpoch: renewed,
		ExpiresEpoch:     expires,
	}
	for _, h := range hashes {
		rec.FileHashes[h] = struct{}{}
	}
	return rec, nil
}

// Get implements vectorstore.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (vectorstore.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, vs_id, file_hashes, created_epoch, last_renewed_epoch, expires_epoch
		FROM vector_stores WHERE session_id = ?`, sessionID)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return vectorstore.Record{}, vectorstore.ErrNotFound
	}
	if err != nil {
		return vectorstore.Record{}, fmt.Errorf("vector_stores: get %s: %w", sessionID, err)
	}
	return rec, nil
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, rec vectorstore.Record) error {
	hashes := make([]string, 0, len(rec.FileHashes))
	for h := range rec.FileHashes {
		hashes = append(hashes, h)
	}
	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("vector_stores: encode file_hashes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_stores(session_id, vs_id, file_hashes, created_epoch, last_renewed_epoch, expires_epoch)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			vs_id=excluded.vs_id,
			file_hashes=excluded.file_hashes,
			created_epoch=excluded.created_epoch,
			last_renewed_epoch=excluded.last_renewed_epoch,
			expires_epoch=excluded.expires_epoch`,
		rec.SessionID, rec.VSID, string(hashesJSON), rec.CreatedEpoch, rec.LastRenewedEpoch, rec.ExpiresEpoch)
	if err != nil {
		return fmt.Errorf("vector_stores: upsert %s: %w", rec.SessionID, err)
	}
	return nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_stores WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("vector_stores: delete %s: %w", sessionID, err)
	}
	return nil
}

// ListExpired implements vectorstore.Store.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]vectorstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, vs_id, file_hashes, created_epoch, last_renewed_epoch, expires_epoch
		FROM vector_stores WHERE expires_epoch < ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("vector_stores: list expired: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListLeastRecentlyRenewed implements vectorstore.Store.
func (s *Store) ListLeastRecentlyRenewed(ctx context.Context, limit int) ([]vectorstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, vs_id, file_hashes, created_epoch, last_renewed_epoch, expires_epoch
		FROM vector_stores ORDER BY last_renewed_epoch ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("vector_stores: list lru: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]vectorstore.Record, error) {
	var out []vectorstore.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_stores`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vector_stores: count: %w", err)
	}
	return n, nil
}
