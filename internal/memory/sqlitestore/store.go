// Package sqlitestore is the SQLite-backed memory.Store, matching the
// migrations/004_memory.sql schema.
package sqlitestore

import (
	"context"
	"database/sql"

	"github.com/goadesign/force-broker/internal/memory"
)

// Store implements memory.Store over a *sql.DB.
type Store struct {
	db *sql.DB
}

// New builds a Store around an already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert implements memory.Store.
func (s *Store) Insert(ctx context.Context, e memory.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries(memory_id, session_id, tool_name, summary_text, embedding_handle, created_epoch)
		VALUES(?,?,?,?,?,?)`,
		e.MemoryID, e.SessionID, e.ToolName, e.SummaryText, e.EmbeddingHandle, e.CreatedEpoch)
	return err
}

// ListBySession implements memory.Store.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, session_id, tool_name, summary_text, embedding_handle, created_epoch
		FROM memory_entries WHERE session_id = ? ORDER BY created_epoch`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []memory.Entry
	for rows.Next() {
		var e memory.Entry
		if err := rows.Scan(&e.MemoryID, &e.SessionID, &e.ToolName, &e.SummaryText, &e.EmbeddingHandle, &e.CreatedEpoch); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
