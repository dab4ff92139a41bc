// Package sqlite opens the single shared SQLite database file that backs
// the session cache, vector-store metadata, and job queue. It configures
// WAL mode so reads never block on a writer and exposes a small connection
// pool sized for a single-writer workload.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures the shared database handle.
type Options struct {
	// Path is the filesystem path to the database file.
	Path string

	// BusyTimeout bounds how long a writer waits for another writer's
	// transaction to release the single write lock WAL mode still requires.
	BusyTimeout time.Duration
}

// Open returns a *sql.DB configured for WAL mode with a single writer and
// multiple concurrent readers: WAL-mode connections, one writer at a time
// per connection.
func Open(opts Options) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", opts.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", opts.Path, err)
	}
	// modernc.org/sqlite serializes at the driver level; keep a small pool so
	// readers don't queue behind each other, but writers naturally serialize
	// via SQLite's own locking.
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. All writes in the broker go through small
// transactions like this one; fn should do the minimal work needed so no
// transaction runs long.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
