// Package jobs implements the async job queue: a
// SQLite-backed table of long-running tool invocations with a single
// writer goroutine, polled by poll_job/cancel_job local-service adapters.
// Grounded on the original queue (original_source's
// mcp_the_force/jobs/queue.py JobQueue): same columns, same
// enqueue/claim/complete/fail/cancel/get/cleanup_expired operations,
// translated from its asyncio+sqlite3 cache wrapper to Go's database/sql
// against the migrations/003_jobs.sql schema already in this tree.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is one of the job's terminal or in-flight states (
// "pending → running → {completed, failed, cancelled}").
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the states a job cannot leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("jobs: not found")

// Claimed is a job handed to a worker by ClaimNextPending.
type Claimed struct {
	JobID       string
	ToolID      string
	Payload     map[string]any
	MaxRuntimeS int
}

// Queue is the SQLite-backed job table. All methods are safe for
// concurrent use; claiming is serialized by SQLite's own locking plus the
// single-worker convention ("single worker... no
// concurrent claims").
type Queue struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// New builds a Queue around an already-migrated database handle. ttl is
// the default horizon used when a caller doesn't supply one (default jobs
// expire 24h after being enqueued, matching the original's default).
func New(db *sql.DB, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Queue{db: db, ttl: ttl, now: time.Now}
}

// Enqueue inserts a pending job and returns its generated id.
func (q *Queue) Enqueue(ctx context.Context, toolID string, payload map[string]any, maxRuntimeS int) (string, error) {
	if maxRuntimeS <= 0 {
		maxRuntimeS = 3600
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	now := q.now().Unix()
	expiresAt := now + int64(q.ttl/time.Second)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs(job_id, tool_id, payload, status, attempt_count, max_attempts,
		                  max_runtime_s, started_at, updated_at, expires_at)
		VALUES(?,?,?,?,0,1,?,NULL,?,?)`,
		jobID, toolID, string(payloadJSON), string(StatusPending), maxRuntimeS, now, expiresAt)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// ClaimNextPending atomically claims the oldest pending job, if any, and
// marks it running. Returns (nil, nil) when the queue is empty.
func (q *Queue) ClaimNextPending(ctx context.Context) (*Claimed, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var jobID, toolID, payloadJSON string
	var maxRuntime int
	row := tx.QueryRowContext(ctx, `
		SELECT job_id, tool_id, payload, max_runtime_s FROM jobs
		WHERE status = ? ORDER BY updated_at LIMIT 1`, string(StatusPending))
	if err := row.Scan(&jobID, &toolID, &payloadJSON, &maxRuntime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := q.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE job_id = ?`,
		string(StatusRunning), now, now, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, err
		}
	}
	return &Claimed{JobID: jobID, ToolID: toolID, Payload: payload, MaxRuntimeS: maxRuntime}, nil
}

// Complete marks jobID completed with result, unless it has already
// reached a terminal state. Terminal transitions are idempotent.
func (q *Queue) Complete(ctx context.Context, jobID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.transitionIfNotTerminal(ctx, jobID,
		`UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE job_id = ?`,
		string(StatusCompleted), string(resultJSON), q.now().Unix(), jobID)
}

// Fail marks jobID failed with errorText, unless already terminal.
func (q *Queue) Fail(ctx context.Context, jobID, errorText string) error {
	return q.transitionIfNotTerminal(ctx, jobID,
		`UPDATE jobs SET status = ?, error_text = ?, updated_at = ? WHERE job_id = ?`,
		string(StatusFailed), errorText, q.now().Unix(), jobID)
}

// Cancel requests cancellation of jobID. A no-op on an already-terminal
// job: cancel_job never resurrects a finished job into a
// cancelled one.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.transitionIfNotTerminal(ctx, jobID,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		string(StatusCancelled), q.now().Unix(), jobID)
}

// transitionIfNotTerminal runs query (whose final positional args end
// with job_id) only if the job's current status is not terminal, making
// every caller above idempotent once a job has finished.
func (q *Queue) transitionIfNotTerminal(ctx context.Context, jobID, query string, args ...any) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if Status(status).Terminal() {
		return nil
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns jobID's current status, result (if completed) and error
// text (if failed). found is false when no such job exists.
func (q *Queue) Get(ctx context.Context, jobID string) (status string, result map[string]any, errorText string, found bool, err error) {
	var resultJSON, errText sql.NullString
	row := q.db.QueryRowContext(ctx,
		`SELECT status, result, error_text FROM jobs WHERE job_id = ?`, jobID)
	scanErr := row.Scan(&status, &resultJSON, &errText)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", nil, "", false, nil
		}
		return "", nil, "", false, scanErr
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if jsonErr := json.Unmarshal([]byte(resultJSON.String), &result); jsonErr != nil {
			return "", nil, "", false, jsonErr
		}
	}
	return status, result, errText.String, true, nil
}

// CleanupExpired deletes jobs past their expiry horizon and reports how
// many rows were removed.
func (q *Queue) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at < ?`, q.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
