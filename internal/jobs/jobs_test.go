package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE jobs(
		job_id TEXT PRIMARY KEY,
		tool_id TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		result TEXT,
		progress REAL,
		progress_msg TEXT,
		error_text TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		max_runtime_s INTEGER NOT NULL DEFAULT 3600,
		started_at INTEGER,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q := New(newTestDB(t), time.Hour)

	jobID, err := q.Enqueue(ctx, "count_project_tokens", map[string]any{"items": []any{"a.go"}}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	claimed, err := q.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, jobID, claimed.JobID)
	require.Equal(t, "count_project_tokens", claimed.ToolID)
	require.Equal(t, 3600, claimed.MaxRuntimeS)

	status, _, _, found, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(StatusRunning), status)
}

func TestClaimNextPendingEmptyQueue(t *testing.T) {
	q := New(newTestDB(t), time.Hour)
	claimed, err := q.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestCompleteIsIdempotentAfterTerminal(t *testing.T) {
	ctx := context.Background()
	q := New(newTestDB(t), time.Hour)
	jobID, err := q.Enqueue(ctx, "tool", nil, 0)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, jobID, "boom"))
	status, _, errText, found, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(StatusFailed), status)
	require.Equal(t, "boom", errText)

	// Completing an already-failed job is a silent no-op: terminal
	// transitions never resurrect a finished job.
	require.NoError(t, q.Complete(ctx, jobID, map[string]any{"ok": true}))
	status, _, errText, found, err = q.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(StatusFailed), status)
	require.Equal(t, "boom", errText)
}

func TestCancelAlreadyTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	q := New(newTestDB(t), time.Hour)
	jobID, err := q.Enqueue(ctx, "tool", nil, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, jobID, map[string]any{"x": 1}))

	require.NoError(t, q.Cancel(ctx, jobID))

	status, result, _, found, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(StatusCompleted), status)
	require.Equal(t, map[string]any{"x": float64(1)}, result)
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	q := New(newTestDB(t), time.Hour)
	err := q.Cancel(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownJobReturnsNotFoundFalse(t *testing.T) {
	q := New(newTestDB(t), time.Hour)
	_, _, _, found, err := q.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCleanupExpiredRemovesOldRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fixedNow := time.Unix(1000, 0)
	q := &Queue{db: db, ttl: time.Second, now: func() time.Time { return fixedNow }}

	jobID, err := q.Enqueue(ctx, "tool", nil, 0)
	require.NoError(t, err)

	// Advance the clock past the 1s TTL.
	q.now = func() time.Time { return fixedNow.Add(time.Hour) }
	n, err := q.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, _, _, found, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
}
