// Package memory implements the post-call memory subsystem: a
// write-once, long-lived record of each exchange, stored locally for
// bookkeeping and pushed to a provider-side vector index for similarity
// retrieval. Grounded on safe_memory.py's
// safe_store_conversation_memory, generalized from "swallow every
// exception" into a proper fire-and-forget recorder with its own short
// timeout, since a Go goroutine has no enclosing request to silently
// outlive the way the original's asyncio background task did.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/force-broker/internal/telemetry"
)

// Entry is one memory record.
type Entry struct {
	MemoryID        string
	SessionID       string
	ToolName        string
	SummaryText     string
	EmbeddingHandle string
	CreatedEpoch    int64
}

// Store persists memory entries locally. Entries are write-once: there is
// no update operation.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	ListBySession(ctx context.Context, sessionID string) ([]Entry, error)
}

// SearchHit is one result from a similarity search.
type SearchHit struct {
	MemoryID    string
	SessionID   string
	SummaryText string
	Score       float64
}

// Provider delegates summarization-to-embedding and similarity search to
// the upstream AI provider.
type Provider interface {
	Index(ctx context.Context, sessionID, toolName, summaryText string) (embeddingHandle string, err error)
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// Summarizer turns a completed exchange into the compact text stored as a
// memory entry's summary.
type Summarizer func(sessionID, toolName string, messages []string, response string) string

// Recorder stores a memory entry for each successful tool call, off the
// request's own goroutine so it never delays the response, and never
// surfaces a failure to the caller: a failed memory write never fails an
// otherwise-successful user call.
type Recorder struct {
	Store      Store
	Provider   Provider
	Summarize  Summarizer
	Log        telemetry.Logger
	NowEpoch   func() int64
	WriteTimeout time.Duration
}

// NewRecorder builds a Recorder with a ~5s memory-write timeout.
func NewRecorder(store Store, provider Provider, summarize Summarizer, log telemetry.Logger) *Recorder {
	return &Recorder{
		Store:        store,
		Provider:     provider,
		Summarize:    summarize,
		Log:          log,
		NowEpoch:     func() int64 { return time.Now().Unix() },
		WriteTimeout: 5 * time.Second,
	}
}

// RecordAsync launches the memory write in its own goroutine with a fresh
// timeout context, detached from the caller's request context so
// cancellation of the triggering call cannot be observed here — by the
// time this runs the call already succeeded. A cancelled call skips
// memory storage entirely, so callers must only invoke RecordAsync after
// a successful response.
func (r *Recorder) RecordAsync(sessionID, toolName string, messages []string, response string) {
	if r == nil || r.Store == nil || r.Provider == nil {
		return
	}
	go r.record(sessionID, toolName, messages, response)
}

func (r *Recorder) record(sessionID, toolName string, messages []string, response string) {
	defer func() {
		if rec := recover(); rec != nil && r.Log != nil {
			r.Log.Warn(context.Background(), "memory: recovered panic", "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.WriteTimeout)
	defer cancel()

	summary := toolName
	if r.Summarize != nil {
		summary = r.Summarize(sessionID, toolName, messages, response)
	}

	handle, err := r.Provider.Index(ctx, sessionID, toolName, summary)
	if err != nil {
		if r.Log != nil {
			r.Log.Warn(ctx, "memory: provider index failed", "session_id", sessionID, "error", err)
		}
		return
	}

	entry := Entry{
		MemoryID:        uuid.NewString(),
		SessionID:       sessionID,
		ToolName:        toolName,
		SummaryText:     summary,
		EmbeddingHandle: handle,
		CreatedEpoch:    r.NowEpoch(),
	}
	if err := r.Store.Insert(ctx, entry); err != nil && r.Log != nil {
		r.Log.Warn(ctx, "memory: local insert failed", "session_id", sessionID, "error", err)
	}
}

// Search runs a similarity query through the provider (used by the
// search_project_memory and search_session_attachments tools). Indexing
// is eventually consistent: a recent write may not yet be visible.
func (r *Recorder) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	return r.Provider.Search(ctx, query, limit)
}
