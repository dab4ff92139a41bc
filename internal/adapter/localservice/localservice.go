// Package localservice implements the in-process local-service adapters:
// token counter, job control, and a setup helper. Grounded on the original
// services (original_source's
// mcp_the_force/local_services/async_jobs_service.py for start/poll/cancel
// job, and setup_claude_code.py for the setup helper); these bypass the
// network and return as soon as the in-process call completes.
package localservice

import (
	"context"
	"fmt"
	"os"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
	mcpcontext "github.com/goadesign/force-broker/internal/context"
	"github.com/goadesign/force-broker/internal/memory"
)

// JobController is the subset of the job queue a local service needs;
// implemented by jobs.Queue.
type JobController interface {
	Enqueue(ctx context.Context, toolID string, payload map[string]any, maxRuntimeS int) (jobID string, err error)
	Get(ctx context.Context, jobID string) (status string, result map[string]any, errorText string, found bool, err error)
	Cancel(ctx context.Context, jobID string) error
}

// StartJobAdapter implements adapter.Adapter for the start_job tool
// (mirrors StartJobService.execute).
type StartJobAdapter struct {
	Jobs JobController
}

// Call implements adapter.Adapter.
func (a *StartJobAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	targetTool, _ := req.AdapterKwargs["target_tool"].(string)
	if targetTool == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.localservice", "target_tool is required", nil)
	}
	payload, _ := req.AdapterKwargs["args"].(map[string]any)
	maxRuntime := 3600
	if v, ok := req.AdapterKwargs["max_runtime_s"].(float64); ok {
		maxRuntime = int(v)
	}
	jobID, err := a.Jobs.Enqueue(ctx, targetTool, payload, maxRuntime)
	if err != nil {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.localservice", "enqueue failed", err)
	}
	return adapter.Result{Structured: map[string]any{
		"job_id":             jobID,
		"status":             "pending",
		"poll_after_seconds": 5,
	}}, nil
}

// PollJobAdapter implements adapter.Adapter for the poll_job tool.
type PollJobAdapter struct {
	Jobs JobController
}

// Call implements adapter.Adapter.
func (a *PollJobAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	jobID, _ := req.AdapterKwargs["job_id"].(string)
	if jobID == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.localservice", "job_id is required", nil)
	}
	status, result, errorText, found, err := a.Jobs.Get(ctx, jobID)
	if err != nil {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.localservice", "job lookup failed", err)
	}
	if !found {
		return adapter.Result{Structured: map[string]any{"error": "job_not_found"}}, nil
	}
	structured := map[string]any{"job_id": jobID, "status": status}
	if result != nil {
		structured["result"] = result
	}
	if errorText != "" {
		structured["error_text"] = errorText
	}
	return adapter.Result{Structured: structured}, nil
}

// RunningCanceller aborts a job's in-flight context if it is the one
// currently executing; implemented by jobs.Worker.
type RunningCanceller interface {
	CancelRunning(jobID string)
}

// CancelJobAdapter implements adapter.Adapter for the cancel_job tool.
// Cancelling an already-terminal job is a no-op; the queue enforces that,
// not this adapter.
type CancelJobAdapter struct {
	Jobs JobController
	// Worker aborts the job's context immediately if it is the one
	// currently executing. Optional: if nil, a running job is left to
	// finish on its own and only its terminal status is marked cancelled,
	// matching the original service's DB-only cancel.
	Worker RunningCanceller
}

// Call implements adapter.Adapter.
func (a *CancelJobAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	jobID, _ := req.AdapterKwargs["job_id"].(string)
	if jobID == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.localservice", "job_id is required", nil)
	}
	if err := a.Jobs.Cancel(ctx, jobID); err != nil {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.localservice", "cancel failed", err)
	}
	if a.Worker != nil {
		a.Worker.CancelRunning(jobID)
	}
	return adapter.Result{Structured: map[string]any{"job_id": jobID, "status": "cancelled_requested"}}, nil
}

// TokenCounterAdapter implements count_project_tokens: sums token
// estimates for every path in the call's adapter-routed "items"
// argument without creating any vector store (it is a pure local
// computation).
type TokenCounterAdapter struct {
	Tokenizer mcpcontext.Tokenizer
}

// Call implements adapter.Adapter.
func (a *TokenCounterAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	rawItems, _ := req.AdapterKwargs["items"].([]any)
	if len(rawItems) == 0 {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.localservice", "items is required", nil)
	}
	paths := make([]string, 0, len(rawItems))
	for _, it := range rawItems {
		if s, ok := it.(string); ok {
			paths = append(paths, s)
		}
	}
	refs, warnings := mcpcontext.Gather(paths, nil)
	tok := a.Tokenizer
	if tok == nil {
		tok = mcpcontext.CharRatioTokenizer{}
	}
	total := 0
	for _, ref := range refs {
		if ref.IsBinary {
			continue
		}
		select {
		case <-ctx.Done():
			return adapter.Result{}, ctx.Err()
		default:
		}
		data, err := os.ReadFile(ref.AbsPath)
		if err != nil {
			continue
		}
		total += tok.EstimateTokens(data)
	}
	structured := map[string]any{"total_tokens": total, "file_count": len(refs)}
	if len(warnings) > 0 {
		msgs := make([]string, len(warnings))
		for i, w := range warnings {
			msgs[i] = fmt.Sprintf("%s: %s", w.Path, w.Message)
		}
		structured["warnings"] = msgs
	}
	return adapter.Result{Structured: structured}, nil
}

// SetupAdapter implements the setup_claude_code local helper: it
// provisions whatever local configuration a CLI agent needs before first
// use (e.g. writing a settings file) and reports success. The original
// Python equivalent (setup_claude_code.py) performs filesystem setup only,
// no network calls; this mirrors that scope.
type SetupAdapter struct {
	// Setup performs the actual provisioning; injected so tests can stub
	// it out without touching the filesystem.
	Setup func(ctx context.Context, kwargs map[string]any) error
}

// Call implements adapter.Adapter.
func (a *SetupAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if a.Setup == nil {
		return adapter.Result{}, apperr.New(apperr.KindInternal, "adapter.localservice", "no setup function configured", nil)
	}
	if err := a.Setup(ctx, req.AdapterKwargs); err != nil {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.localservice", "setup failed", err)
	}
	return adapter.Result{Structured: map[string]any{"status": "ok"}}, nil
}

// MemorySearchAdapter implements both search_project_memory and
// search_session_attachments: both run the same similarity query against
// the provider-backed memory index and return hit lists. Scope is
// distinguished purely by the caller's query text/session_id argument, not
// by separate code paths.
type MemorySearchAdapter struct {
	Recorder *memory.Recorder
}

// Call implements adapter.Adapter.
func (a *MemorySearchAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	query, _ := req.AdapterKwargs["query"].(string)
	if query == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.localservice", "query is required", nil)
	}
	limit := 10
	if v, ok := req.AdapterKwargs["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	hits, err := a.Recorder.Search(ctx, query, limit)
	if err != nil {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.localservice", "memory search failed", err)
	}
	results := make([]map[string]any, len(hits))
	for i, h := range hits {
		results[i] = map[string]any{
			"memory_id":    h.MemoryID,
			"session_id":   h.SessionID,
			"summary_text": h.SummaryText,
			"score":        h.Score,
		}
	}
	return adapter.Result{Structured: map[string]any{"results": results}}, nil
}
