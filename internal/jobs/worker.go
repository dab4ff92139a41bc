package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/goadesign/force-broker/internal/telemetry"
)

// Dispatcher runs a single tool call to completion; it's the hook the
// worker uses to reach the broker's own dispatch machinery without this
// package importing it back (the router/adapter stack depends on nothing
// here, so the dependency only runs one way).
type Dispatcher interface {
	Dispatch(ctx context.Context, toolID string, kwargs map[string]any) (map[string]any, error)
}

// Worker drains the queue with a single goroutine ("single worker... jobs execute strictly one at a time"), running each claimed
// job under a context that Cancel can abort mid-flight.
type Worker struct {
	queue      *Queue
	dispatch   Dispatcher
	log        telemetry.Logger
	pollEvery  time.Duration
	mu         sync.Mutex
	runningJob string
	cancelRun  context.CancelFunc
}

// NewWorker builds a Worker over queue, dispatching claimed jobs through
// dispatch and polling for new work every pollEvery when idle.
func NewWorker(queue *Queue, dispatch Dispatcher, log telemetry.Logger, pollEvery time.Duration) *Worker {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Worker{queue: queue, dispatch: dispatch, log: log, pollEvery: pollEvery}
}

// Run claims and executes jobs until ctx is cancelled. It never returns an
// error for a failed job — failures are recorded on the job row, not
// propagated to the caller, since a broken job must not stop the queue.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for w.runOnce(ctx) {
				// drain back-to-back pending jobs before waiting on the ticker again
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// runOnce claims and executes at most one job, reporting whether a job
// was claimed (so Run can keep draining without waiting for the ticker).
func (w *Worker) runOnce(ctx context.Context) bool {
	claimed, err := w.queue.ClaimNextPending(ctx)
	if err != nil {
		if w.log != nil {
			w.log.Error(ctx, "jobs: claim failed", "error", err)
		}
		return false
	}
	if claimed == nil {
		return false
	}

	runCtx := ctx
	if claimed.MaxRuntimeS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(claimed.MaxRuntimeS)*time.Second)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(runCtx)
	defer cancelRun()

	w.mu.Lock()
	w.runningJob = claimed.JobID
	w.cancelRun = cancelRun
	w.mu.Unlock()

	result, callErr := w.dispatch.Dispatch(runCtx, claimed.ToolID, claimed.Payload)

	w.mu.Lock()
	w.runningJob = ""
	w.cancelRun = nil
	w.mu.Unlock()

	if callErr != nil {
		if runCtx.Err() != nil {
			_ = w.queue.Cancel(ctx, claimed.JobID)
		} else {
			_ = w.queue.Fail(ctx, claimed.JobID, callErr.Error())
		}
		return true
	}
	_ = w.queue.Complete(ctx, claimed.JobID, result)
	return true
}

// CancelRunning aborts the in-flight job's context if jobID is the one
// currently executing; otherwise Cancel on the queue alone is enough
// since the job hasn't started running yet.
func (w *Worker) CancelRunning(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runningJob == jobID && w.cancelRun != nil {
		w.cancelRun()
	}
}
