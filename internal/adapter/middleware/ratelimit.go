// Package middleware provides reusable adapter.Adapter middlewares, chiefly
// adaptive rate limiting: an AIMD token-bucket shape (halve on rate-limit
// signal, additively recover on success, golang.org/x/time/rate
// underneath). Cross-instance cluster coordination is intentionally not
// part of this: the broker is single-process, so there is no second
// process to coordinate with (see DESIGN.md).
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of an
// adapter.Adapter: it estimates the token cost of each call, blocks until
// capacity is available, and halves its effective tokens-per-minute budget
// whenever the wrapped adapter reports a rate-limited error, recovering
// additively on every successful call.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a process-local limiter with an
// initial and maximum tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns an adapter.Adapter that enforces the limiter in front of
// next.
func (l *AdaptiveRateLimiter) Wrap(next adapter.Adapter) adapter.Adapter {
	return &limitedAdapter{next: next, limiter: l}
}

type limitedAdapter struct {
	next    adapter.Adapter
	limiter *AdaptiveRateLimiter
}

func (a *limitedAdapter) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	tokens := estimateTokens(req)
	if err := a.limiter.limiter.WaitN(ctx, tokens); err != nil {
		return adapter.Result{}, err
	}
	resp, err := a.next.Call(ctx, req)
	a.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind() == apperr.KindRateLimited {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic over the rendered prompt and the
// compacted history it replays, using a fixed chars-per-token ratio and a
// fixed framing buffer.
func estimateTokens(req adapter.Request) int {
	charCount := len(req.RenderedPrompt)
	if req.Session != nil {
		for _, turn := range req.Session.CompactedHistory {
			charCount += len(turn.Text)
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
