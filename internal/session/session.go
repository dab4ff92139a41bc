// Package session implements the session continuity cache: a persistent
// mapping from a caller-chosen session_id to provider continuation state and
// a compacted message history, shared across model families.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// ProviderFamily identifies which continuation-token dialect a session's
	// ContinuationToken speaks. A session can be continued natively only by
	// an adapter of the same family; other families start a fresh provider
	// turn while still reusing CompactedHistory.
	ProviderFamily string

	// Turn is one exchange kept in the compacted history.
	Turn struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}

	// Record is the persisted state for one session_id.
	Record struct {
		SessionID string `json:"session_id"`

		// ProviderFamily names the dialect ContinuationToken is written in.
		ProviderFamily ProviderFamily `json:"provider_family"`

		// ContinuationToken is an opaque provider-native value that resumes
		// the conversation on the next call to an adapter of the same
		// family. It unifies what upstream SDKs variously call a response
		// id or a thread id: the mapping from family to the specific token
		// dialect lives in ProviderFamily, not in the field name.
		ContinuationToken string `json:"continuation_token"`

		CompactedHistory []Turn `json:"compacted_history"`

		// VectorStoreID is the id of the provider-side vector index
		// associated with this session's overflow set, if one has been
		// created.
		VectorStoreID string `json:"vector_store_id,omitempty"`

		// InlineFileFingerprints is the stable inline set: content hashes
		// of files that should remain inlined across calls in this session
		// for cache locality across calls.
		InlineFileFingerprints map[string]struct{} `json:"-"`

		LastSeenEpoch int64 `json:"last_seen_epoch"`
		TTLEpoch      int64 `json:"ttl_epoch"`
	}

	// Store persists session records. Implementations must serialize writes
	// per session_id: at any instant at most one call may be mutating a
	// given record.
	Store interface {
		// Get loads a session record. Returns ErrNotFound if none exists or
		// it has expired (TTLEpoch in the past).
		Get(ctx context.Context, sessionID string) (Record, error)

		// Upsert atomically replaces the record for sessionID.
		Upsert(ctx context.Context, rec Record) error

		// Touch bumps LastSeenEpoch without altering other fields; TTLEpoch
		// is left as it is. Returns ErrNotFound if no record exists.
		Touch(ctx context.Context, sessionID string, now time.Time) error

		// Invalidate removes a session record immediately, regardless of
		// TTL.
		Invalidate(ctx context.Context, sessionID string) error

		// SweepExpired deletes every record whose TTLEpoch has passed as of
		// now, returning the count removed.
		SweepExpired(ctx context.Context, now time.Time) (int, error)
	}
)

// Known provider families and the continuation-token dialect each one
// writes into Record.ContinuationToken, made explicit here rather than
// left implicit in the field name:
//   - FamilyOpenAI: an OpenAI response id.
//   - FamilyGemini: a Gemini chat session handle.
//   - FamilyAnthropic: an Anthropic message id used for prompt caching.
//   - FamilyCodex: a Codex CLI agent thread id.
const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyGemini    ProviderFamily = "gemini"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyCodex     ProviderFamily = "codex"
)

// ErrNotFound is returned by Store.Get when a session does not exist or has
// expired.
var ErrNotFound = errors.New("session: not found")

// CloneRecord returns a deep copy of rec so callers mutating the result
// cannot corrupt a Store's internal state (mirrors the in-memory Store's
// clone-on-read discipline).
func CloneRecord(rec Record) Record {
	out := rec
	if len(rec.CompactedHistory) > 0 {
		out.CompactedHistory = make([]Turn, len(rec.CompactedHistory))
		copy(out.CompactedHistory, rec.CompactedHistory)
	}
	if len(rec.InlineFileFingerprints) > 0 {
		out.InlineFileFingerprints = make(map[string]struct{}, len(rec.InlineFileFingerprints))
		for k := range rec.InlineFileFingerprints {
			out.InlineFileFingerprints[k] = struct{}{}
		}
	}
	return out
}

// Expired reports whether rec's TTL has passed as of now.
func (r Record) Expired(now time.Time) bool {
	return r.TTLEpoch > 0 && now.Unix() > r.TTLEpoch
}
