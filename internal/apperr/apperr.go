// Package apperr implements the broker's error taxonomy: a small set of
// abstract kinds that drive retry and user-visibility decisions,
// independent of which provider or subsystem raised the error. Grounded on
// the ProviderError/ProviderErrorKind shape
// (runtime/agent/model/provider_error.go), generalized from "provider
// failures only" to every subsystem kind the broker raises.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's abstract error categories.
type Kind string

const (
	// KindTransientNetwork indicates a network-level failure where a retry
	// with backoff may succeed.
	KindTransientNetwork Kind = "transient_network"
	// KindRateLimited indicates the upstream is throttling requests.
	KindRateLimited Kind = "rate_limited"
	// KindUpstreamTimeout indicates an upstream call exceeded its deadline.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindFatalClientInput indicates the caller's input cannot succeed no
	// matter how many times it is retried.
	KindFatalClientInput Kind = "fatal_client_input"
	// KindParsing indicates malformed wire data (bad JSON, bad schema).
	KindParsing Kind = "parsing"
	// KindInvalidRequest indicates a request that fails validation against
	// the tool registry or a JSON Schema.
	KindInvalidRequest Kind = "invalid_request"
	// KindConfiguration indicates bad or missing configuration.
	KindConfiguration Kind = "configuration"
	// KindInitialization indicates a failure during startup wiring.
	KindInitialization Kind = "initialization"
	// KindToolExecution indicates a tool's handler failed during execution.
	KindToolExecution Kind = "tool_execution"
	// KindInternal indicates an unclassified internal failure.
	KindInternal Kind = "internal"
)

// Retryable reports whether errors of this kind are, in general, worth
// retrying with backoff.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindUpstreamTimeout:
		return true
	default:
		return false
	}
}

// UserVisible reports whether this kind terminates the call (not the
// process) without retry: fatal-client, parsing, invalid-request, and
// tool-execution surface immediately as isError:true results.
func (k Kind) UserVisible() bool {
	switch k {
	case KindFatalClientInput, KindParsing, KindInvalidRequest, KindToolExecution:
		return true
	default:
		return false
	}
}

// Error carries a taxonomy Kind plus enough context for logging without
// exposing internals to the client. It crosses every package boundary in
// the broker so callers can make retry/surface decisions on Kind alone.
type Error struct {
	kind      Kind
	component string
	message   string
	requestID string
	cause     error
}

// New constructs an Error. kind and message are required; component and
// requestID are optional context for logs; cause may be nil.
func New(kind Kind, component, message string, cause error) *Error {
	if kind == "" {
		panic("apperr: kind is required")
	}
	return &Error{kind: kind, component: component, message: message, cause: cause}
}

// WithRequestID returns a copy of e annotated with a request id for log
// correlation.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.requestID = id
	return &cp
}

// Kind returns the taxonomy classification.
func (e *Error) Kind() Kind { return e.kind }

// Component returns the subsystem that raised the error, when known.
func (e *Error) Component() string { return e.component }

// RequestID returns the associated request id, when known.
func (e *Error) RequestID() string { return e.requestID }

// Retryable reports whether the error's kind is generally retryable.
func (e *Error) Retryable() bool { return e.kind.Retryable() }

func (e *Error) Error() string {
	comp := e.component
	if comp == "" {
		comp = "broker"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "error"
	}
	return fmt.Sprintf("%s: %s: %s", comp, e.kind, msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// As returns the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, otherwise KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindInternal
}
