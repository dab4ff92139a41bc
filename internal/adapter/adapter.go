// Package adapter defines the uniform call surface over upstream model
// providers and local services. Concrete families
// (anthropic, openai, bedrock, cliagent, localservice) implement Adapter;
// the dispatcher and context assembler never import a specific family.
package adapter

import (
	"context"
)

// ImageFormat is the on-wire encoding of an Image attachment.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatWebP ImageFormat = "webp"
	ImageFormatGIF  ImageFormat = "gif"
)

// Image is a binary file classified as an image attachment by the context
// assembler, only for vision-capable tools.
type Image struct {
	Format ImageFormat
	Bytes  []byte
}

// SessionRecord is the subset of session.Record an adapter needs to
// resume or start a provider turn: a continuation token in the adapter's
// own family's dialect (or empty, if starting fresh) plus the compacted
// history every family can read regardless of token dialect.
type SessionRecord struct {
	ProviderFamily    string
	ContinuationToken string
	CompactedHistory  []Turn
}

// Turn is one entry of a session's compacted history.
type Turn struct {
	Role string
	Text string
}

// Request is everything an adapter call needs. Adapters must never
// mutate it.
type Request struct {
	ToolName              string
	ModelName             string
	RenderedPrompt        string
	AdapterKwargs         map[string]any
	VectorStoreIDs        []string
	Images                []Image
	StructuredOutputSchema map[string]any // nil when the call does not request structured output
	Session               *SessionRecord // nil when the tool call carries no session_id
	Timeout               int            // seconds; enforced by the caller via ctx, informational here
}

// Usage reports token accounting when the provider exposes it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Result is what a successful adapter call returns.
type Result struct {
	Text              string
	ContinuationToken string // empty if the family/tool does not support continuation
	Structured        map[string]any
	Usage             *Usage
}

// Adapter is the uniform call surface every provider family and local
// service implements. ctx carries the call's cancel signal: as soon as it
// is done, the adapter must abandon any upstream call in flight and
// return ctx.Err().
type Adapter interface {
	Call(ctx context.Context, req Request) (Result, error)
}

// StructuredOutputSupport describes how an adapter honors
// StructuredOutputSchema. Every adapter documents its choice.
type StructuredOutputSupport string

const (
	// StructuredOutputNative means the provider enforces the schema
	// server-side (e.g. a JSON-mode/tool-use constrained decode).
	StructuredOutputNative StructuredOutputSupport = "native"
	// StructuredOutputValidated means the adapter asks the model to
	// emit JSON and validates the response locally, failing hard on a
	// validation error.
	StructuredOutputValidated StructuredOutputSupport = "validated"
	// StructuredOutputUnsupported means the adapter raises an
	// unsupported error up front rather than attempting either strategy.
	StructuredOutputUnsupported StructuredOutputSupport = "unsupported"
)
