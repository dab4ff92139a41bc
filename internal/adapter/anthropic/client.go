// Package anthropic adapts the Anthropic family to adapter.Adapter.
// Grounded on the Anthropic adapter shape
// (features/model/anthropic/client.go): a MessagesClient interface over
// *sdk.MessageService, Options/New/NewFromAPIKey constructors, a
// non-streaming Messages.New call translated into the uniform result
// shape.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
	"github.com/goadesign/force-broker/internal/schemavalidate"
)

// MessagesClient captures the subset of the Anthropic SDK used here.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// RetryPolicy bounds the adapter's retry-with-backoff loop.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Options configures the adapter.
type Options struct {
	MaxTokens   int64
	Temperature float64
	Retry       RetryPolicy
}

// Client implements adapter.Adapter on top of Anthropic Claude Messages.
//
// Structured-output support: StructuredOutputValidated, same rationale as
// the OpenAI adapter: the prompt asks for JSON and the response is
// validated locally.
//
// Continuation: Anthropic's Messages API is stateless per call; there is
// no provider-side thread id to resume, so ContinuationToken carries the
// last message id for log correlation only, and continuity is achieved by
// replaying Session.CompactedHistory as prior turns on every call.
type Client struct {
	msg   MessagesClient
	opts  Options
	retry RetryPolicy
}

// New builds an Anthropic adapter around a caller-supplied MessagesClient.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = defaultRetryPolicy()
	}
	return &Client{msg: msg, opts: opts, retry: retry}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	sdkClient := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&sdkClient.Messages, opts)
}

// Call implements adapter.Adapter.
func (c *Client) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if req.ModelName == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.anthropic", "model name is required", nil)
	}

	maxTokens := c.opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelName),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req),
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}

	var resp *sdk.Message
	err := withRetry(ctx, c.retry, func() error {
		var callErr error
		resp, callErr = c.msg.New(ctx, params)
		return callErr
	})
	if err != nil {
		return adapter.Result{}, classifyError("adapter.anthropic", err)
	}

	text := extractText(resp)
	result := adapter.Result{
		Text:              text,
		ContinuationToken: resp.ID,
		Usage: &adapter.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}
	if req.StructuredOutputSchema != nil {
		structured, err := validateStructured(text, req.StructuredOutputSchema)
		if err != nil {
			return adapter.Result{}, err
		}
		result.Structured = structured
	}
	return result, nil
}

func buildMessages(req adapter.Request) []sdk.MessageParam {
	var messages []sdk.MessageParam
	if req.Session != nil {
		for _, turn := range req.Session.CompactedHistory {
			block := sdk.NewTextBlock(turn.Text)
			switch turn.Role {
			case "assistant":
				messages = append(messages, sdk.NewAssistantMessage(block))
			default:
				messages = append(messages, sdk.NewUserMessage(block))
			}
		}
	}
	prompt := req.RenderedPrompt
	if req.StructuredOutputSchema != nil {
		if schemaJSON, err := json.Marshal(req.StructuredOutputSchema); err == nil {
			prompt += "\n\nRespond with only a JSON object that conforms to this JSON Schema:\n" + string(schemaJSON)
		}
	}
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	return messages
}

func extractText(msg *sdk.Message) string {
	var out string
	for _, block := range msg.Content {
		if text := block.AsText(); text.Text != "" {
			out += text.Text
		}
	}
	return out
}

func validateStructured(text string, schema map[string]any) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.anthropic", "structured output is not valid JSON", err)
	}
	if err := schemavalidate.Validate(payload, schema); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.anthropic", "structured output failed schema validation", err)
	}
	return payload, nil
}

func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !classifyError("adapter.anthropic", lastErr).Retryable() || attempt == policy.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}

func classifyError(component string, err error) *apperr.Error {
	if err == nil {
		return apperr.New(apperr.KindInternal, component, "nil error", nil)
	}
	if existing, ok := apperr.As(err); ok {
		return existing
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return apperr.New(apperr.KindRateLimited, component, "rate limited", err)
		case apiErr.StatusCode >= 500:
			return apperr.New(apperr.KindTransientNetwork, component, "upstream server error", err)
		case apiErr.StatusCode >= 400:
			return apperr.New(apperr.KindFatalClientInput, component, "rejected request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindUpstreamTimeout, component, "request timed out", err)
	}
	return apperr.New(apperr.KindTransientNetwork, component, "unclassified error", err)
}
