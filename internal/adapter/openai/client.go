// Package openai adapts the OpenAI family to the broker's uniform
// adapter.Adapter interface: a thin ChatClient interface plus
// Options/New/translate helpers, built against
// github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
	"github.com/goadesign/force-broker/internal/schemavalidate"
)

// ChatClient captures the subset of the openai-go client used by this
// adapter, so tests can substitute a fake without a live API key.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type sdkChatClient struct {
	client openai.Client
}

func (s sdkChatClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// RetryPolicy bounds the adapter's own retry-with-backoff loop for
// transient provider errors.
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
	Client ChatClient
	Retry  RetryPolicy
}

// Client implements adapter.Adapter via OpenAI's Chat Completions API.
//
// Structured-output support: StructuredOutputValidated. The model is asked
// to emit JSON and the response is validated against the caller's schema
// locally; a validation failure is a hard invalid_request error rather
// than a silent best-effort pass.
//
// Continuation: Chat Completions has no server-side thread to resume, so
// ContinuationToken here is informational (the last completion id); actual
// continuity is achieved by replaying Session.CompactedHistory into the
// message list on every call.
type Client struct {
	chat  ChatClient
	retry RetryPolicy
}

// New builds an OpenAI adapter from an API key.
func New(apiKey string) *Client {
	return &Client{
		chat:  sdkChatClient{client: openai.NewClient(option.WithAPIKey(apiKey))},
		retry: defaultRetryPolicy(),
	}
}

// NewWithClient builds an adapter around a caller-supplied ChatClient,
// primarily for tests.
func NewWithClient(chat ChatClient, retry RetryPolicy) *Client {
	if retry.MaxAttempts == 0 {
		retry = defaultRetryPolicy()
	}
	return &Client{chat: chat, retry: retry}
}

// Call implements adapter.Adapter.
func (c *Client) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if req.ModelName == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.openai", "model name is required", nil)
	}

	messages := buildMessages(req)
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.ModelName),
		Messages: messages,
	}
	if v, ok := req.AdapterKwargs["temperature"].(float64); ok {
		params.Temperature = openai.Float(v)
	}
	if req.StructuredOutputSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var resp *openai.ChatCompletion
	err := withRetry(ctx, c.retry, func() error {
		var callErr error
		resp, callErr = c.chat.CreateChatCompletion(ctx, params)
		return callErr
	})
	if err != nil {
		return adapter.Result{}, classifyError("adapter.openai", err)
	}
	if len(resp.Choices) == 0 {
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.openai", "empty choices in response", nil)
	}

	text := resp.Choices[0].Message.Content
	result := adapter.Result{
		Text:              text,
		ContinuationToken: resp.ID,
		Usage: &adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
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

func buildMessages(req adapter.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Session != nil {
		for _, turn := range req.Session.CompactedHistory {
			switch strings.ToLower(turn.Role) {
			case "user":
				messages = append(messages, openai.UserMessage(turn.Text))
			case "assistant":
				messages = append(messages, openai.AssistantMessage(turn.Text))
			case "system":
				messages = append(messages, openai.SystemMessage(turn.Text))
			}
		}
	}
	messages = append(messages, openai.UserMessage(req.RenderedPrompt))
	return messages
}

func validateStructured(text string, schema map[string]any) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.openai", "structured output is not valid JSON", err)
	}
	if err := schemavalidate.Validate(payload, schema); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.openai", "structured output failed schema validation", err)
	}
	return payload, nil
}

// withRetry retries fn with exponential backoff for transient errors, up
// to policy.MaxAttempts. Fatal-client errors (per classifyError) are never
// retried. ctx cancellation aborts immediately.
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
		if !classifyError("adapter.openai", lastErr).Retryable() || attempt == policy.MaxAttempts {
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
	var apiErr *openai.Error
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
	return apperr.New(apperr.KindTransientNetwork, component, fmt.Sprintf("unclassified error: %v", err), err)
}
