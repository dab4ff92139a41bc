// Package bedrock adapts an Anthropic-on-Bedrock (or any Converse-capable)
// model to adapter.Adapter via the AWS Bedrock Converse API. Grounded on
// the Bedrock adapter shape (features/model/bedrock/client.go): a
// RuntimeClient interface over *bedrockruntime.Client, Options/New
// constructors, text + usage translation from ConverseOutput.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
	"github.com/goadesign/force-broker/internal/schemavalidate"
)

// RuntimeClient is the subset of the AWS Bedrock runtime client used here;
// satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
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

// Options configures the Bedrock adapter.
type Options struct {
	Runtime     RuntimeClient
	MaxTokens   int32
	Temperature float32
	Retry       RetryPolicy
}

// Client implements adapter.Adapter on top of AWS Bedrock Converse.
//
// Structured-output support: StructuredOutputValidated, matching the other
// two SDK-backed adapters.
//
// Continuation: Bedrock Converse is stateless per call like the other two
// providers; ContinuationToken is left empty, and continuity is achieved by
// replaying Session.CompactedHistory as prior Converse turns.
type Client struct {
	opts  Options
	retry RetryPolicy
}

// New builds a Bedrock adapter around a caller-supplied RuntimeClient.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = defaultRetryPolicy()
	}
	return &Client{opts: opts, retry: retry}, nil
}

// Call implements adapter.Adapter.
func (c *Client) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if req.ModelName == "" {
		return adapter.Result{}, apperr.New(apperr.KindInvalidRequest, "adapter.bedrock", "model name is required", nil)
	}

	messages := buildMessages(req)
	params := &bedrockruntime.ConverseInput{
		ModelId:  &req.ModelName,
		Messages: messages,
	}
	inferenceConfig := &brtypes.InferenceConfiguration{}
	if c.opts.MaxTokens > 0 {
		maxTokens := c.opts.MaxTokens
		inferenceConfig.MaxTokens = &maxTokens
	}
	if c.opts.Temperature > 0 {
		temp := c.opts.Temperature
		inferenceConfig.Temperature = &temp
	}
	params.InferenceConfig = inferenceConfig

	var resp *bedrockruntime.ConverseOutput
	err := withRetry(ctx, c.retry, func() error {
		var callErr error
		resp, callErr = c.opts.Runtime.Converse(ctx, params)
		return callErr
	})
	if err != nil {
		return adapter.Result{}, classifyError("adapter.bedrock", err)
	}

	text := extractText(resp)
	result := adapter.Result{Text: text}
	if resp.Usage != nil {
		result.Usage = &adapter.Usage{
			PromptTokens:     int(derefI32(resp.Usage.InputTokens)),
			CompletionTokens: int(derefI32(resp.Usage.OutputTokens)),
		}
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

func buildMessages(req adapter.Request) []brtypes.Message {
	var messages []brtypes.Message
	if req.Session != nil {
		for _, turn := range req.Session.CompactedHistory {
			role := brtypes.ConversationRoleUser
			if turn.Role == "assistant" {
				role = brtypes.ConversationRoleAssistant
			}
			messages = append(messages, brtypes.Message{
				Role:    role,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: turn.Text}},
			})
		}
	}
	prompt := req.RenderedPrompt
	if req.StructuredOutputSchema != nil {
		if schemaJSON, err := json.Marshal(req.StructuredOutputSchema); err == nil {
			prompt += "\n\nRespond with only a JSON object that conforms to this JSON Schema:\n" + string(schemaJSON)
		}
	}
	messages = append(messages, brtypes.Message{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
	})
	return messages
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range member.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text
}

func derefI32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func validateStructured(text string, schema map[string]any) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.bedrock", "structured output is not valid JSON", err)
	}
	if err := schemavalidate.Validate(payload, schema); err != nil {
		return nil, apperr.New(apperr.KindInvalidRequest, "adapter.bedrock", "structured output failed schema validation", err)
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
		if !classifyError("adapter.bedrock", lastErr).Retryable() || attempt == policy.MaxAttempts {
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
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return apperr.New(apperr.KindRateLimited, component, "rate limited", err)
		case "ModelTimeoutException":
			return apperr.New(apperr.KindUpstreamTimeout, component, "request timed out", err)
		case "ValidationException", "AccessDeniedException":
			return apperr.New(apperr.KindFatalClientInput, component, "rejected request", err)
		case "InternalServerException", "ServiceUnavailableException":
			return apperr.New(apperr.KindTransientNetwork, component, "upstream server error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindUpstreamTimeout, component, "request timed out", err)
	}
	return apperr.New(apperr.KindTransientNetwork, component, "unclassified error", err)
}
