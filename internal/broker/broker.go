// Package broker wires the registry, router, context assembler,
// vector-store manager, session cache, adapters, and memory recorder
// together into the one request-handling surface the dispatcher and job
// worker both call through. It is the orchestration layer no single
// teacher file covers on its own; the shape of "split args, assemble
// context, acquire vector store, call under the session lock, record
// memory" reflects the broker's component pipeline end to end.
package broker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
	"github.com/goadesign/force-broker/internal/catalog"
	mcpcontext "github.com/goadesign/force-broker/internal/context"
	"github.com/goadesign/force-broker/internal/memory"
	"github.com/goadesign/force-broker/internal/router"
	"github.com/goadesign/force-broker/internal/session"
	"github.com/goadesign/force-broker/internal/vectorstore"
	"github.com/goadesign/force-broker/pkg/mcpwire"
)

// Broker implements both dispatch.ToolHandler and jobs.Dispatcher over
// the same underlying call path.
type Broker struct {
	Catalog      *catalog.Catalog
	Adapters     map[string]adapter.Adapter // keyed by catalog.Descriptor.Adapter
	Sessions     *session.Manager
	VectorStores *vectorstore.Manager
	Recorder     *memory.Recorder
	Ignore       mcpcontext.IgnoreMatcher
	Tokenizer    mcpcontext.Tokenizer
}

// List implements dispatch.ToolHandler.
func (b *Broker) List(ctx context.Context) []mcpwire.ToolDescriptor {
	descs := b.Catalog.List()
	out := make([]mcpwire.ToolDescriptor, len(descs))
	for i, d := range descs {
		out[i] = mcpwire.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: paramsToSchema(d),
		}
	}
	return out
}

func paramsToSchema(d *catalog.Descriptor) map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		props[p.Name] = map[string]any{"type": "string"}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Handle implements dispatch.ToolHandler. A user-visible failure
// (fatal-client, parsing, invalid-request, tool-execution) is reported as
// isError: true rather than a Go error; a Go error here means the
// caller's context was cancelled, which the dispatcher drops entirely
// (the post-cancel contract every caller of the dispatcher relies on).
func (b *Broker) Handle(ctx context.Context, toolName string, args map[string]any) (map[string]any, bool, error) {
	structured, err := b.call(ctx, toolName, args)
	if err == nil {
		return structured, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if appErr, ok := apperr.As(err); ok && appErr.Kind().UserVisible() {
		return map[string]any{"error": appErr.Error()}, true, nil
	}
	// Internal/initialization errors terminate the call, not the process,
	// and are still user-visible as a failed result rather than a
	// protocol error.
	return map[string]any{"error": err.Error()}, true, nil
}

// Dispatch implements jobs.Dispatcher: the async job worker reuses the
// exact same call path as a synchronous tools/call.
func (b *Broker) Dispatch(ctx context.Context, toolID string, kwargs map[string]any) (map[string]any, error) {
	return b.call(ctx, toolID, kwargs)
}

func (b *Broker) call(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	desc, ok := b.Catalog.Lookup(toolName)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidRequest, "broker", fmt.Sprintf("unknown tool %q", toolName), nil)
	}
	ad, ok := b.Adapters[desc.Adapter]
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "broker", fmt.Sprintf("no adapter registered for %q", desc.Adapter), nil)
	}

	split, err := router.Split(desc, args)
	if err != nil {
		return nil, err
	}

	if desc.DefaultTimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(desc.DefaultTimeoutS)*time.Second)
		defer cancel()
	}

	sessionID, hasSession := split.SessionID()
	useSession := hasSession && desc.SupportsSession

	assembled, vsIDs, images, err := b.assembleContext(ctx, desc, split, sessionID, useSession)
	if err != nil {
		return nil, err
	}

	promptPreamble := ""
	if assembled != nil {
		promptPreamble = assembled.Tree + "\n\n"
	}
	renderedPrompt := promptPreamble + split.RenderPrompt(desc.PromptTemplate)

	adapterKwargs := mergeParams(desc.DefaultParams, split.Adapter)

	var schema map[string]any
	if s, ok := adapterKwargs["structured_output_schema"].(map[string]any); ok {
		schema = s
	}

	req := adapter.Request{
		ToolName:               desc.Name,
		ModelName:              desc.ModelName,
		RenderedPrompt:         renderedPrompt,
		AdapterKwargs:          adapterKwargs,
		VectorStoreIDs:         vsIDs,
		Images:                 images,
		StructuredOutputSchema: schema,
		Timeout:                desc.DefaultTimeoutS,
	}

	var result adapter.Result
	if useSession {
		result, err = b.callUnderSession(ctx, ad, req, sessionID, assembled)
	} else {
		result, err = ad.Call(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	if b.Recorder != nil {
		b.Recorder.RecordAsync(sessionID, desc.Name, []string{renderedPrompt}, result.Text)
	}

	structured := result.Structured
	if structured == nil {
		structured = map[string]any{"text": result.Text}
	}
	return structured, nil
}

// callUnderSession runs the adapter call inside the session's per-key
// critical section: lookup, call, upsert, all under one lock, with the
// new record discarded entirely if ctx is cancelled mid-flight.
func (b *Broker) callUnderSession(ctx context.Context, ad adapter.Adapter, req adapter.Request, sessionID string, assembled *mcpcontext.Result) (adapter.Result, error) {
	var result adapter.Result
	var callErr error
	err := b.Sessions.Mutate(ctx, sessionID, func(ctx context.Context, current session.Record, found bool) (session.Record, bool, error) {
		sessReq := req
		if found {
			sessReq.Session = &adapter.SessionRecord{
				ProviderFamily:    string(current.ProviderFamily),
				ContinuationToken: current.ContinuationToken,
				CompactedHistory:  toAdapterTurns(current.CompactedHistory),
			}
		}
		result, callErr = ad.Call(ctx, sessReq)
		if callErr != nil {
			return current, false, callErr
		}

		next := current
		next.SessionID = sessionID
		next.ContinuationToken = result.ContinuationToken
		next.CompactedHistory = appendTurn(current.CompactedHistory, req.RenderedPrompt, result.Text)
		if assembled != nil {
			next.InlineFileFingerprints = assembled.NewInlineSet
		}
		now := time.Now()
		next.LastSeenEpoch = now.Unix()
		if next.TTLEpoch == 0 {
			next.TTLEpoch = now.Add(24 * time.Hour).Unix()
		}
		return next, true, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	return result, callErr
}

func (b *Broker) assembleContext(ctx context.Context, desc *catalog.Descriptor, split router.SplitArgs, sessionID string, useSession bool) (*mcpcontext.Result, []string, []adapter.Image, error) {
	if !desc.SupportsVectorStore {
		return nil, nil, nil, nil
	}
	contextPaths := stringSlice(split.VectorStore["context_paths"])
	attachmentPaths := stringSlice(split.VectorStore["attachment_paths"])
	priorityPaths := stringSlice(split.VectorStore["priority_context"])
	if len(contextPaths) == 0 && len(attachmentPaths) == 0 {
		return nil, nil, nil, nil
	}

	var stableSet map[string]struct{}
	if useSession {
		if rec, err := b.Sessions.Get(ctx, sessionID); err == nil {
			stableSet = rec.InlineFileFingerprints
		}
	}

	budgetFrac := desc.InlineBudgetFrac
	if budgetFrac == 0 {
		budgetFrac = 0.01
	}
	res, err := mcpcontext.Assemble(ctx, mcpcontext.Input{
		ContextPaths:     contextPaths,
		AttachmentPaths:  attachmentPaths,
		PriorityContext:  priorityPaths,
		ContextWindow:    desc.ContextWindow,
		InlineBudgetFrac: budgetFrac,
		Ignore:           b.Ignore,
		Tokenizer:        b.Tokenizer,
		StableInlineSet:  stableSet,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var images []adapter.Image
	if desc.HasCapability(catalog.CapabilityVision) {
		images = gatherImages(res)
	}

	var vsIDs []string
	if len(res.Overflow) > 0 && b.VectorStores != nil {
		overflowRefs, err := toVectorStoreFiles(res.Overflow)
		if err != nil {
			return nil, nil, nil, apperr.New(apperr.KindInternal, "broker", "failed to read overflow files", err)
		}
		vsKey := sessionID
		if vsKey == "" {
			vsKey = "anon:" + desc.Name
		}
		acquired, err := b.VectorStores.Acquire(ctx, vsKey, overflowRefs)
		if err != nil {
			return nil, nil, nil, apperr.New(apperr.KindTransientNetwork, "broker", "vector store acquire failed", err)
		}
		vsIDs = []string{acquired.VSID}
	}

	return &res, vsIDs, images, nil
}

func gatherImages(res mcpcontext.Result) []adapter.Image {
	// Binary files, images included, are dropped from Inline/Overflow by
	// the assembler, so res carries no image data. This returns nil: no
	// image attachments are passed to adapters, even for tools that
	// declare the vision capability.
	return nil
}

func toVectorStoreFiles(refs []mcpcontext.FileRef) ([]vectorstore.FileRef, error) {
	out := make([]vectorstore.FileRef, 0, len(refs))
	for _, r := range refs {
		hash, err := r.ContentHash()
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(r.AbsPath)
		if err != nil {
			return nil, err
		}
		out = append(out, vectorstore.FileRef{Hash: hash, Path: r.AbsPath, Data: data})
	}
	return out, nil
}

func toAdapterTurns(turns []session.Turn) []adapter.Turn {
	out := make([]adapter.Turn, len(turns))
	for i, t := range turns {
		out[i] = adapter.Turn{Role: t.Role, Text: t.Text}
	}
	return out
}

func appendTurn(turns []session.Turn, prompt, response string) []session.Turn {
	out := append([]session.Turn(nil), turns...)
	out = append(out, session.Turn{Role: "user", Text: prompt}, session.Turn{Role: "assistant", Text: response})
	return out
}

func mergeParams(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
