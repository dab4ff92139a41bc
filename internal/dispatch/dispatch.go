// Package dispatch implements the MCP transport/dispatcher: reads
// line-delimited JSON-RPC messages off a transport.Framer, routes requests
// to a ToolHandler, and propagates notifications/cancelled as context
// cancellation to the matching in-flight call. It owns the cancellation
// table that guarantees at most one response per request id, zero for a
// cancelled one, and that writes after the peer is gone never panic.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/goadesign/force-broker/internal/telemetry"
	"github.com/goadesign/force-broker/internal/transport"
	"github.com/goadesign/force-broker/pkg/mcpwire"
)

// ToolHandler executes one tools/call. isError distinguishes an
// application-level tool failure (reported as a successful JSON-RPC
// response with isError: true) from err, which is reported as a JSON-RPC
// error object unless the request's context was cancelled, in which case
// no reply is sent. The broker reports unknown tools and bad arguments as
// isError results and returns err only when its context was cancelled.
type ToolHandler interface {
	Handle(ctx context.Context, toolName string, args map[string]any) (result map[string]any, isError bool, err error)
	List(ctx context.Context) []mcpwire.ToolDescriptor
}

// Dispatcher reads requests from a framer and serves them concurrently,
// one goroutine per in-flight request, cancelling the matching goroutine's
// context when notifications/cancelled names its id.
type Dispatcher struct {
	framer  framer
	handler ToolHandler
	log     telemetry.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	initialized bool
}

// framer is the subset of *transport.Framer the dispatcher needs, kept as
// an interface so tests can substitute an in-memory stub.
type framer interface {
	Lines(ctx context.Context) <-chan transport.RawLine
	WriteMessage(ctx context.Context, v any) error
}

// New builds a Dispatcher. f must satisfy the framer interface (a
// *transport.Framer does).
func New(f framer, handler ToolHandler, log telemetry.Logger) *Dispatcher {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Dispatcher{framer: f, handler: handler, log: log, cancels: make(map[string]context.CancelFunc)}
}

// Run drives the dispatch loop until the framer's input is exhausted or
// ctx is cancelled. Each request is served on its own goroutine so a slow
// tool call never blocks unrelated requests.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer d.cancelAll()

	for line := range d.framer.Lines(ctx) {
		if line.Err != nil {
			d.log.Warn(ctx, "dispatch: read error", "error", line.Err.Error())
			continue
		}
		var msg mcpwire.Message
		if err := json.Unmarshal(line.Bytes, &msg); err != nil {
			d.writeParseError(ctx, nil)
			continue
		}

		switch {
		case msg.Method == mcpwire.MethodNotificationCancelled:
			d.handleCancelled(msg.Params)
		case msg.Method == mcpwire.MethodNotificationInitialized:
			// no action required; initialize already answered synchronously
		case msg.ID != nil && msg.Method != "":
			wg.Add(1)
			go func(msg mcpwire.Message) {
				defer wg.Done()
				d.handleRequest(ctx, msg)
			}(msg)
		default:
			// malformed envelope: neither a notification nor a request
			var id json.RawMessage
			if msg.ID != nil {
				id = *msg.ID
			}
			d.writeParseError(ctx, id)
		}
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, msg mcpwire.Message) {
	reqCtx, cancel := context.WithCancel(ctx)
	id := string(*msg.ID)
	d.registerCancel(id, cancel)
	defer func() {
		d.unregisterCancel(id)
		cancel()
	}()

	var resp mcpwire.Response
	switch msg.Method {
	case mcpwire.MethodInitialize:
		resp = d.handleInitialize(*msg.ID, msg.Params)
	case mcpwire.MethodToolsList:
		resp = d.handleToolsList(reqCtx, *msg.ID)
	case mcpwire.MethodToolsCall:
		resp = d.handleToolsCall(reqCtx, *msg.ID, msg.Params)
	default:
		resp = mcpwire.NewErrorResponse(*msg.ID, mcpwire.CodeMethodNotFound, "method not found")
	}

	// A cancelled request gets zero responses, never an error response:
	// whether its context was cancelled via notifications/cancelled or by
	// shutdown (ctx cancelled or input exhausted), the reply is dropped.
	if reqCtx.Err() != nil {
		return
	}
	if err := d.framer.WriteMessage(ctx, resp); err != nil {
		d.log.Warn(ctx, "dispatch: write failed", "error", err.Error())
	}
}

func (d *Dispatcher) handleInitialize(id json.RawMessage, params json.RawMessage) mcpwire.Response {
	var p mcpwire.InitializeParams
	_ = json.Unmarshal(params, &p)
	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()
	return mcpwire.NewResultResponse(id, mcpwire.InitializeResult{
		ProtocolVersion: mcpwire.ProtocolVersion,
		Capabilities:    mcpwire.ServerCapabilities{Tools: mcpwire.ToolsCapability{ListChanged: false}},
		ServerInfo:      mcpwire.ServerInfo{Name: "force-broker", Version: "0.1.0"},
	})
}

func (d *Dispatcher) handleToolsList(ctx context.Context, id json.RawMessage) mcpwire.Response {
	return mcpwire.NewResultResponse(id, mcpwire.ToolsListResult{Tools: d.handler.List(ctx)})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, id json.RawMessage, params json.RawMessage) mcpwire.Response {
	var p mcpwire.ToolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidParams, "malformed tools/call params")
	}
	var args map[string]any
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidParams, "malformed tool arguments")
		}
	}

	result, isError, err := d.handler.Handle(ctx, p.Name, args)
	if err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidRequest, err.Error())
	}
	text := ""
	if result != nil {
		if b, merr := json.Marshal(result); merr == nil {
			text = string(b)
		}
	}
	return mcpwire.NewResultResponse(id, mcpwire.TextResult(text, isError))
}

func (d *Dispatcher) handleCancelled(params json.RawMessage) {
	var p mcpwire.CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	d.mu.Lock()
	cancel, ok := d.cancels[string(p.RequestID)]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) registerCancel(id string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterCancel(id string) {
	d.mu.Lock()
	delete(d.cancels, id)
	d.mu.Unlock()
}

// cancelAll cancels every in-flight request's context. Called once the
// framer's input is exhausted (stdin EOF) so in-flight work is cancelled
// as part of an orderly shutdown rather than left to finish or abandoned.
func (d *Dispatcher) cancelAll() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, cancel := range d.cancels {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Dispatcher) writeParseError(ctx context.Context, id json.RawMessage) {
	_ = d.framer.WriteMessage(ctx, mcpwire.NewErrorResponse(id, mcpwire.CodeParseError, "parse error"))
}
