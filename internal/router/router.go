// Package router splits a tool call's raw arguments into the four buckets
// declared by its descriptor's parameter routes: prompt,
// adapter, vector_store, session. Grounded on the original validation
// helper (original_source's mcp_second_brain/utils/validation.py) for the
// "validate against schema, reject otherwise" shape, generalized here to
// also classify known parameters by declared route rather than only
// checking a JSON Schema.
package router

import (
	"fmt"
	"strings"

	"github.com/goadesign/force-broker/internal/apperr"
	"github.com/goadesign/force-broker/internal/catalog"
)

// SplitArgs holds a call's arguments bucketed by route.
type SplitArgs struct {
	Prompt      map[string]any
	Adapter     map[string]any
	VectorStore map[string]any
	Session     map[string]any
	// PromptOrder preserves the declared positional order of prompt
	// parameters, since prompt values are concatenated in declared
	// positional order rather than map iteration order.
	PromptOrder []string
}

// Split validates rawArgs against desc's declared parameters and buckets
// them by route. Every declared required parameter must be present;
// every parameter present in rawArgs must be declared. Both violations are
// reported as apperr.KindInvalidRequest.
func Split(desc *catalog.Descriptor, rawArgs map[string]any) (SplitArgs, error) {
	out := SplitArgs{
		Prompt:      make(map[string]any),
		Adapter:     make(map[string]any),
		VectorStore: make(map[string]any),
		Session:     make(map[string]any),
	}

	declared := make(map[string]catalog.ParamSpec, len(desc.Params))
	for _, p := range desc.Params {
		declared[p.Name] = p
	}

	for name := range rawArgs {
		if _, ok := declared[name]; !ok {
			return SplitArgs{}, apperr.New(apperr.KindInvalidRequest, "router",
				fmt.Sprintf("unknown parameter %q for tool %q", name, desc.Name), nil)
		}
	}

	for _, p := range desc.Params {
		val, present := rawArgs[p.Name]
		if !present {
			if p.Required {
				return SplitArgs{}, apperr.New(apperr.KindInvalidRequest, "router",
					fmt.Sprintf("missing required parameter %q for tool %q", p.Name, desc.Name), nil)
			}
			continue
		}
		switch p.Route {
		case catalog.RoutePrompt:
			out.Prompt[p.Name] = val
			out.PromptOrder = append(out.PromptOrder, p.Name)
		case catalog.RouteAdapter:
			out.Adapter[p.Name] = val
		case catalog.RouteVectorStore:
			out.VectorStore[p.Name] = val
		case catalog.RouteSession:
			out.Session[p.Name] = val
		default:
			return SplitArgs{}, apperr.New(apperr.KindInvalidRequest, "router",
				fmt.Sprintf("parameter %q declares unknown route %q", p.Name, p.Route), nil)
		}
	}
	return out, nil
}

// SessionID extracts the session_id session-routed parameter, if present
// and non-empty.
func (s SplitArgs) SessionID() (string, bool) {
	v, ok := s.Session["session_id"]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", false
	}
	return str, true
}

// RenderPrompt concatenates the prompt-routed parameters in declared
// positional order using a simple per-tool template: each value rendered
// on its own line, prefixed by its parameter name when the template is
// empty. A non-empty template is treated as a Go-style format string with
// one %s placeholder per prompt parameter in declared order.
func (s SplitArgs) RenderPrompt(template string) string {
	if template != "" {
		args := make([]any, 0, len(s.PromptOrder))
		for _, name := range s.PromptOrder {
			args = append(args, stringify(s.Prompt[name]))
		}
		return fmt.Sprintf(template, args...)
	}
	var b strings.Builder
	for _, name := range s.PromptOrder {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s:\n%s", name, stringify(s.Prompt[name]))
	}
	return b.String()
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
