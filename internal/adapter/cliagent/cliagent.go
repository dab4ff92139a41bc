// Package cliagent adapts local CLI coding agents (Claude Code, Codex,
// Gemini CLI) to adapter.Adapter by shelling out to the configured binary
// and parsing its output. Grounded on the original parsers
// (original_source's mcp_the_force/cli_agents/parsers/{claude,codex,gemini}.py):
// Claude emits a JSON array with an init event (session_id) and a result
// event; Codex emits JSONL with a thread.started event (thread_id) and
// item.completed events to aggregate; Gemini emits one JSON object with
// session_id and response fields. Codex's thread_id is mapped into the
// broker's uniform continuation_token field.
package cliagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
)

// Family identifies which CLI agent's output format to parse.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyCodex  Family = "codex"
	FamilyGemini Family = "gemini"
)

// Runner executes the CLI binary and returns its stdout, honoring ctx
// cancellation. The default implementation shells out via os/exec; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, binary string, args []string, stdin string) (stdout string, err error)
}

// ExecRunner runs the binary as a real subprocess.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, binary string, args []string, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("cliagent: %s: %w: %s", binary, err, stderr.String())
	}
	return stdout.String(), nil
}

// Client implements adapter.Adapter by invoking a local CLI agent binary.
// It bypasses the network and returns as soon as the subprocess exits.
type Client struct {
	Family Family
	Binary string
	Args   []string // extra args passed on every run; Call appends the family's resume flag and the continuation token after them when one exists (the prompt goes to stdin)
	Runner Runner
}

// New builds a cliagent adapter for the given family and binary path.
func New(family Family, binary string, extraArgs []string) *Client {
	return &Client{Family: family, Binary: binary, Args: extraArgs, Runner: ExecRunner{}}
}

// Call implements adapter.Adapter.
func (c *Client) Call(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	args := append([]string(nil), c.Args...)
	if req.Session != nil && req.Session.ContinuationToken != "" {
		args = append(args, resumeFlag(c.Family), req.Session.ContinuationToken)
	}

	stdout, err := c.Runner.Run(ctx, c.Binary, args, req.RenderedPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return adapter.Result{}, ctx.Err()
		}
		return adapter.Result{}, apperr.New(apperr.KindToolExecution, "adapter.cliagent", "subprocess failed", err)
	}

	parsed, err := parse(c.Family, stdout)
	if err != nil {
		return adapter.Result{}, apperr.New(apperr.KindParsing, "adapter.cliagent", "failed to parse CLI output", err)
	}
	return adapter.Result{
		Text:              parsed.content,
		ContinuationToken: parsed.sessionID,
	}, nil
}

func resumeFlag(f Family) string {
	if f == FamilyCodex {
		return "--thread"
	}
	return "--resume"
}

type parsedResponse struct {
	sessionID string
	content   string
}

func parse(family Family, output string) (parsedResponse, error) {
	switch family {
	case FamilyClaude:
		return parseClaude(output)
	case FamilyCodex:
		return parseCodex(output)
	case FamilyGemini:
		return parseGemini(output)
	default:
		return parsedResponse{}, fmt.Errorf("cliagent: unknown family %q", family)
	}
}

// parseClaude mirrors claude.py: a JSON array of events; session_id comes
// from the {"type":"system","subtype":"init"} event, content from the
// last {"type":"result"} event.
func parseClaude(output string) (parsedResponse, error) {
	if strings.TrimSpace(output) == "" {
		return parsedResponse{}, nil
	}
	var events []map[string]any
	if err := json.Unmarshal([]byte(output), &events); err != nil {
		return parsedResponse{}, nil
	}
	var sessionID, content string
	for _, e := range events {
		if e["type"] == "system" && e["subtype"] == "init" {
			if s, ok := e["session_id"].(string); ok {
				sessionID = s
			}
		}
		if e["type"] == "result" {
			if s, ok := e["result"].(string); ok {
				content = s
			}
		}
	}
	return parsedResponse{sessionID: sessionID, content: content}, nil
}

// parseCodex mirrors codex.py: JSONL; thread_id from "thread.started",
// content aggregated across "item.completed" events.
func parseCodex(output string) (parsedResponse, error) {
	if strings.TrimSpace(output) == "" {
		return parsedResponse{}, nil
	}
	var threadID string
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event["type"] == "thread.started" {
			if s, ok := event["thread_id"].(string); ok {
				threadID = s
			}
		}
		if event["type"] == "item.completed" {
			if s, ok := event["content"].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	return parsedResponse{sessionID: threadID, content: strings.Join(parts, "\n")}, nil
}

// parseGemini mirrors gemini.py: a single JSON object with session_id and
// response fields.
func parseGemini(output string) (parsedResponse, error) {
	if strings.TrimSpace(output) == "" {
		return parsedResponse{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return parsedResponse{}, nil
	}
	sessionID, _ := data["session_id"].(string)
	content, _ := data["response"].(string)
	return parsedResponse{sessionID: sessionID, content: content}, nil
}
