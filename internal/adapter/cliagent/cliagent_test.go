package cliagent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/apperr"
)

type fakeRunner struct {
	gotBinary string
	gotArgs   []string
	gotStdin  string
	stdout    string
	err       error
}

func (r *fakeRunner) Run(_ context.Context, binary string, args []string, stdin string) (string, error) {
	r.gotBinary = binary
	r.gotArgs = append([]string(nil), args...)
	r.gotStdin = stdin
	return r.stdout, r.err
}

func TestCallParsesClaudeOutput(t *testing.T) {
	runner := &fakeRunner{stdout: `[
		{"type":"system","subtype":"init","session_id":"sess-abc"},
		{"type":"result","result":"the answer"}
	]`}
	c := &Client{Family: FamilyClaude, Binary: "claude", Runner: runner}

	res, err := c.Call(context.Background(), adapter.Request{RenderedPrompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Text)
	assert.Equal(t, "sess-abc", res.ContinuationToken)
	assert.Equal(t, "hello", runner.gotStdin)
}

func TestCallParsesCodexOutputAggregatingItems(t *testing.T) {
	runner := &fakeRunner{stdout: "{\"type\":\"thread.started\",\"thread_id\":\"th-1\"}\n" +
		"{\"type\":\"item.completed\",\"content\":\"part one\"}\n" +
		"{\"type\":\"item.completed\",\"content\":\"part two\"}\n"}
	c := &Client{Family: FamilyCodex, Binary: "codex", Runner: runner}

	res, err := c.Call(context.Background(), adapter.Request{RenderedPrompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "part one\npart two", res.Text)
	assert.Equal(t, "th-1", res.ContinuationToken)
}

func TestCallParsesGeminiOutput(t *testing.T) {
	runner := &fakeRunner{stdout: `{"session_id":"sess-g","response":"gemini reply"}`}
	c := &Client{Family: FamilyGemini, Binary: "gemini", Runner: runner}

	res, err := c.Call(context.Background(), adapter.Request{RenderedPrompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "gemini reply", res.Text)
	assert.Equal(t, "sess-g", res.ContinuationToken)
}

func TestCallAppendsResumeFlagWhenContinuationTokenPresent(t *testing.T) {
	runner := &fakeRunner{stdout: `{"session_id":"s","response":"r"}`}
	c := &Client{Family: FamilyGemini, Binary: "gemini", Args: []string{"--foo"}, Runner: runner}

	_, err := c.Call(context.Background(), adapter.Request{
		RenderedPrompt: "hello",
		Session:        &adapter.SessionRecord{ContinuationToken: "prev-session"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"--foo", "--resume", "prev-session"}, runner.gotArgs)
}

func TestCallUsesThreadFlagForCodexContinuation(t *testing.T) {
	runner := &fakeRunner{stdout: "{\"type\":\"thread.started\",\"thread_id\":\"t\"}\n"}
	c := &Client{Family: FamilyCodex, Binary: "codex", Runner: runner}

	_, err := c.Call(context.Background(), adapter.Request{
		RenderedPrompt: "hello",
		Session:        &adapter.SessionRecord{ContinuationToken: "prior-thread"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"--thread", "prior-thread"}, runner.gotArgs)
}

func TestCallWrapsSubprocessFailureAsToolExecution(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	c := &Client{Family: FamilyClaude, Binary: "claude", Runner: runner}

	_, err := c.Call(context.Background(), adapter.Request{RenderedPrompt: "hello"})
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindToolExecution, appErr.Kind())
}

func TestCallReturnsContextErrorOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{err: context.Canceled}
	c := &Client{Family: FamilyClaude, Binary: "claude", Runner: runner}

	_, err := c.Call(ctx, adapter.Request{RenderedPrompt: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallSkipsMalformedCodexOutputLines(t *testing.T) {
	runner := &fakeRunner{stdout: `not json at all {{{`}
	c := &Client{Family: FamilyCodex, Binary: "codex", Runner: runner}

	res, err := c.Call(context.Background(), adapter.Request{RenderedPrompt: "hello"})
	require.NoError(t, err, "codex parser skips unparseable lines rather than failing")
	assert.Empty(t, res.Text)
}

func TestNewDefaultsToExecRunner(t *testing.T) {
	c := New(FamilyClaude, "/usr/bin/claude", []string{"--flag"})
	assert.Equal(t, FamilyClaude, c.Family)
	assert.Equal(t, "/usr/bin/claude", c.Binary)
	assert.IsType(t, ExecRunner{}, c.Runner)
}

func TestResumeFlagSelectsPerFamily(t *testing.T) {
	assert.Equal(t, "--thread", resumeFlag(FamilyCodex))
	assert.Equal(t, "--resume", resumeFlag(FamilyClaude))
	assert.Equal(t, "--resume", resumeFlag(FamilyGemini))
}
