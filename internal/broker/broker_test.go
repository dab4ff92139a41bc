package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/force-broker/internal/adapter"
	"github.com/goadesign/force-broker/internal/catalog"
	"github.com/goadesign/force-broker/internal/session"
)

const testCatalogYAML = `
models:
  - id: echo_tool
    provider: test
    adapter: echo
    model_name: echo-1
    description: echoes the prompt
    supports_session: false
    params:
      - name: prompt
        route: prompt
        required: true
  - id: chat_tool
    provider: test
    adapter: echo
    model_name: echo-1
    description: a session-aware chat tool
    supports_session: true
    params:
      - name: prompt
        route: prompt
        required: true
      - name: session_id
        route: session
        required: false
`

func loadTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)
	return cat
}

type echoAdapter struct {
	mu    sync.Mutex
	calls []adapter.Request
	err   error
}

func (a *echoAdapter) Call(_ context.Context, req adapter.Request) (adapter.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	if a.err != nil {
		return adapter.Result{}, a.err
	}
	return adapter.Result{Text: "echo: " + req.RenderedPrompt, ContinuationToken: "tok-1"}, nil
}

type memSessionStore struct {
	mu      sync.Mutex
	records map[string]session.Record
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{records: make(map[string]session.Record)}
}

func (s *memSessionStore) Get(_ context.Context, sessionID string) (session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	if rec.Expired(time.Now()) {
		return session.Record{}, session.ErrNotFound
	}
	return session.CloneRecord(rec), nil
}

func (s *memSessionStore) Upsert(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = session.CloneRecord(rec)
	return nil
}

func (s *memSessionStore) Touch(_ context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	rec.LastSeenEpoch = now.Unix()
	s.records[sessionID] = rec
	return nil
}

func (s *memSessionStore) Invalidate(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func (s *memSessionStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func TestListReturnsToolDescriptorsFromCatalog(t *testing.T) {
	b := &Broker{Catalog: loadTestCatalog(t)}
	descs := b.List(context.Background())
	require.Len(t, descs, 2)
	names := map[string]bool{}
	for _, d := range descs {
		names[d.Name] = true
	}
	assert.True(t, names["echo_tool"])
	assert.True(t, names["chat_tool"])
}

func TestHandleCallsAdapterAndReturnsText(t *testing.T) {
	ad := &echoAdapter{}
	b := &Broker{
		Catalog:  loadTestCatalog(t),
		Adapters: map[string]adapter.Adapter{"echo": ad},
	}
	out, isErr, err := b.Handle(context.Background(), "echo_tool", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Contains(t, out["text"], "echo: ")
	require.Len(t, ad.calls, 1)
}

func TestHandleReturnsUserVisibleErrorForUnknownTool(t *testing.T) {
	b := &Broker{Catalog: loadTestCatalog(t), Adapters: map[string]adapter.Adapter{}}
	out, isErr, err := b.Handle(context.Background(), "nonexistent", map[string]any{})
	require.NoError(t, err, "invalid-request errors surface as isError results, not Go errors")
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "unknown tool")
}

func TestHandleReturnsUserVisibleErrorForUnknownParameter(t *testing.T) {
	ad := &echoAdapter{}
	b := &Broker{Catalog: loadTestCatalog(t), Adapters: map[string]adapter.Adapter{"echo": ad}}
	out, isErr, err := b.Handle(context.Background(), "echo_tool", map[string]any{"bogus": "x"})
	require.NoError(t, err)
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "unknown parameter")
	assert.Empty(t, ad.calls, "adapter must not be called when arg validation fails")
}

func TestHandlePropagatesCancellationAsGoError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &Broker{Catalog: loadTestCatalog(t), Adapters: map[string]adapter.Adapter{"echo": &echoAdapter{err: context.Canceled}}}
	_, _, err := b.Handle(ctx, "echo_tool", map[string]any{"prompt": "hi"})
	assert.Error(t, err)
}

func TestDispatchReusesSameCallPathAsHandle(t *testing.T) {
	ad := &echoAdapter{}
	b := &Broker{Catalog: loadTestCatalog(t), Adapters: map[string]adapter.Adapter{"echo": ad}}
	out, err := b.Dispatch(context.Background(), "echo_tool", map[string]any{"prompt": "job"})
	require.NoError(t, err)
	assert.Contains(t, out["text"], "echo: ")
}

func TestHandleUnderSessionPersistsHistoryAndContinuationToken(t *testing.T) {
	ad := &echoAdapter{}
	mgr := session.NewManager(newMemSessionStore())
	b := &Broker{
		Catalog:  loadTestCatalog(t),
		Adapters: map[string]adapter.Adapter{"echo": ad},
		Sessions: mgr,
	}

	_, isErr, err := b.Handle(context.Background(), "chat_tool", map[string]any{"prompt": "turn one", "session_id": "sess-1"})
	require.NoError(t, err)
	assert.False(t, isErr)

	rec, err := mgr.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", rec.ContinuationToken)
	require.Len(t, rec.CompactedHistory, 2)
	assert.Equal(t, "user", rec.CompactedHistory[0].Role)
	assert.Equal(t, "assistant", rec.CompactedHistory[1].Role)

	_, isErr, err = b.Handle(context.Background(), "chat_tool", map[string]any{"prompt": "turn two", "session_id": "sess-1"})
	require.NoError(t, err)
	assert.False(t, isErr)

	rec, err = mgr.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, rec.CompactedHistory, 4, "history accumulates across calls in the same session")

	require.Len(t, ad.calls, 2)
	require.NotNil(t, ad.calls[1].Session, "second call must replay the session's prior state")
	assert.Equal(t, "tok-1", ad.calls[1].Session.ContinuationToken)
}

func TestHandleWithoutSessionIDNeverTouchesSessionStore(t *testing.T) {
	ad := &echoAdapter{}
	store := newMemSessionStore()
	mgr := session.NewManager(store)
	b := &Broker{
		Catalog:  loadTestCatalog(t),
		Adapters: map[string]adapter.Adapter{"echo": ad},
		Sessions: mgr,
	}
	_, isErr, err := b.Handle(context.Background(), "chat_tool", map[string]any{"prompt": "no session"})
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Empty(t, store.records)
}
