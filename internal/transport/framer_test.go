package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinesYieldsOneMessagePerLine(t *testing.T) {
	input := bytes.NewBufferString("{\"a\":1}\n{\"b\":2}\n")
	f := New(Options{Reader: input, Writer: &bytes.Buffer{}})

	ctx := context.Background()
	var got [][]byte
	for raw := range f.Lines(ctx) {
		require.NoError(t, raw.Err)
		got = append(got, raw.Bytes)
	}
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"a":1}`, string(got[0]))
	assert.JSONEq(t, `{"b":2}`, string(got[1]))
}

func TestLinesSkipsBlankLines(t *testing.T) {
	input := bytes.NewBufferString("\n{\"a\":1}\n\n")
	f := New(Options{Reader: input, Writer: &bytes.Buffer{}})

	var got [][]byte
	for raw := range f.Lines(context.Background()) {
		got = append(got, raw.Bytes)
	}
	require.Len(t, got, 1)
}

func TestLinesClosesChannelOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	f := New(Options{Reader: pr, Writer: &bytes.Buffer{}})

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Lines(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Lines channel did not close after cancellation")
	}
}

func TestWriteMessageMarshalsAsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	f := New(Options{Reader: bytes.NewReader(nil), Writer: &buf})

	require.NoError(t, f.WriteMessage(context.Background(), map[string]any{"ok": true}))
	assert.Equal(t, "{\"ok\":true}\n", buf.String())
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestWriteMessageSwallowsDisconnectAndMarksPeerGone(t *testing.T) {
	f := New(Options{Reader: bytes.NewReader(nil), Writer: failingWriter{err: io.ErrClosedPipe}})

	err := f.WriteMessage(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, f.PeerGone())

	// Subsequent writes are dropped silently without touching the writer again.
	err = f.WriteMessage(context.Background(), map[string]any{"a": 2})
	assert.NoError(t, err)
}

var errUnrelated = errors.New("disk full")

func TestWriteMessagePropagatesOtherWriteErrors(t *testing.T) {
	f := New(Options{Reader: bytes.NewReader(nil), Writer: failingWriter{err: errUnrelated}})
	err := f.WriteMessage(context.Background(), map[string]any{"a": 1})
	assert.ErrorIs(t, err, errUnrelated)
	assert.False(t, f.PeerGone())
}

func TestIsDisconnectClassifiesKnownPatterns(t *testing.T) {
	assert.True(t, isDisconnect(io.ErrClosedPipe))
	assert.True(t, isDisconnect(io.EOF))
	assert.False(t, isDisconnect(nil))
}
