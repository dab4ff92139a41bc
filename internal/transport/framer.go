// Package transport implements the line-delimited JSON-RPC framer that sits
// directly on stdin/stdout. It is the lowest layer in the broker: read one
// UTF-8 JSON object per line, write one per line, survive malformed lines and
// a gone peer without ever panicking the process.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/goadesign/force-broker/internal/telemetry"
)

const defaultMaxLineBytes = 32 * 1024 * 1024

// Options configures a Framer.
type Options struct {
	Reader       io.Reader
	Writer       io.Writer
	MaxLineBytes int
	Logger       telemetry.Logger
}

// Framer reads and writes line-delimited JSON-RPC messages. It is safe for
// one reader goroutine and many concurrent writer goroutines: Write
// serializes access to the underlying writer.
type Framer struct {
	scanner *bufio.Scanner
	writer  io.Writer
	logger  telemetry.Logger

	writeMu  sync.Mutex
	peerGone atomic.Bool
}

// New constructs a Framer over the given reader/writer pair.
func New(opts Options) *Framer {
	max := opts.MaxLineBytes
	if max <= 0 {
		max = defaultMaxLineBytes
	}
	sc := bufio.NewScanner(opts.Reader)
	sc.Buffer(make([]byte, 0, 64*1024), max)
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Framer{scanner: sc, writer: opts.Writer, logger: logger}
}

// RawLine carries either one raw input line in Bytes or, in Err, the read
// error that ended the input. The framer does not decode JSON: callers
// unmarshal Bytes themselves, so a line that fails to decode can be answered
// with a CodeParseError without ending the read loop.
type RawLine struct {
	Bytes []byte
	Err   error
}

// Lines returns a channel of RawLine values, one per non-blank input line,
// closed when the reader reaches EOF or a fatal read error. It never blocks
// the caller beyond the next line boundary. Lines does not parse JSON: a
// malformed line is delivered as raw bytes like any other and does not end
// the stream.
func (f *Framer) Lines(ctx context.Context) <-chan RawLine {
	out := make(chan RawLine)
	go func() {
		defer close(out)
		for f.scanner.Scan() {
			line := f.scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case out <- RawLine{Bytes: cp}:
			case <-ctx.Done():
				return
			}
		}
		if err := f.scanner.Err(); err != nil {
			select {
			case out <- RawLine{Err: fmt.Errorf("read line: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// WriteMessage marshals v to JSON and writes it as a single line. Writes that
// fail because the peer closed its receiving end (broken pipe, closed
// stream, connection reset) are swallowed: logged at debug level, and the
// peer is marked gone so subsequent writes are dropped silently without
// attempting the syscall again.
func (f *Framer) WriteMessage(ctx context.Context, v any) error {
	if f.peerGone.Load() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	f.writeMu.Lock()
	_, werr := f.writer.Write(data)
	f.writeMu.Unlock()

	if werr == nil {
		return nil
	}
	if isDisconnect(werr) {
		f.peerGone.Store(true)
		f.logger.Debug(ctx, "mcp transport: peer gone, dropping further writes", "error", werr.Error())
		return nil
	}
	return werr
}

// PeerGone reports whether a prior write detected that the peer's receive
// end was closed.
func (f *Framer) PeerGone() bool { return f.peerGone.Load() }

// isDisconnect classifies errors that indicate the reading end of the pipe
// has gone away: broken pipe, closed file, and connection reset are all
// treated the same way: writes may fail because the peer closed the
// receive end.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, substr := range []string{"broken pipe", "closed pipe", "connection reset", "file already closed", "use of closed"} {
		if contains(msg, substr) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}
