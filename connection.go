// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"crypto/rand"
	"io"

	"go.uber.org/zap"
)

// Connection is one client session's egress state (spec.md §3). It is
// owned exclusively by the goroutine that services it; no field is
// synchronized (spec.md §5).
type Connection struct {
	transport Transport
	ext       Extension
	pool      *Pool

	mode  Mode
	state State

	trunc            truncBuf
	couldHavePending bool

	txPacketSize int
	rxBufferSize int
	servBufSize  int

	onRearmWritable func()

	ws  wsState
	h2  h2State
	http httpState

	// parent delegation (spec.md §3 "parent_carries_io, parent"): when set,
	// Write hands the call to parentWrite instead of doing any I/O itself.
	parentCarriesIO bool
	parentWrite     func(buf []byte, wp WriteProtocolTag) error

	onRestartPingTimer func()
}

// wsState groups the WebSocket-only fields of Connection (spec.md §3).
type wsState struct {
	mask    [4]byte
	maskIdx uint32

	insideFrame bool
	cleanBuffer bool

	drain drainState

	// stashedOpPending/stashedOp reproduce ws->stashed_write_pending and
	// ws->stashed_write_type: set when an extension consumes a call's input
	// but produces no output yet, so the opcode it would have framed with
	// must be remembered for the write that finally does produce output.
	stashedOpPending bool
	stashedOp        OpClass

	randSource io.Reader
}

// h2State groups the HTTP/2 tunnelling fields of Connection (spec.md §3).
type h2State struct {
	streamID       uint32
	sendEndStream  bool
	contentLength  int64
	contentRemain  int64
	framer         h2FrameWriter
}

// httpState groups the file-pump fields of Connection (spec.md §3).
type httpState struct {
	filepos int64
	filelen int64
	file    io.ReaderAt

	sendingChunked bool
	interpreting   bool
	interpret      func(p []byte, maxLen int, final bool) ([]byte, error)

	rng rangeState
}

// NewConnection constructs a Connection writing to transport.
func NewConnection(transport Transport, opts ...ConnOption) *Connection {
	o := defaultConnOptions
	for _, fn := range opts {
		fn(&o)
	}
	c := &Connection{
		transport:    transport,
		ext:          o.Extension,
		mode:         o.Mode,
		state:        StateNormal,
		txPacketSize: o.TxPacketSize,
		rxBufferSize: o.RxBufferSize,
	}
	c.ws.randSource = rand.Reader
	c.onRestartPingTimer = func() {}
	return c
}

// BindPool attaches the Pool that owns this connection's scratch buffer and
// extension drain list. It must be called before the first Write when an
// extension may need to drain (spec.md §3 "per-thread state").
func (c *Connection) BindPool(p *Pool) {
	c.pool = p
	c.servBufSize = p.servSize
}

// logger returns the Pool's configured logger, or a no-op logger for a
// Connection with no bound Pool.
func (c *Connection) logger() *zap.Logger {
	if c.pool == nil || c.pool.logger == nil {
		return zap.NewNop()
	}
	return c.pool.logger
}

// SetRearmWritable installs the callback invoked whenever L2 needs the
// event loop to redispatch this connection once its transport can accept
// more bytes (spec.md §6 "on_writable").
func (c *Connection) SetRearmWritable(fn func()) {
	c.onRearmWritable = fn
}

// SetState transitions the connection's lifecycle state as observed by the
// egress path (spec.md §3 "state").
func (c *Connection) SetState(s State) { c.state = s }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// SetRandSource overrides the masking-nonce source (default crypto/rand.Reader).
// Exposed primarily for deterministic tests (spec.md §8 scenario 3).
func (c *Connection) SetRandSource(r io.Reader) { c.ws.randSource = r }

// SetPingTimerRestarter installs the callback invoked on every successful
// write, restarting the out-of-scope idle ping/pong timer (spec.md §1).
func (c *Connection) SetPingTimerRestarter(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	c.onRestartPingTimer = fn
}

// SetParentDelegate marks this connection as carrying its I/O through a
// parent connection's protocol callback (spec.md §4.1 step 1,
// CHILD_WRITE_VIA_PARENT). Passing a nil fn clears delegation.
func (c *Connection) SetParentDelegate(fn func(buf []byte, wp WriteProtocolTag) error) {
	c.parentCarriesIO = fn != nil
	c.parentWrite = fn
}

// SetFile arms the file pump to stream [0, length) of f, starting at
// filepos 0 (spec.md §4.4).
func (c *Connection) SetFile(f io.ReaderAt, length int64) {
	c.http.file = f
	c.http.filelen = length
	c.http.filepos = 0
}

// SetChunked enables HTTP/1 chunked transfer-encoding framing in the file pump.
func (c *Connection) SetChunked(chunked bool) { c.http.sendingChunked = chunked }

// SetContentLength arms HTTP/2 flow bookkeeping (spec.md §4.1 step 10):
// tx_content_remain is decremented by each body write and forces
// HTTP_FINAL/END_STREAM once it reaches zero.
func (c *Connection) SetContentLength(n int64) {
	c.h2.contentLength = n
	c.h2.contentRemain = n
}

// SetInterpreter installs the PROCESS_HTML callback (spec.md §4.4
// "Interpreter hook"): it may rewrite p in place or return a different
// slice, bounded by maxLen.
func (c *Connection) SetInterpreter(fn func(p []byte, maxLen int, final bool) ([]byte, error)) {
	c.http.interpreting = fn != nil
	c.http.interpret = fn
}

// SetRanges arms the byte-range multipart state (spec.md §4.4 "Range
// handling"); pass nil to serve the whole file.
func (c *Connection) SetRanges(ranges []ByteRange, contentType string) {
	c.http.rng = newRangeState(ranges, contentType)
}

// SetHTTP2 installs the stream id and frame writer used for HTTP/2
// reframing (spec.md §4.1 step 10). Required when mode is ModeHTTP2 or
// ModeHTTP2WS.
func (c *Connection) SetHTTP2(streamID uint32, fw h2FrameWriter) {
	c.h2.streamID = streamID
	c.h2.framer = fw
}
