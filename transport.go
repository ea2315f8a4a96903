// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"errors"
	"io"
	"net"
	"runtime"
	"syscall"
	"time"
)

// Transport is the non-blocking byte sink the egress pipeline writes to.
// It is polymorphic over {plain socket, TLS, …}; this package only ships
// the plain-socket adapter (NewNetTransport) — TLS and anything else is an
// external collaborator, per spec.md §1.
//
// Write must never block. A Write that cannot make progress immediately
// returns (0, ErrWouldBlock); a Write that succeeds partially returns
// n<len(p) with either a nil error or ErrWouldBlock, and the caller (L2) is
// responsible for absorbing the remainder. Any other non-nil error is
// fatal: the connection must be treated as permanently unusable.
type Transport interface {
	io.Reader
	io.Writer

	// Pending returns the number of bytes buffered by the transport that
	// are available to read without blocking beyond what the OS already
	// exposes. Plain sockets always return 0 (spec.md §4.5).
	Pending() int
}

// netTransport adapts a net.Conn (expected to be in non-blocking /
// deadline-driven mode) to Transport, mapping its error classes the way
// spec.md §4.5 and §7 require: EAGAIN/EWOULDBLOCK/EINTR become
// ErrWouldBlock, everything else is fatal.
type netTransport struct {
	conn net.Conn

	// blockingSendHinted is set on EWOULDBLOCK so higher layers can adapt
	// scheduling; nothing in this package currently consumes it (the event
	// loop is out of scope), matching the reference implementation which
	// also only sets the hint without acting on it locally.
	blockingSendHinted bool

	// onActivity is invoked after every successful Read/Write; it restarts
	// the connection's idle ping/pong timer (spec.md §1, out-of-scope timer
	// requirement consumed here only as a callback).
	onActivity func()
}

// NewNetTransport wraps conn as a Transport. conn should already be
// configured for non-blocking semantics by the caller (e.g. via
// SetReadDeadline/SetWriteDeadline with a zero or near-zero deadline, or a
// conn type that natively returns EWOULDBLOCK); NewNetTransport does not
// change conn's blocking mode itself.
func NewNetTransport(conn net.Conn, onActivity func()) Transport {
	if onActivity == nil {
		onActivity = func() {}
	}
	return &netTransport{conn: conn, onActivity: onActivity}
}

func (t *netTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if n > 0 {
		t.onActivity()
	}
	return n, classifyIOError(err)
}

func (t *netTransport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if n > 0 {
		t.onActivity()
	}
	if err != nil {
		if isWouldBlock(err) {
			t.blockingSendHinted = true
		}
		return n, classifyIOError(err)
	}
	return n, nil
}

func (t *netTransport) Pending() int { return 0 }

// classifyIOError maps a net.Conn error to the egress error vocabulary:
// transient (ErrWouldBlock) vs fatal (wrapped ErrFatal). A nil error and
// io.EOF pass through unchanged — EOF is a normal, non-fatal end of stream
// that callers decide how to handle.
func classifyIOError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if isWouldBlock(err) {
		return ErrWouldBlock
	}
	return fatalf(err)
}

func isWouldBlock(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// retryPolicy governs how readOnce/writeOnce react to ErrWouldBlock,
// following the teacher's RetryDelay convention exactly
// (_examples/hayabusa-cloud-framer/options.go, internal.go): negative means
// non-blocking (return immediately), zero means cooperative-yield-and-retry,
// positive sleeps for the duration before retrying.
type retryPolicy struct {
	delay time.Duration
}

func (r retryPolicy) waitOnce() bool {
	if r.delay < 0 {
		return false
	}
	if r.delay == 0 {
		runtime.Gosched()
		return true
	}
	time.Sleep(r.delay)
	return true
}

// readOnce and writeOnce are adapted directly from the teacher's
// framer.readOnce/writeOnce (_examples/hayabusa-cloud-framer/internal.go):
// guard against contract-violating (0, nil) results and optionally
// cooperative-retry on ErrWouldBlock per the configured retryPolicy. No
// code in this package calls them: L2 (issueRaw) and the file pump call
// Transport.Write directly, through Write, and never retry.
func readOnce(t Transport, p []byte, rp retryPolicy) (n int, err error) {
	for {
		n, err = t.Read(p)
		if len(p) != 0 && n == 0 && err == nil {
			return 0, io.ErrNoProgress
		}
		if n > 0 || err != ErrWouldBlock {
			return n, err
		}
		if !rp.waitOnce() {
			return n, err
		}
	}
}

func writeOnce(t Transport, p []byte, rp retryPolicy) (n int, err error) {
	for {
		n, err = t.Write(p)
		if len(p) != 0 && n == 0 && err == nil {
			return 0, io.ErrShortWrite
		}
		if n > 0 || err != ErrWouldBlock {
			return n, err
		}
		if !rp.waitOnce() {
			return n, err
		}
	}
}
