// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"errors"

	"go.uber.org/zap"
)

// ServiceWritable is the on_writable entry point (spec.md §6): the event
// loop calls this once, every time it learns the transport can accept more
// bytes, before delivering anything else to the connection. It clears the
// back-to-back write guard (spec.md §7 error kind 1, §8 "Back-to-back law":
// that guard exists precisely to catch a write issued without an
// intervening writable dispatch, and this is that dispatch) and gives any
// pending truncation buffer first claim on the transport.
//
// drained reports whether the truncation buffer is now empty. When it is
// not, the event loop must not deliver a new application write yet — the
// truncation buffer keeps strict priority until it fully drains.
func (c *Connection) ServiceWritable() (drained bool, err error) {
	c.couldHavePending = false
	if c.trunc.empty() {
		return true, nil
	}
	if _, err := c.issueRaw(c.trunc.pending()); err != nil {
		if errors.Is(err, ErrShouldClose) {
			return true, err
		}
		return false, err
	}
	return c.trunc.empty(), nil
}

// rearmWritable is invoked whenever L2 needs the event loop to redispatch
// this connection when its transport can accept more bytes (spec.md §6
// "on_writable"). The event loop itself is out of scope; tests and callers
// supply a no-op or a recording fake.
func (c *Connection) rearmWritable() {
	if c.onRearmWritable != nil {
		c.onRearmWritable()
	}
}

// issueRaw is L2 (spec.md §4.3): it owns the truncation buffer and the
// per-call rate cap, and absorbs whatever the Transport refuses. It returns
// bytes the caller may consider handed off — not bytes actually on the wire
// — matching the original's contract exactly (spec.md §4.3, §7 "Success
// from write means your buffer is accepted; it never means on the wire").
func (c *Connection) issueRaw(buf []byte) (int, error) {
	// Back-to-back detection (spec.md §4.3, §7 error kind 1, §8 "Back-to-back law").
	if c.couldHavePending {
		return 0, protocolViolationf("back-to-back write without an intervening writable dispatch")
	}

	if len(buf) == 0 {
		return 0, nil
	}

	// Flush-before-close discipline.
	if c.state == StateFlushingBeforeClose && c.trunc.empty() {
		return len(buf), nil
	}

	replayingTrunc := !c.trunc.empty()
	if replayingTrunc && !c.trunc.contains(buf) {
		return 0, protocolViolationf("write aliases outside the pending truncation buffer")
	}

	realLen := len(buf)

	offer := c.rateCap()
	if offer > len(buf) {
		offer = len(buf)
	}
	wn, werr := c.transport.Write(buf[:offer])
	c.couldHavePending = true
	if werr != nil && werr != ErrWouldBlock {
		// Fatal transport error.
		if !errors.Is(werr, ErrFatal) {
			werr = fatalf(werr)
		}
		return 0, werr
	}
	// A Transport may report genuine partial progress alongside
	// ErrWouldBlock (e.g. a deadline expiring mid-write); wn must still be
	// honored or those bytes would be replayed onto the wire a second time.
	n := wn

	c.onRestartPingTimer()

	if replayingTrunc {
		c.trunc.advance(n)
		if c.trunc.empty() {
			c.logger().Info("truncated send complete", zap.Int("bytes", n))
			if c.state == StateFlushingBeforeClose {
				return 0, ErrShouldClose
			}
			c.rearmWritable()
			return realLen, nil
		}
		c.rearmWritable()
		return realLen, nil
	}

	if n == realLen {
		// Sent cleanly; no truncation buffer involved.
		return n, nil
	}

	// Newly truncated send: absorb the remainder.
	c.logger().Info("truncated send start", zap.Int("sent", n), zap.Int("pending", realLen-n))
	c.trunc.absorb(buf[n:])
	c.rearmWritable()
	return realLen, nil
}

// rateCap implements spec.md §4.3's "Rate cap": the number of bytes
// actually offered to the transport per call is capped at
// max(tx_packet_size, rx_buffer_size, pt_serv_buf_size) + headroom for a
// mask nonce that may already be folded into the buffer being replayed.
func (c *Connection) rateCap() int {
	n := max(c.txPacketSize, c.rxBufferSize, c.servBufSize)
	return n + MaxHeadroom + 4
}
