// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "go.uber.org/zap"

// Write is L4 (spec.md §4.1): the single entry point an application (or the
// file pump) uses to send one fragment of one message. rb should carry at
// least MaxHeadroom bytes of headroom unless the caller already knows a
// smaller header will be synthesized (e.g. a short control frame).
//
// A successful return reports how many bytes of rb.Payload() were handed
// off — not how many reached the wire; a refused tail is absorbed into the
// connection's truncation buffer and replayed with strict priority the next
// time the caller reports the connection writable (spec.md §7 "Success
// means your buffer is accepted; it never means on the wire"). A policy
// drop (writing while not in a writable state) returns (0, nil); any
// non-nil error leaves the connection unusable for further writes.
func (c *Connection) Write(rb ReservedBuffer, wp WriteProtocolTag) (int, error) {
	// Step 1: parent delegation (CHILD_WRITE_VIA_PARENT).
	if c.parentCarriesIO {
		if err := c.parentWrite(rb.Payload(), wp); err != nil {
			return 0, err
		}
		c.onRestartPingTimer()
		return len(rb.Payload()), nil
	}

	origLen := len(rb.Payload())

	// Step 3: a pending extension drain overrides whatever wp the caller
	// passed — the FIN decision belongs to the last fragment of the logical
	// message, not to any intermediate drained chunk.
	if c.ws.drain.kind == drainDraining {
		if c.pool != nil {
			c.pool.drain.remove(c)
		}
		wp = WriteProtocolTag{Op: OpContinuation, Flags: c.ws.drain.flags}
		c.ws.drain = drainState{}
	}

	// Step 4: HTTP opcodes bypass WS framing (and, for OpHTTP/OpHTTPFinal
	// under plain HTTP/1, the extension chain too) entirely.
	if wp.Op.isHTTP() {
		n, err := c.emit(rb.Payload(), wp)
		if err != nil {
			return 0, err
		}
		return n, nil
	}

	// Step 5: state gate — silently drop unless this is a CLOSE during the
	// closing handshake (spec.md §4.1 step 5, §9 "binning" behavior).
	if !c.state.wsWritable() && !(wp.Op == OpClose && c.state.closingHandshake()) {
		return 0, nil
	}

	// Step 6: inside-frame short-circuit resumes a frame whose header was
	// already synthesized by an earlier call whose dispatch was only partly
	// consumed (an extension's PacketTxDoSend reporting fewer bytes than
	// offered); only masking continuity and dispatch remain. This is
	// unrelated to the message's FIN bit — a fragmented message's next
	// fragment still needs its own header.
	if c.ws.insideFrame {
		payload := rb.Payload()
		if c.mode.isClient() {
			c.ws.maskIdx = applyMask(payload, c.ws.mask, c.ws.maskIdx)
		}
		n, err := c.emit(payload, wp)
		if err != nil {
			return 0, err
		}
		c.ws.insideFrame = n != len(payload)
		return finishCount(n, 0, origLen, true), nil
	}

	c.ws.cleanBuffer = true
	buf := rb.Payload()

	// Step 7: extension TX chain; control frames are never offered.
	if !wp.Op.isControlOrNoExt() {
		out, drainMore, err := c.ext.PayloadTX(wp, buf)
		if err != nil {
			return 0, err
		}

		switch {
		case len(buf) != 0 && len(out) == 0:
			// The extension consumed the input but produced nothing to send
			// yet; remember the opcode it would have framed with and report
			// success without writing anything (ws->stashed_write_pending).
			if !c.ws.stashedOpPending {
				c.ws.stashedOp = wp.Op
			}
			c.ws.stashedOpPending = true
			return origLen, nil
		case c.ws.stashedOpPending:
			c.ws.stashedOpPending = false
			wp.Op = c.ws.stashedOp
		}

		if drainMore {
			c.ws.drain = drainState{kind: drainDraining, flags: wp.Flags}
			if c.pool != nil {
				c.pool.drain.enroll(c)
			}
			c.rearmWritable()
			wp.Flags |= FlagNoFin
		}

		if !samePointer(buf, out) {
			c.ws.cleanBuffer = false
		}
		buf = out
	}
	if buf == nil {
		return 0, protocolViolationf("nil payload after extension chain")
	}

	target := rb
	if !c.ws.cleanBuffer {
		target = rb.WithPayload(buf)
	}
	return c.frameAndEmit(target, buf, wp, origLen)
}

// frameAndEmit implements steps 8–11: WS header synthesis, masking, and
// final dispatch (HTTP/2 reframing or the extension/transport sink), with
// the clean_buffer-dependent return-value rule (spec.md §4.1 step 11).
func (c *Connection) frameAndEmit(rb ReservedBuffer, buf []byte, wp WriteProtocolTag, origLen int) (int, error) {
	opcode, ok := wp.Op.wsOpcode()
	if !ok {
		return 0, protocolViolationf("unknown opcode class %v for WS write", wp.Op)
	}

	masked := c.mode.isClient()
	hdrLen := wsHeaderSize(int64(len(buf)))
	pre := hdrLen
	if masked {
		pre += 4
	}

	framed, err := rb.prepend(pre)
	if err != nil {
		return 0, err
	}
	fin := !wp.Flags.has(FlagNoFin)
	writeWSHeader(framed[:hdrLen], opcode, fin, masked, int64(len(buf)))

	if masked {
		nonce, err := generateMaskNonce(c.ws.randSource)
		if err != nil {
			c.logger().Error("frame mask generation failed", zap.Error(err))
			return 0, err
		}
		c.ws.mask = nonce
		copy(framed[hdrLen:pre], nonce[:])
		c.ws.maskIdx = applyMask(framed[pre:], nonce, 0)
	}

	n, err := c.emit(framed, wp)
	if err != nil {
		return 0, err
	}
	// inside_frame tracks whether L3 reported full consumption of this
	// dispatch, not the message's FIN bit (spec.md §3 "ws.inside_frame",
	// §4.1 step 11). issueRaw reports a newly-truncated send as fully
	// consumed too (the truncation buffer has taken ownership of the
	// remainder; spec.md §7 "success means your buffer is accepted, it
	// never means on the wire") — so it clears inside_frame exactly like a
	// clean full send. Only a genuine partial consumption at this layer
	// (an extension's PACKET_TX_DO_SEND claiming fewer bytes than offered)
	// leaves inside_frame set, so the next call resumes mid-frame instead
	// of synthesizing a new header.
	c.ws.insideFrame = n != len(framed)
	return finishCount(n, pre, origLen, c.ws.cleanBuffer), nil
}

// finishCount reproduces the original's return-value convention: when the
// buffer handed to L2 is still the caller's own (clean_buffer), the header
// length is subtracted back out so the caller only ever sees its own
// payload accounted for; once an extension has substituted a different
// buffer, that accounting is no longer possible and the full original
// length is reported instead (spec.md §4.1 step 11).
func finishCount(n, pre, origLen int, cleanBuffer bool) int {
	if !cleanBuffer {
		return origLen
	}
	return n - pre
}

// emit is the shared sink for steps 10–11: HTTP/2-framed connections wrap
// buf in a DATA/HEADERS/CONTINUATION frame via the installed h2FrameWriter;
// everything else goes through the extension's PACKET_TX_DO_SEND hook and,
// absent that, straight to L2 (issueRaw).
func (c *Connection) emit(buf []byte, wp WriteProtocolTag) (int, error) {
	if c.mode.isHTTP2() {
		if _, err := reframeHTTP2(c, buf, wp); err != nil {
			return 0, err
		}
		c.onRestartPingTimer()
		return len(buf), nil
	}
	return c.extensionAccess(buf)
}
