// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"io"
	"strconv"

	"go.uber.org/zap"
)

const (
	// chunkHeaderReserve is headroom for the largest hex chunk-size prefix
	// this pump emits ("ffffffff\r\n") plus slack.
	chunkHeaderReserve = 16
	// pumpSlack is reserved past the body read for a trailing multipart
	// boundary, the chunk trailer CRLF, and the zero-length terminator
	// chunk, whichever combination applies (spec.md §4.4).
	pumpSlack = 128
)

// PumpFile drains one iteration of the chunked/ranged file-body pump
// (spec.md §4.4). scratch is borrowed caller memory (typically a Pool's
// scratch buffer); the pump reads into its middle, leaving
// chunkHeaderReserve bytes of headroom at the front and pumpSlack bytes of
// slack at the back, so a chunk-encoding prefix and a multipart trailer can
// both be synthesized without an extra copy in the common case.
//
// Exactly one Write call happens per PumpFile call — a multipart range's
// boundary/header text is folded into the same write as its first data
// fragment rather than sent separately, because the pipeline forbids a
// second write without an intervening event-loop writable dispatch
// (spec.md §4.1 "Back-to-back law"): the caller must route each PumpFile
// call through its own ServiceWritable-gated dispatch.
//
// The truncation buffer keeps strict priority: if a previous fragment is
// still draining, PumpFile is a no-op — the caller must call
// ServiceWritable first and redeliver this dispatch once it empties,
// mirroring lws_serve_http_file_fragment's early return.
//
// done reports whether the armed file (and, with byte ranges active, every
// requested range) has now been fully sent.
func (c *Connection) PumpFile(scratch []byte) (done bool, err error) {
	if c.http.file == nil {
		return true, nil
	}
	if !c.trunc.empty() {
		return false, nil
	}
	if len(scratch) <= chunkHeaderReserve+pumpSlack {
		return false, protocolViolationf("scratch buffer too small for file pump framing")
	}
	bodyCap := len(scratch) - chunkHeaderReserve - pumpSlack
	if c.txPacketSize > 0 && bodyCap > c.txPacketSize {
		bodyCap = c.txPacketSize
	}

	if c.http.rng.active() {
		return c.pumpRanged(scratch, bodyCap)
	}
	return c.pumpWhole(scratch, bodyCap)
}

func (c *Connection) pumpWhole(scratch []byte, bodyCap int) (bool, error) {
	remain := c.http.filelen - c.http.filepos
	if remain <= 0 {
		return true, nil
	}
	readLen := bodyCap
	if int64(readLen) > remain {
		readLen = int(remain)
	}

	n, rerr := c.http.file.ReadAt(scratch[chunkHeaderReserve:chunkHeaderReserve+readLen], c.http.filepos)
	if rerr != nil && rerr != io.EOF {
		return false, fatalf(rerr)
	}
	c.http.filepos += int64(n)
	final := c.http.filepos >= c.http.filelen

	out, op, err := c.frameBody(scratch, n, final, false, "")
	if err != nil {
		return false, err
	}
	if _, err := c.Write(NewReservedBuffer(out, 0), WP(op)); err != nil {
		return false, err
	}
	if final {
		c.logger().Info("file pump complete", zap.Int64("bytes", c.http.filelen))
	}
	return final, nil
}

func (c *Connection) pumpRanged(scratch []byte, bodyCap int) (bool, error) {
	rng := &c.http.rng
	if rng.finished() {
		return true, nil
	}
	if rng.extent == 0 {
		rng.extent = c.http.filelen
	}

	var prefix string
	if !rng.inside {
		cur := rng.current()
		c.http.filepos = cur.Start
		rng.budget = cur.End - cur.Start + 1
		rng.inside = true
		c.logger().Info("range entry", zap.Int64("start", cur.Start), zap.Int64("end", cur.End))
		if rng.multipart() {
			prefix = cur.partHeader(rng.contentType, rng.extent)
		}
	}

	readLen := bodyCap - len(prefix)
	if readLen < 0 {
		readLen = 0
	}
	if int64(readLen) > rng.budget {
		readLen = int(rng.budget)
	}

	n, rerr := c.http.file.ReadAt(scratch[chunkHeaderReserve:chunkHeaderReserve+readLen], c.http.filepos)
	if rerr != nil && rerr != io.EOF {
		return false, fatalf(rerr)
	}
	c.http.filepos += int64(n)
	rng.budget -= int64(n)

	rangeExhausted := rng.budget == 0
	more := true
	if rangeExhausted {
		more = rng.advance()
	}
	final := !more
	lastMultipartByte := rangeExhausted && rng.multipart() && final

	out, op, err := c.frameBody(scratch, n, final, lastMultipartByte, prefix)
	if err != nil {
		return false, err
	}
	if _, err := c.Write(NewReservedBuffer(out, 0), WP(op)); err != nil {
		return false, err
	}
	if final {
		c.logger().Info("file pump complete", zap.Int64("bytes", c.http.filelen))
	}
	return final, nil
}

// frameBody applies the interpreter hook, a leading multipart part-header
// (prefix, non-empty only on the first fragment of a new range), a
// trailing multipart boundary (lastMultipartByte), and the
// chunked-transfer-encoding envelope, to the n bytes just read into
// scratch[chunkHeaderReserve:]. In the common case (no interpreter
// substitution, no prefix) the returned slice is a view into scratch
// itself; the rarer combinations fall back to a small fresh allocation.
func (c *Connection) frameBody(scratch []byte, n int, final, lastMultipartByte bool, prefix string) ([]byte, OpClass, error) {
	op := OpHTTP
	if final {
		op = OpHTTPFinal
	}

	body := scratch[chunkHeaderReserve : chunkHeaderReserve+n]
	redirected := false
	if c.http.interpreting {
		out, ierr := c.http.interpret(body, cap(body), final)
		if ierr != nil {
			return nil, 0, ierr
		}
		redirected = !samePointer(body, out)
		body = out
	}

	if lastMultipartByte {
		tb := trailingBoundary()
		if !redirected && cap(body)-len(body) >= len(tb) {
			body = append(body, tb...)
		} else {
			body = append(append([]byte(nil), body...), tb...)
			redirected = true
		}
	}

	if prefix != "" {
		composed := make([]byte, 0, len(prefix)+len(body))
		composed = append(composed, prefix...)
		composed = append(composed, body...)
		body = composed
		redirected = true
	}

	if !c.http.sendingChunked {
		return body, op, nil
	}

	hexLine := strconv.FormatInt(int64(len(body)), 16) + "\r\n"
	terminator := ""
	if final {
		terminator = "0\r\n\r\n"
	}

	if !redirected {
		rb := NewReservedBuffer(scratch, chunkHeaderReserve)
		framed, perr := rb.prepend(len(hexLine))
		if perr != nil {
			return nil, 0, perr
		}
		copy(framed, hexLine)
		tailStart := chunkHeaderReserve + len(body)
		trailer := "\r\n" + terminator
		copy(scratch[tailStart:], trailer)
		return scratch[rb.offset : tailStart+len(trailer)], op, nil
	}

	composite := make([]byte, 0, len(hexLine)+len(body)+2+len(terminator))
	composite = append(composite, hexLine...)
	composite = append(composite, body...)
	composite = append(composite, "\r\n"...)
	composite = append(composite, terminator...)
	return composite, op, nil
}
