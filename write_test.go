// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"code.hybscloud.com/egress"
)

// capturingTransport accepts everything it is handed; it is the "ideal"
// Transport for assertion-focused tests that care about framing, not about
// partial-send behavior (see TestIssueRawAbsorbsPartialSend-equivalent
// coverage in internal_test.go for that).
type capturingTransport struct {
	written bytes.Buffer
}

func (c *capturingTransport) Read(p []byte) (int, error) { return 0, io.EOF }
func (c *capturingTransport) Pending() int                { return 0 }
func (c *capturingTransport) Write(p []byte) (int, error) {
	return c.written.Write(p)
}

func TestWriteServerTextFrameUnmasked(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithWebSocketServer())
	c.SetRearmWritable(func() {})

	payload := append(make([]byte, egress.MaxHeadroom), []byte("hello")...)
	rb := egress.NewReservedBuffer(payload, egress.MaxHeadroom)

	n, err := c.Write(rb, egress.WP(egress.OpText))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("hello") {
		t.Fatalf("Write returned %d, want %d (clean_buffer accounting excludes the header)", n, len("hello"))
	}

	out := tr.written.Bytes()
	if len(out) != 2+len("hello") {
		t.Fatalf("wire bytes len = %d, want %d", len(out), 2+len("hello"))
	}
	if out[0] != 0x81 {
		t.Fatalf("FIN+opcode byte = %#x, want 0x81 (FIN, text)", out[0])
	}
	if out[1] != byte(len("hello")) {
		t.Fatalf("LEN byte = %d, want %d, unmasked", out[1], len("hello"))
	}
	if !bytes.Equal(out[2:], []byte("hello")) {
		t.Fatalf("payload = %q, want %q (server->client output is never masked)", out[2:], "hello")
	}
}

func TestWriteClientTextFrameMasked(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithWebSocketClient())
	c.SetRearmWritable(func() {})
	c.SetRandSource(bytes.NewReader(bytes.Repeat([]byte{0xAA, 0xBB, 0xCC, 0xDD}, 4)))

	payload := append(make([]byte, egress.MaxHeadroom), []byte("hi")...)
	rb := egress.NewReservedBuffer(payload, egress.MaxHeadroom)

	if _, err := c.Write(rb, egress.WP(egress.OpText)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := tr.written.Bytes()
	if out[1]&0x80 == 0 {
		t.Fatal("client write must set the MASK bit")
	}
	nonce := out[2:6]
	masked := out[6:]
	for i, b := range masked {
		if b^nonce[i%4] != "hi"[i] {
			t.Fatalf("byte %d unmasks to %q, want %q", i, b^nonce[i%4], "hi"[i])
		}
	}
}

func TestWriteDropsWhenNotWritable(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithWebSocketServer())
	c.SetRearmWritable(func() {})
	c.SetState(egress.StateReturnedClose)

	payload := append(make([]byte, egress.MaxHeadroom), []byte("late")...)
	n, err := c.Write(egress.NewReservedBuffer(payload, egress.MaxHeadroom), egress.WP(egress.OpText))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 0 {
		t.Fatalf("Write returned %d, want 0 (policy drop)", n)
	}
	if tr.written.Len() != 0 {
		t.Fatal("a dropped write must never reach the transport")
	}
}

func TestWriteCloseAllowedDuringClosingHandshake(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithWebSocketServer())
	c.SetRearmWritable(func() {})
	c.SetState(egress.StateWaitingToSendClose)

	payload := append(make([]byte, egress.MaxHeadroom), []byte("bye")...)
	n, err := c.Write(egress.NewReservedBuffer(payload, egress.MaxHeadroom), egress.WP(egress.OpClose))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("bye") {
		t.Fatalf("Write returned %d, want %d", n, len("bye"))
	}
	if tr.written.Len() == 0 {
		t.Fatal("a CLOSE frame during the closing handshake must reach the transport")
	}
}

func TestWriteHTTPBypassesFraming(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1(), egress.WithTxPacketSize(4096))
	c.SetRearmWritable(func() {})

	body := "HTTP/1.1 200 OK\r\n\r\nbody"
	n, err := c.Write(egress.NewReservedBuffer([]byte(body), 0), egress.WP(egress.OpHTTP))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(body) {
		t.Fatalf("Write returned %d, want %d", n, len(body))
	}
	if tr.written.String() != body {
		t.Fatalf("transport received %q, want %q unframed", tr.written.String(), body)
	}
}

func TestWriteBackToBackWithoutServiceWritableFails(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1())
	c.SetRearmWritable(func() {})

	first := []byte("one")
	if _, err := c.Write(egress.NewReservedBuffer(first, 0), egress.WP(egress.OpHTTP)); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	_, err := c.Write(egress.NewReservedBuffer([]byte("two"), 0), egress.WP(egress.OpHTTP))
	if !errors.Is(err, egress.ErrProtocolViolation) {
		t.Fatalf("second Write err = %v, want ErrProtocolViolation", err)
	}
}

// TestWriteFragmentedMessageHeadersEachFragment guards against conflating
// ws.inside_frame with the message's FIN bit: every fragment of an
// application-fragmented message must get its own freshly synthesized WS
// header once the prior fragment's dispatch fully reached the transport,
// even though only the last fragment carries FIN.
func TestWriteFragmentedMessageHeadersEachFragment(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithWebSocketServer())
	c.SetRearmWritable(func() {})

	frag := func(op egress.OpClass, s string, final bool) {
		payload := append(make([]byte, egress.MaxHeadroom), []byte(s)...)
		rb := egress.NewReservedBuffer(payload, egress.MaxHeadroom)
		wp := egress.WP(op)
		if !final {
			wp = wp.WithFlags(egress.FlagNoFin)
		}
		if _, err := c.ServiceWritable(); err != nil {
			t.Fatalf("ServiceWritable before fragment %q: %v", s, err)
		}
		if _, err := c.Write(rb, wp); err != nil {
			t.Fatalf("fragment %q: %v", s, err)
		}
	}
	frag(egress.OpText, "AAAA", false)
	frag(egress.OpContinuation, "BBBB", false)
	frag(egress.OpContinuation, "CCCC", true)

	out := tr.written.Bytes()
	off := 0
	for i, want := range []struct {
		opcode byte
		body   string
	}{
		{0x1, "AAAA"},
		{0x0, "BBBB"},
		{0x0, "CCCC"},
	} {
		if off >= len(out) {
			t.Fatalf("fragment %d: ran out of wire bytes, got %d total", i, len(out))
		}
		finBit := out[off]&0x80 != 0
		wantFin := i == 2
		if finBit != wantFin {
			t.Fatalf("fragment %d FIN = %v, want %v", i, finBit, wantFin)
		}
		if opcode := out[off] & 0x0f; opcode != want.opcode {
			t.Fatalf("fragment %d opcode = %#x, want %#x", i, opcode, want.opcode)
		}
		length := int(out[off+1] & 0x7f)
		if length != len(want.body) {
			t.Fatalf("fragment %d length byte = %d, want %d", i, length, len(want.body))
		}
		got := out[off+2 : off+2+length]
		if !bytes.Equal(got, []byte(want.body)) {
			t.Fatalf("fragment %d payload = %q, want %q (a missing per-fragment header would run fragments together)", i, got, want.body)
		}
		off += 2 + length
	}
	if off != len(out) {
		t.Fatalf("trailing unexpected bytes after 3 fragments: %q", out[off:])
	}
}

// truncatingTransport accepts at most limit bytes on its first call, then
// accepts everything afterward — standing in for a socket whose send buffer
// is briefly full.
type truncatingTransport struct {
	limit     int
	firstCall bool
	written   bytes.Buffer
}

func (t *truncatingTransport) Read(p []byte) (int, error) { return 0, io.EOF }
func (t *truncatingTransport) Pending() int                { return 0 }
func (t *truncatingTransport) Write(p []byte) (int, error) {
	n := len(p)
	if !t.firstCall {
		t.firstCall = true
		if n > t.limit {
			n = t.limit
		}
	}
	t.written.Write(p[:n])
	return n, nil
}

// TestWriteTruncatedThenServiceWritableThenWriteFramesCorrectly guards
// against conflating ws.inside_frame with "the transport still has pending
// truncated bytes": a write that triggers a newly-truncated send must still
// report itself fully consumed (spec.md §4.1 step 11, §7), so a subsequent
// ServiceWritable drain followed by a fresh Write synthesizes its own WS
// header and mask rather than hitting the inside-frame short-circuit and
// going out raw.
func TestWriteTruncatedThenServiceWritableThenWriteFramesCorrectly(t *testing.T) {
	tr := &truncatingTransport{limit: 4}
	c := egress.NewConnection(tr, egress.WithWebSocketServer())
	c.SetRearmWritable(func() {})

	first := append(make([]byte, egress.MaxHeadroom), []byte("hello")...)
	if _, err := c.Write(egress.NewReservedBuffer(first, egress.MaxHeadroom), egress.WP(egress.OpText)); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	drained, err := c.ServiceWritable()
	if err != nil {
		t.Fatalf("ServiceWritable: %v", err)
	}
	if !drained {
		t.Fatal("ServiceWritable should drain the remainder once the transport accepts it")
	}

	second := append(make([]byte, egress.MaxHeadroom), []byte("world")...)
	if _, err := c.Write(egress.NewReservedBuffer(second, egress.MaxHeadroom), egress.WP(egress.OpText)); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	out := tr.written.Bytes()
	// First frame: 2-byte header + "hello".
	if out[0] != 0x81 {
		t.Fatalf("first frame FIN+opcode byte = %#x, want 0x81", out[0])
	}
	if out[1] != byte(len("hello")) {
		t.Fatalf("first frame LEN byte = %d, want %d", out[1], len("hello"))
	}
	if !bytes.Equal(out[2:2+len("hello")], []byte("hello")) {
		t.Fatalf("first frame payload = %q, want %q", out[2:2+len("hello")], "hello")
	}

	off := 2 + len("hello")
	if off >= len(out) {
		t.Fatalf("second frame missing entirely: %q", out)
	}
	if out[off] != 0x81 {
		t.Fatalf("second frame FIN+opcode byte = %#x, want 0x81 (a correctly re-synthesized header)", out[off])
	}
	if out[off+1] != byte(len("world")) {
		t.Fatalf("second frame LEN byte = %d, want %d", out[off+1], len("world"))
	}
	got := out[off+2 : off+2+len("world")]
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("second frame payload = %q, want %q (inside_frame stuck true would skip this header and mask, corrupting the stream)", got, "world")
	}
}

func TestWriteThenServiceWritableUnblocks(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1())
	c.SetRearmWritable(func() {})

	if _, err := c.Write(egress.NewReservedBuffer([]byte("one"), 0), egress.WP(egress.OpHTTP)); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if _, err := c.ServiceWritable(); err != nil {
		t.Fatalf("ServiceWritable: %v", err)
	}
	if _, err := c.Write(egress.NewReservedBuffer([]byte("two"), 0), egress.WP(egress.OpHTTP)); err != nil {
		t.Fatalf("second Write after ServiceWritable: %v", err)
	}
	if tr.written.String() != "onetwo" {
		t.Fatalf("transport received %q, want %q", tr.written.String(), "onetwo")
	}
}
