// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress_test

import (
	"bytes"
	"strconv"
	"testing"

	"code.hybscloud.com/egress"
)

// pumpUntilDone drives PumpFile to completion, routing every dispatch but
// the first through ServiceWritable first, mirroring the event loop's
// writable round-trip (spec.md §4.1 "Back-to-back law": a second write
// without that round-trip is a protocol violation, so test loops must
// exercise the same discipline a real caller would).
func pumpUntilDone(t *testing.T, c *egress.Connection, scratch []byte) {
	t.Helper()
	for i := 0; ; i++ {
		if i > 0 {
			if _, err := c.ServiceWritable(); err != nil {
				t.Fatalf("ServiceWritable: %v", err)
			}
		}
		if i > 1<<20 {
			t.Fatal("PumpFile never reported done")
		}
		done, err := c.PumpFile(scratch)
		if err != nil {
			t.Fatalf("PumpFile: %v", err)
		}
		if done {
			return
		}
	}
}

// decodeChunked reverses HTTP/1.1 chunked transfer-encoding, failing the
// test on any malformed chunk rather than returning an error, since every
// caller here already knows the input must be well-formed.
func decodeChunked(t *testing.T, b []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			t.Fatalf("chunked stream ended mid-header: %q", b)
		}
		sizeLine := bytes.TrimRight(b[:nl], "\r")
		size, err := strconv.ParseInt(string(sizeLine), 16, 64)
		if err != nil {
			t.Fatalf("bad chunk size line %q: %v", sizeLine, err)
		}
		b = b[nl+1:]
		if size == 0 {
			return out.Bytes()
		}
		if int64(len(b)) < size+2 {
			t.Fatalf("chunk body shorter than declared size %d: %q", size, b)
		}
		out.Write(b[:size])
		if !bytes.Equal(b[size:size+2], []byte("\r\n")) {
			t.Fatalf("chunk %d missing trailing CRLF", size)
		}
		b = b[size+2:]
	}
}

func TestPumpFileWholeChunked(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1(), egress.WithTxPacketSize(4096))
	c.SetRearmWritable(func() {})

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 50)
	c.SetChunked(true)
	c.SetFile(bytes.NewReader(content), int64(len(content)))

	scratch := make([]byte, 256) // small on purpose: forces several pump iterations
	pumpUntilDone(t, c, scratch)

	got := decodeChunked(t, tr.written.Bytes())
	if !bytes.Equal(got, content) {
		t.Fatalf("decoded chunked body (%d bytes) does not match source (%d bytes)", len(got), len(content))
	}
}

func TestPumpFileWholeUnchunked(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1(), egress.WithTxPacketSize(4096))
	c.SetRearmWritable(func() {})

	content := []byte("small body that fits in one iteration")
	c.SetFile(bytes.NewReader(content), int64(len(content)))

	scratch := make([]byte, 512)
	done, err := c.PumpFile(scratch)
	if err != nil {
		t.Fatalf("PumpFile: %v", err)
	}
	if !done {
		t.Fatal("a body smaller than one scratch buffer should finish in a single iteration")
	}
	if !bytes.Equal(tr.written.Bytes(), content) {
		t.Fatalf("transport got %q, want %q", tr.written.Bytes(), content)
	}
}

func TestPumpFileSingleByteRange(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1(), egress.WithTxPacketSize(4096))
	c.SetRearmWritable(func() {})

	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	c.SetFile(bytes.NewReader(content), int64(len(content)))
	c.SetRanges([]egress.ByteRange{{Start: 5, End: 14}}, "text/plain")

	scratch := make([]byte, 512)
	pumpUntilDone(t, c, scratch)

	want := content[5:15]
	if !bytes.Equal(tr.written.Bytes(), want) {
		t.Fatalf("single-range body = %q, want %q (no multipart envelope for one range)", tr.written.Bytes(), want)
	}
}

func TestPumpFileMultipartByteRanges(t *testing.T) {
	tr := &capturingTransport{}
	c := egress.NewConnection(tr, egress.WithHTTP1(), egress.WithTxPacketSize(4096))
	c.SetRearmWritable(func() {})

	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	c.SetFile(bytes.NewReader(content), int64(len(content)))
	c.SetRanges([]egress.ByteRange{{Start: 0, End: 3}, {Start: 10, End: 13}}, "text/plain")

	scratch := make([]byte, 512)
	pumpUntilDone(t, c, scratch)

	out := tr.written.Bytes()
	if !bytes.Contains(out, content[0:4]) || !bytes.Contains(out, content[10:14]) {
		t.Fatalf("multipart output %q does not contain both requested ranges", out)
	}
	if bytes.Count(out, []byte("Content-Range: bytes")) != 2 {
		t.Fatalf("multipart output should carry one Content-Range header per part: %q", out)
	}
	if !bytes.HasSuffix(out, []byte("_lws\r\n")) {
		t.Fatalf("multipart output must end with the trailing boundary: %q", out)
	}
}
