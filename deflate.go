// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"bytes"

	"github.com/klauspost/compress/flate"
)

// pmceChunkSize bounds how much compressed output PermessageDeflate hands
// back from a single PayloadTX call; larger messages drain across several
// writable dispatches via the Pool's drain list (spec.md §4.1 step 7, §5
// "Extension drain").
const pmceChunkSize = 4096

// syncFlushMarker is the RFC 7692 §7.2.1 4-octet empty DEFLATE block a sync
// flush always leaves at the tail of the compressed stream; the compressor
// removes it from the final fragment of a message, and a compliant peer
// re-appends it before inflating.
var syncFlushMarker = [4]byte{0x00, 0x00, 0xff, 0xff}

// PermessageDeflate is a permessage-deflate (RFC 7692) TX-side Extension:
// it compresses each message's payload with a raw DEFLATE stream, handing
// compressed bytes back to the caller in bounded chunks. One instance holds
// one connection's compression context — construct a fresh instance per
// Connection, never share one across connections.
type PermessageDeflate struct {
	level             int
	noContextTakeover bool

	zw  *flate.Writer
	buf bytes.Buffer

	pending []byte
}

// NewPermessageDeflate constructs a TX-side permessage-deflate Extension.
// level follows compress/flate's scale (flate.BestSpeed..flate.BestCompression,
// or flate.DefaultCompression). noContextTakeover resets the DEFLATE
// dictionary after every message, trading ratio for isolation between
// messages (the "no_context_takeover" negotiated parameter).
func NewPermessageDeflate(level int, noContextTakeover bool) *PermessageDeflate {
	return &PermessageDeflate{level: level, noContextTakeover: noContextTakeover}
}

func (d *PermessageDeflate) ensureWriter() error {
	if d.zw != nil {
		return nil
	}
	zw, err := flate.NewWriter(&d.buf, d.level)
	if err != nil {
		return err
	}
	d.zw = zw
	return nil
}

// PayloadTX implements Extension. Non-final fragments are fed into the
// DEFLATE stream and produce no output until enough has accumulated; the
// final fragment of a message triggers a sync flush, strips the trailing
// empty-block marker, and starts handing compressed bytes back — possibly
// across several calls (drainMore) when the compressed message exceeds
// pmceChunkSize.
func (d *PermessageDeflate) PayloadTX(wp WriteProtocolTag, token []byte) ([]byte, bool, error) {
	if len(d.pending) > 0 {
		return d.drain()
	}

	if err := d.ensureWriter(); err != nil {
		return nil, false, err
	}
	if len(token) > 0 {
		if _, err := d.zw.Write(token); err != nil {
			return nil, false, err
		}
	}

	if wp.Flags.has(FlagNoFin) {
		// More fragments of this message are coming; only emit if the
		// stream already produced a useful amount on its own.
		if d.buf.Len() < pmceChunkSize {
			return nil, false, nil
		}
		d.pending = append([]byte(nil), d.buf.Bytes()...)
		d.buf.Reset()
		return d.drain()
	}

	if err := d.zw.Flush(); err != nil {
		return nil, false, err
	}
	out := d.buf.Bytes()
	if len(out) >= 4 && bytes.Equal(out[len(out)-4:], syncFlushMarker[:]) {
		out = out[:len(out)-4]
	}
	d.pending = append([]byte(nil), out...)
	d.buf.Reset()

	if d.noContextTakeover {
		_ = d.zw.Close()
		d.zw = nil
		// Close appends a final block to d.buf; drop it so it does not lead
		// the next message's output.
		d.buf.Reset()
	}
	return d.drain()
}

func (d *PermessageDeflate) drain() (out []byte, drainMore bool, err error) {
	if len(d.pending) <= pmceChunkSize {
		out, d.pending = d.pending, nil
		return out, false, nil
	}
	out, d.pending = d.pending[:pmceChunkSize], d.pending[pmceChunkSize:]
	return out, true, nil
}

// PacketTxDoSend implements Extension: permessage-deflate never takes over
// the transport write itself.
func (d *PermessageDeflate) PacketTxDoSend(_ []byte) (bool, int, error) { return false, 0, nil }
