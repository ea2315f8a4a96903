// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "golang.org/x/net/http2"

// h2FrameWriter is the narrow slice of golang.org/x/net/http2.Framer this
// package needs for the HTTP/2 reframing step (spec.md §4.1 step 10):
// wrapping an already-WS-framed or raw HTTP buffer in a DATA, HEADERS, or
// CONTINUATION frame. Modeled as an interface so tests can substitute a
// recording fake without a real HTTP/2 connection preface.
type h2FrameWriter interface {
	WriteData(streamID uint32, endStream bool, data []byte) error
	WriteHeaders(p http2.HeadersFrameParam) error
	WriteContinuation(streamID uint32, endHeaders bool, headerBlockFragment []byte) error
}

// NewHTTP2FrameWriter wraps a *http2.Framer (constructed by the caller over
// the network Transport) as an h2FrameWriter. The caller remains
// responsible for the connection preface and SETTINGS exchange — those are
// handshake concerns, out of scope per spec.md §1.
func NewHTTP2FrameWriter(fr *http2.Framer) h2FrameWriter { return http2FramerAdapter{fr} }

type http2FramerAdapter struct{ fr *http2.Framer }

func (a http2FramerAdapter) WriteData(streamID uint32, endStream bool, data []byte) error {
	return a.fr.WriteData(streamID, endStream, data)
}

func (a http2FramerAdapter) WriteHeaders(p http2.HeadersFrameParam) error {
	return a.fr.WriteHeaders(p)
}

func (a http2FramerAdapter) WriteContinuation(streamID uint32, endHeaders bool, headerBlockFragment []byte) error {
	return a.fr.WriteContinuation(streamID, endHeaders, headerBlockFragment)
}

// reframeHTTP2 implements spec.md §4.1 step 10: wrap buf (which for WS-over-H2
// already carries WS framing, and for plain HTTP/2 is the raw body/header
// bytes) in the appropriate HTTP/2 frame type, deriving END_HEADERS/END_STREAM
// from wp and the connection's tx_content_remain bookkeeping.
func reframeHTTP2(c *Connection, buf []byte, wp WriteProtocolTag) (WriteProtocolTag, error) {
	if c.h2.framer == nil {
		return wp, protocolViolationf("HTTP/2 mode requires SetHTTP2 frame writer")
	}

	if (wp.Op == OpHTTP || wp.Op == OpHTTPFinal) && c.h2.contentLength != 0 {
		c.h2.contentRemain -= int64(len(buf))
		if c.h2.contentRemain <= 0 {
			wp.Op = OpHTTPFinal
		}
	}

	endStream := wp.Op == OpHTTPFinal || wp.Flags.has(FlagH2StreamEnd)
	if endStream {
		c.h2.sendEndStream = true
	}

	switch wp.Op {
	case OpHTTPHeaders:
		endHeaders := !wp.Flags.has(FlagNoFin)
		err := c.h2.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      c.h2.streamID,
			BlockFragment: buf,
			EndHeaders:    endHeaders,
			EndStream:     endStream,
		})
		return wp, err
	case OpHTTPHeadersContinuation:
		endHeaders := !wp.Flags.has(FlagNoFin)
		return wp, c.h2.framer.WriteContinuation(c.h2.streamID, endHeaders, buf)
	default:
		return wp, c.h2.framer.WriteData(c.h2.streamID, endStream, buf)
	}
}
