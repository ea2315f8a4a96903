// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package egress implements the write side of a WebSocket / HTTP(S) server:
// application-level write requests are framed (WebSocket RFC 6455 frames,
// optionally HTTP/2 DATA/HEADERS/CONTINUATION), optionally masked for
// client-to-server direction, optionally offered to a chain of
// payload-transforming Extensions (e.g. permessage-deflate), and finally
// handed to a Transport.
//
// Non-blocking first: a Transport may refuse part or all of a write. Write
// absorbs the unsent remainder into a per-Connection truncation buffer and
// replays it — with strict priority over any new write — the next time the
// caller reports the connection writable, so a Transport's ErrWouldBlock
// never reaches the caller of Write. Errors raised by the pipeline itself
// match the package's sentinels under errors.Is (ErrFatal,
// ErrProtocolViolation, ErrRandomSource, ErrShouldClose); errors from an
// Extension or an HTTP/2 frame writer are returned as they are. A policy
// drop (writing while not in a writable state) returns (0, nil), not an
// error.
//
// Wire format (WebSocket, RFC 6455 §5.2): FIN(1) RSV(3)=0 OPCODE(4), then
// MASK(1) LEN(7). LEN<126 encodes the length directly; LEN==126 is followed
// by a 2-byte big-endian extended length; LEN==127 is followed by an 8-byte
// big-endian extended length (top bit must be zero; on 32-bit targets the
// top 4 bytes are always zero, matching the reference implementation even
// though the payload could legitimately be as large as ~4 GiB — see
// DESIGN.md). A 4-byte mask nonce follows the length field when MASK is set;
// it is mandatory client→server and forbidden server→client.
package egress

// Mode selects which framing a Connection applies.
type Mode uint8

const (
	ModeHTTP1       Mode = iota // serving plain HTTP/1.x
	ModeWSServer                // serving WebSocket as a server (no masking on output)
	ModeWSClient                // serving WebSocket as a client (masks output)
	ModeHTTP2                   // serving HTTP/2; body/headers are DATA/HEADERS frames
	ModeHTTP2WS                 // WebSocket tunnelled over an HTTP/2 stream (RFC 8441)
)

func (m Mode) isClient() bool { return m == ModeWSClient }

func (m Mode) isHTTP2() bool { return m == ModeHTTP2 || m == ModeHTTP2WS }

// State is the subset of connection lifecycle state the egress path
// consults to decide whether a WebSocket write is permitted.
type State uint8

const (
	StateNormal State = iota
	StateFlushingBeforeClose
	StateWaitingToSendClose
	StateAwaitingCloseAck
	StateReturnedClose
)

// wsWritable reports whether s permits ordinary (non-CLOSE) WS writes.
func (s State) wsWritable() bool {
	return s == StateNormal
}

// closingHandshake reports whether a CLOSE frame may still legally go out.
func (s State) closingHandshake() bool {
	switch s {
	case StateReturnedClose, StateWaitingToSendClose, StateAwaitingCloseAck:
		return true
	default:
		return false
	}
}

// OpClass is the 5-bit write-protocol opcode class (spec.md §4.1).
type OpClass uint8

const (
	OpText OpClass = iota
	OpBinary
	OpContinuation
	OpPing
	OpPong
	OpClose
	OpHTTP
	OpHTTPFinal
	OpHTTPHeaders
	OpHTTPHeadersContinuation
)

func (op OpClass) isHTTP() bool {
	switch op {
	case OpHTTP, OpHTTPFinal, OpHTTPHeaders, OpHTTPHeadersContinuation:
		return true
	default:
		return false
	}
}

func (op OpClass) isControlOrNoExt() bool {
	switch op {
	case OpPing, OpPong, OpClose:
		return true
	default:
		return false
	}
}

// wsOpcode maps an OpClass to the RFC 6455 4-bit frame opcode. Only valid
// for the WS opcode classes (Text/Binary/Continuation/Close/Ping/Pong).
func (op OpClass) wsOpcode() (byte, bool) {
	switch op {
	case OpContinuation:
		return 0x0, true
	case OpText:
		return 0x1, true
	case OpBinary:
		return 0x2, true
	case OpClose:
		return 0x8, true
	case OpPing:
		return 0x9, true
	case OpPong:
		return 0xA, true
	default:
		return 0, false
	}
}

// WriteFlags packs the high-bit modifiers of a write-protocol tag.
type WriteFlags uint8

const (
	// FlagNoFin marks a write as a non-final fragment of a multi-fragment message.
	FlagNoFin WriteFlags = 1 << iota
	// FlagH2StreamEnd forces END_STREAM on the HTTP/2 frame this write produces.
	FlagH2StreamEnd
)

func (f WriteFlags) has(bit WriteFlags) bool { return f&bit != 0 }

// WriteProtocolTag is the two-field decomposition of the original single
// "wp" byte: a 5-bit opcode class plus a small flag set, modeled as an
// explicit sum of fields per the design notes rather than as a raw integer.
type WriteProtocolTag struct {
	Op    OpClass
	Flags WriteFlags
}

// WP constructs a WriteProtocolTag, the common case with no flags.
func WP(op OpClass) WriteProtocolTag { return WriteProtocolTag{Op: op} }

// WithFlags returns a copy of wp with additional flags set.
func (wp WriteProtocolTag) WithFlags(f WriteFlags) WriteProtocolTag {
	wp.Flags |= f
	return wp
}
