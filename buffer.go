// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

// MaxHeadroom is the largest reserved prefix Write will ever need to
// synthesize: a 10-byte WS header (FIN/opcode/mask-bit/127-length-escape +
// 8-byte extended length) plus a 4-byte mask nonce (spec.md §3 "Reserved
// prefix convention": pre ∈ {2, 4, 10, 14}).
const MaxHeadroom = 14

// ReservedBuffer is a caller-owned buffer carrying writable headroom ahead
// of its payload, so Write can synthesize the WS frame header in place
// without copying the payload (spec.md §3 "Reserved prefix convention").
//
// This is the explicit-type version of the original's "scribble into
// buf[-pre]" convention (spec.md §9 design notes: "make headroom an
// explicit type invariant" rather than relying on negative indexing into
// caller memory, which Go's bounds-checked slices do not allow).
type ReservedBuffer struct {
	buf    []byte
	offset int
}

// NewReservedBuffer wraps buf, whose payload begins at payloadOffset; the
// bytes buf[:payloadOffset] are the writable headroom. payloadOffset must
// be >= MaxHeadroom for Write to be able to synthesize any valid WS header;
// smaller headrooms are valid only when the caller already knows a smaller
// header will suffice (e.g. short control frames).
func NewReservedBuffer(buf []byte, payloadOffset int) ReservedBuffer {
	return ReservedBuffer{buf: buf, offset: payloadOffset}
}

// Payload returns the caller's payload view (buf[payloadOffset:]).
func (r ReservedBuffer) Payload() []byte { return r.buf[r.offset:] }

// Headroom returns the number of writable bytes preceding the payload.
func (r ReservedBuffer) Headroom() int { return r.offset }

// WithPayload returns a copy of r whose payload is replaced (used when an
// extension redirects the token pointer to its own buffer, at which point
// the original headroom convention no longer applies and clean_buffer must
// be cleared — see write.go).
func (r ReservedBuffer) WithPayload(p []byte) ReservedBuffer {
	// The replacement payload has no guaranteed headroom of its own; give it
	// MaxHeadroom of fresh scratch so header synthesis can still proceed.
	buf := make([]byte, MaxHeadroom+len(p))
	copy(buf[MaxHeadroom:], p)
	return ReservedBuffer{buf: buf, offset: MaxHeadroom}
}

// prepend carves out n bytes immediately before the current payload view
// and returns the resulting [header|payload] slice. It fails if fewer than
// n bytes of headroom remain.
func (r *ReservedBuffer) prepend(n int) ([]byte, error) {
	if n > r.offset {
		return nil, protocolViolationf("insufficient reserved headroom: need %d, have %d", n, r.offset)
	}
	r.offset -= n
	return r.buf[r.offset:], nil
}
