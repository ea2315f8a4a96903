// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "fmt"

// multipartBoundary is the wire-level boundary string the reference
// implementation uses, preserved verbatim (spec.md §6, SPEC_FULL.md §11.1):
// a vestige of the library's own name, but named by §6 as part of the wire
// format rather than an implementation detail free to change.
const multipartBoundary = "_lws\r\n"

// ByteRange is one requested HTTP byte range, inclusive on both ends.
type ByteRange struct {
	Start, End int64
}

// rangeState is the http.range block of spec.md §3: {start, end, extent,
// budget, inside, send_ctr, count_ranges, multipart_content_type}.
type rangeState struct {
	ranges      []ByteRange
	extent      int64 // total resource length, for Content-Range's "/E"
	idx         int   // index of the range currently being served
	inside      bool  // true once we've seeked into the current range
	budget      int64 // remaining bytes of the current range
	sendCtr     int
	contentType string
}

func newRangeState(ranges []ByteRange, contentType string) rangeState {
	return rangeState{ranges: ranges, contentType: contentType}
}

func (r *rangeState) active() bool { return len(r.ranges) > 0 }

func (r *rangeState) multipart() bool { return len(r.ranges) > 1 }

func (r *rangeState) current() ByteRange { return r.ranges[r.idx] }

// finished reports whether every range has been fully sent.
func (r *rangeState) finished() bool { return r.idx >= len(r.ranges) }

// advance moves past the current range once its budget is exhausted,
// reporting whether another range remains (spec.md §4.4, mirroring the
// original's lws_ranges_next returning <1 at end of list).
func (r *rangeState) advance() (more bool) {
	r.inside = false
	r.sendCtr++
	r.idx++
	return r.idx < len(r.ranges)
}

// lastRangeFinalByte reports whether the current (multipart) range's
// budget has just reached zero on its final range, which is when the
// trailing boundary must be appended (spec.md §4.4).
func (r *rangeState) lastRangeFinalByte(amount int64) bool {
	return r.multipart() && r.sendCtr+1 == len(r.ranges) && r.budget-amount == 0
}

// partHeader renders the boundary + Content-Type + Content-Range + blank
// line preamble emitted ahead of each part's body in a multipart response
// (spec.md §4.4, §6).
func (rg ByteRange) partHeader(contentType string, extent int64) string {
	return fmt.Sprintf("%sContent-Type: %s\r\nContent-Range: bytes %d-%d/%d\r\n\r\n",
		multipartBoundary, contentType, rg.Start, rg.End, extent)
}

// trailingBoundary closes a multipart byte-range response.
func trailingBoundary() string { return multipartBoundary }
