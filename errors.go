// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// These are provided as package-level aliases so callers can reference the
// semantic control-flow errors without importing iox directly.
var (
	// ErrWouldBlock means "no further progress without waiting".
	//
	// It is an expected, non-failure control-flow signal for non-blocking I/O.
	// Any returned byte count still represents real progress and must not be
	// discarded by the caller.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrMore means "this completion is usable and more completions will follow".
	ErrMore = iox.ErrMore
)

var (
	// ErrInvalidArgument reports a nil transport, negative length, or other
	// malformed call.
	ErrInvalidArgument = errors.New("egress: invalid argument")

	// ErrTooLong reports a payload length exceeding the wire format's limits.
	ErrTooLong = errors.New("egress: message too long")

	// ErrProtocolViolation wraps programming errors detected at the L2/L4
	// boundary: back-to-back writes without an intervening writable
	// dispatch, or a write that aliases outside the truncation buffer's
	// span while a truncated send is pending. These are never expected in
	// correctly sequenced caller code; in debug builds callers may choose to
	// panic on them instead of handling them.
	ErrProtocolViolation = errors.New("egress: protocol violation")

	// ErrFatal wraps a transport error that leaves the connection
	// permanently unusable for further writes.
	ErrFatal = errors.New("egress: fatal transport error")

	// ErrRandomSource reports that fewer than 4 bytes were obtained from the
	// masking nonce source.
	ErrRandomSource = errors.New("egress: insufficient randomness for mask nonce")

	// errConnectionShouldClose signals L2→L4 that a truncation buffer just
	// drained to empty while the connection was flushing-before-close: the
	// caller should now actually close the connection (spec.md §4.3
	// "signal the caller to close (return negative)").
	errConnectionShouldClose = errors.New("egress: connection should close now")
)

// ErrShouldClose reports that issueRaw/Write just finished flushing the
// truncation buffer while the connection was in StateFlushingBeforeClose:
// the caller must now tear down the connection. Test with
// errors.Is(err, ErrShouldClose).
var ErrShouldClose = errConnectionShouldClose

// fatalf wraps an underlying transport error so callers can test it with
// errors.Is(err, ErrFatal) while still reaching the original cause via
// errors.Unwrap.
func fatalf(cause error) error {
	return fmt.Errorf("%w: %v", ErrFatal, cause)
}

func protocolViolationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
