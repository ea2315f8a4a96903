// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "go.uber.org/zap"

// PoolOptions configures a Pool. Mirrors the teacher's functional-options
// convention (_examples/hayabusa-cloud-framer/options.go).
type PoolOptions struct {
	Logger            *zap.Logger
	ScratchBufferSize int
}

var defaultPoolOptions = PoolOptions{
	Logger:            zap.NewNop(),
	ScratchBufferSize: 4096,
}

type PoolOption func(*PoolOptions)

// WithLogger attaches a structured logger. A nil logger is treated as
// zap.NewNop(); no call on the successful-write hot path ever logs.
func WithLogger(l *zap.Logger) PoolOption {
	return func(o *PoolOptions) {
		if l == nil {
			l = zap.NewNop()
		}
		o.Logger = l
	}
}

// WithScratchBufferSize sets the per-Pool scratch buffer the file pump
// borrows for one pump iteration (spec.md §3 "serv_buf").
func WithScratchBufferSize(n int) PoolOption {
	return func(o *PoolOptions) {
		if n > 0 {
			o.ScratchBufferSize = n
		}
	}
}

// ConnOptions configures a Connection.
type ConnOptions struct {
	Mode       Mode
	Extension  Extension
	TxPacketSize int
	RxBufferSize int
}

var defaultConnOptions = ConnOptions{
	Mode:      ModeWSServer,
	Extension: NopExtension{},
}

type ConnOption func(*ConnOptions)

// WithExtension installs the payload-transforming extension chain. A
// Connection with no extension configured uses NopExtension.
func WithExtension(ext Extension) ConnOption {
	return func(o *ConnOptions) {
		if ext != nil {
			o.Extension = ext
		}
	}
}

// WithTxPacketSize sets protocol->tx_packet_size. The L2 rate cap (spec.md
// §4.3) is built on the largest of TxPacketSize, RxBufferSize and the bound
// Pool's scratch size; when non-zero, TxPacketSize also caps the file
// pump's per-iteration read size (spec.md §4.4 step 3).
func WithTxPacketSize(n int) ConnOption {
	return func(o *ConnOptions) { o.TxPacketSize = n }
}

// WithRxBufferSize sets protocol->rx_buffer_size, one of the three sizes
// whose largest value the L2 rate cap is built on.
func WithRxBufferSize(n int) ConnOption {
	return func(o *ConnOptions) { o.RxBufferSize = n }
}

// WithWebSocketServer configures Mode = ModeWSServer (no output masking).
func WithWebSocketServer() ConnOption {
	return func(o *ConnOptions) { o.Mode = ModeWSServer }
}

// WithWebSocketClient configures Mode = ModeWSClient (mandatory output masking).
func WithWebSocketClient() ConnOption {
	return func(o *ConnOptions) { o.Mode = ModeWSClient }
}

// WithHTTP1 configures Mode = ModeHTTP1 (WS framing bypassed entirely).
func WithHTTP1() ConnOption {
	return func(o *ConnOptions) { o.Mode = ModeHTTP1 }
}

// WithHTTP2 configures Mode = ModeHTTP2 (body/headers reframed as HTTP/2
// DATA/HEADERS/CONTINUATION).
func WithHTTP2() ConnOption {
	return func(o *ConnOptions) { o.Mode = ModeHTTP2 }
}

// WithHTTP2WebSocket configures Mode = ModeHTTP2WS (WebSocket tunnelled over
// an HTTP/2 stream per RFC 8441): WS framing applies first, then the
// already-WS-framed buffer is wrapped in an HTTP/2 DATA frame.
func WithHTTP2WebSocket() ConnOption {
	return func(o *ConnOptions) { o.Mode = ModeHTTP2WS }
}
