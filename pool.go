// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

import "go.uber.org/zap"

// Pool is the per-goroutine aggregate the spec describes as "per-thread
// state" (spec.md §3, §5): the drain list of connections with pending
// extension output, and the scratch buffer the file pump borrows for one
// pump iteration. Exactly one goroutine may own and drive a Pool at a time;
// none of its state is synchronized, by design (spec.md §5 "no locks are
// required").
type Pool struct {
	drain    drainList
	servBuf  []byte
	logger   *zap.Logger
	servSize int
}

// NewPool constructs a Pool. The scratch buffer is sized per opt
// (WithScratchBufferSize); it defaults to 4096 bytes, matching a
// conservative pt_serv_buf_size.
func NewPool(opts ...PoolOption) *Pool {
	o := defaultPoolOptions
	for _, fn := range opts {
		fn(&o)
	}
	p := &Pool{
		logger:   o.Logger,
		servSize: o.ScratchBufferSize,
	}
	p.servBuf = make([]byte, p.servSize)
	return p
}

// Scratch returns the Pool's shared scratch buffer (spec.md §3 "serv_buf"):
// the per-thread buffer PumpFile borrows for one pump iteration at a time.
// Callers driving more than one Connection's file pump from the same
// goroutine reuse this single buffer across them, exactly as the original's
// pt_serv_buf is shared by every connection the service thread drives.
func (p *Pool) Scratch() []byte {
	return p.servBuf
}

// DrainPending returns the connections currently enrolled with pending
// extension output, per spec.md §5 "Extension drain: a connection on the
// drain list is visited at most once per writable dispatch; each visit
// produces zero or one fragment." The event loop (out of scope here) is
// expected to call Write on each of these — with WriteProtocolTag
// overridden internally to CONTINUATION, per spec.md §4.1 step 3 — before
// delivering any new application write on the same writable dispatch.
func (p *Pool) DrainPending() []*Connection {
	return append([]*Connection(nil), p.drain.conns...)
}
