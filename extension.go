// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package egress

// Extension is the callback contract consumed from the (out-of-scope)
// extension machinery, e.g. permessage-deflate (spec.md §6). Only this
// contract is specified here; the extension's internal state lives in the
// concrete implementation (see deflate.go for the permessage-deflate
// Extension shipped with this package).
type Extension interface {
	// PayloadTX offers token for transformation ahead of WS framing
	// (LWS_EXT_CB_PAYLOAD_TX). The callback may replace token with a
	// different slice (e.g. owned by the extension) and may indicate that
	// more output remains pending even though no more input will arrive in
	// this call, by returning drainMore=true.
	//
	// Returning an error aborts the write with that error.
	PayloadTX(wp WriteProtocolTag, token []byte) (out []byte, drainMore bool, err error)

	// PacketTxDoSend offers buf immediately before the transport write
	// (LWS_EXT_CB_PACKET_TX_DO_SEND). If the extension takes full
	// responsibility for sending buf (e.g. it implements its own transport
	// segmentation), it returns handled=true and the number of bytes of buf
	// it consumed.
	PacketTxDoSend(buf []byte) (handled bool, n int, err error)
}

// NopExtension is a pass-through Extension: PayloadTX returns its input
// unchanged with drainMore=false, and PacketTxDoSend never claims
// responsibility. It is the default when a Connection has no extension
// configured.
type NopExtension struct{}

func (NopExtension) PayloadTX(_ WriteProtocolTag, token []byte) ([]byte, bool, error) {
	return token, false, nil
}

func (NopExtension) PacketTxDoSend(_ []byte) (bool, int, error) { return false, 0, nil }

// drainState is the small state machine backing ws.tx_draining_ext /
// tx_draining_stashed_wp, modeled as an explicit sum type per the design
// notes rather than as a pair of loosely-coupled flags. The stashed opcode
// of ws.stashed_write_{type,pending} is kept apart from it, in
// wsState.stashedOpPending/stashedOp (see write.go Step 7).
type drainState struct {
	// kind is one of drainIdle, drainInputStashed, drainDraining; Write
	// only ever sets drainIdle and drainDraining.
	kind drainKind
	// op is not set by any code path. flags holds the wp flags that seed
	// the final drained fragment's FIN decision (drainDraining).
	op    OpClass
	flags WriteFlags
}

type drainKind uint8

const (
	drainIdle drainKind = iota
	// drainInputStashed names the "extension consumed input, produced no
	// output yet" case; Write tracks that case with
	// wsState.stashedOpPending instead and never enters this kind.
	drainInputStashed
	// drainDraining: the connection is enrolled on the Pool's drain list
	// because the extension announced more output pending with no more
	// input. The stashed wp's flags seed the FIN decision of the fragment
	// that finally drains to empty.
	drainDraining
)

// extensionAccess is L3 (spec.md §4.2): a thin wrapper over L2 (issueRaw)
// that first offers buf to the extension's PACKET_TX_DO_SEND callback. If
// the extension claims full responsibility for the bytes (e.g. it
// implements its own transport segmentation), this returns immediately with
// whatever the extension reports consuming, without L2 ever seeing the
// buffer — so no truncation-buffer bookkeeping applies to that send.
func (c *Connection) extensionAccess(buf []byte) (int, error) {
	handled, n, err := c.ext.PacketTxDoSend(buf)
	if err != nil {
		return 0, err
	}
	if handled {
		return n, nil
	}
	return c.issueRaw(buf)
}

// pool-level drain list: an index-based slice rather than the teacher's/
// original's intrusive linked list (spec.md §9 re-architecture guidance),
// avoiding aliasing hazards during removal.
type drainList struct {
	conns []*Connection
}

func (d *drainList) enroll(c *Connection) {
	for _, e := range d.conns {
		if e == c {
			return
		}
	}
	d.conns = append(d.conns, c)
}

func (d *drainList) remove(c *Connection) {
	for i, e := range d.conns {
		if e == c {
			d.conns = append(d.conns[:i], d.conns[i+1:]...)
			return
		}
	}
}
