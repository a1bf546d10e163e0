package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/pkg/metrics"
	"github.com/datawire/vtun/pkg/tunnel"
	"github.com/datawire/vtun/pkg/vif/ip"
)

// ProcessIncomingPacket parses blob, looks up the owning connection, and
// dispatches to the state handler for its current state. Malformed or
// non-TCP packets are logged and dropped; neither is fatal to any
// connection.
func (s *VirtualStack) ProcessIncomingPacket(ctx context.Context, blob []byte) {
	seg, err := ip.Parse(blob)
	if err != nil {
		dlog.Infof(ctx, "drop inbound packet: %v", err)
		return
	}

	c, ok := s.tbl.lookup(seg.ConnID)
	if !ok {
		s.handleOrphan(ctx, seg)
		return
	}

	now := time.Now()
	s.tbl.mu.Lock()
	c.lastActivity = now
	act := dispatch(c, seg)
	s.tbl.mu.Unlock()

	s.execute(ctx, seg.ConnID, act)
}

// handleOrphan synthesizes a RST for a packet addressed to a connection ID
// this stack does not hold, so the peer stops retransmitting. A RST is
// never sent in reply to a RST.
func (s *VirtualStack) handleOrphan(ctx context.Context, seg *ip.Segment) {
	if seg.Flags.Has(ip.FlagRST) {
		return
	}

	var rst *ip.Segment
	if seg.Flags.Has(ip.FlagACK) {
		rst = &ip.Segment{ConnID: seg.ConnID, Seq: seg.Ack, Ack: 0, Flags: ip.FlagRST}
	} else {
		ackFor := seg.Seq + uint32(len(seg.Payload))
		if seg.Flags.Has(ip.FlagSYN) || seg.Flags.Has(ip.FlagFIN) {
			ackFor++
		}
		rst = &ip.Segment{ConnID: seg.ConnID, Seq: 0, Ack: ackFor, Flags: ip.FlagRST | ip.FlagACK}
	}
	s.enqueueOutbound(ip.Build(rst))
	metrics.OrphanResetsTotal.Inc()
	dlog.Debugf(ctx, "orphan RST for %s", seg.ConnID)
}

// dispatch computes the action for seg against c's current state. Called
// with the table lock held; must not block.
func dispatch(c *tcb, seg *ip.Segment) action {
	switch c.state {
	case StateSynSent:
		return dispatchSynSent(c, seg)
	case StateEstablished:
		return dispatchEstablished(c, seg)
	case StateFinWait1:
		return dispatchFinWait1(c, seg)
	case StateFinWait2:
		return dispatchFinWait2(c, seg)
	case StateCloseWait:
		return dispatchCloseWait(c, seg)
	case StateLastAck:
		return dispatchLastAck(c, seg)
	case StateTimeWait:
		return dispatchTimeWait(c, seg)
	default:
		return noAction
	}
}

func dispatchSynSent(c *tcb, seg *ip.Segment) action {
	switch {
	case seg.Flags.Has(ip.FlagSYN) && seg.Flags.Has(ip.FlagACK):
		c.localAck = seg.Seq + 1
		c.localSeq = seg.Ack
		c.sndUna = seg.Ack
		c.state = StateEstablished
		return action{
			emit:      &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK},
			broadcast: true,
		}
	case seg.Flags.Has(ip.FlagRST):
		c.state = StateClosed
		return action{broadcast: true}
	default:
		return noAction
	}
}

func dispatchEstablished(c *tcb, seg *ip.Segment) action {
	if seg.Flags.Has(ip.FlagACK) {
		c.ackProgress(seg.Ack)
	}

	switch {
	case seg.Flags.Has(ip.FlagRST):
		c.state = StateClosed
		c.clearRetransmitQueue()
		return action{deliverTo: c.txToApp, eof: true, broadcast: true}

	case seg.Flags.Has(ip.FlagFIN):
		return established_FIN(c, seg)

	case len(seg.Payload) > 0:
		return established_payload(c, seg)

	default:
		// Pure ACK: ackProgress above is the entire effect.
		return noAction
	}
}

func established_FIN(c *tcb, seg *ip.Segment) action {
	finSeq := seg.Seq + uint32(len(seg.Payload))
	gap := seqDelta(seg.Seq, c.localAck)

	if gap <= 0 {
		var delivered [][]byte
		if gap == 0 && len(seg.Payload) > 0 {
			delivered = append(delivered, seg.Payload)
			c.localAck += uint32(len(seg.Payload))
		}
		drained, newAck := c.reorderDrainContiguous(c.localAck)
		c.localAck = newAck
		delivered = append(delivered, drained...)

		c.state = StateCloseWait
		c.localAck = finSeq + 1
		c.hasPendingFin = false

		return action{
			emit:      &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK},
			deliverTo: c.txToApp,
			payloads:  delivered,
			eof:       true,
		}
	}

	// Premature FIN: defer until the gap closes.
	c.hasPendingFin = true
	c.pendingFinSeq = finSeq
	if len(seg.Payload) > 0 {
		if !c.reorderAdd(seg.Seq, seg.Payload) {
			metrics.ReorderDroppedTotal.Inc()
		}
	}
	return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}
}

func established_payload(c *tcb, seg *ip.Segment) action {
	gap := seqDelta(seg.Seq, c.localAck)

	switch {
	case gap < 0:
		// Duplicate/retransmit.
		return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}

	case gap == 0:
		c.localAck += uint32(len(seg.Payload))
		drained, newAck := c.reorderDrainContiguous(c.localAck)
		c.localAck = newAck
		delivered := append([][]byte{seg.Payload}, drained...)

		if c.hasPendingFin && c.localAck == c.pendingFinSeq {
			c.state = StateCloseWait
			c.localAck = c.pendingFinSeq + 1
			c.hasPendingFin = false
			return action{
				emit:      &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK},
				deliverTo: c.txToApp,
				payloads:  delivered,
				eof:       true,
			}
		}
		return action{
			emit:      &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK},
			deliverTo: c.txToApp,
			payloads:  delivered,
		}

	default: // gap > 0, out-of-order
		if c.reorderAdd(seg.Seq, seg.Payload) {
			return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}
		}
		metrics.ReorderDroppedTotal.Inc()
		return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}
	}
}

func dispatchFinWait1(c *tcb, seg *ip.Segment) action {
	switch {
	case seg.Flags.Has(ip.FlagRST):
		c.state = StateClosed
		c.clearRetransmitQueue()
		return action{deliverTo: c.txToApp, eof: true, broadcast: true}

	case seg.Flags.Has(ip.FlagFIN) && seg.Flags.Has(ip.FlagACK):
		c.ackProgress(seg.Ack)
		c.state = StateTimeWait
		c.localAck = seg.Seq + uint32(len(seg.Payload)) + 1
		return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}

	case seg.Flags.Has(ip.FlagACK):
		c.ackProgress(seg.Ack)
		c.state = StateFinWait2
		return noAction

	default:
		return noAction
	}
}

func dispatchFinWait2(c *tcb, seg *ip.Segment) action {
	switch {
	case seg.Flags.Has(ip.FlagRST):
		c.state = StateClosed
		c.clearRetransmitQueue()
		return action{deliverTo: c.txToApp, eof: true, broadcast: true}

	case seg.Flags.Has(ip.FlagFIN):
		c.state = StateTimeWait
		c.localAck = seg.Seq + uint32(len(seg.Payload)) + 1
		return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}

	default:
		return noAction
	}
}

func dispatchCloseWait(c *tcb, seg *ip.Segment) action {
	if seg.Flags.Has(ip.FlagRST) {
		c.state = StateClosed
		c.clearRetransmitQueue()
		return action{deliverTo: c.txToApp, eof: true, broadcast: true}
	}
	// Otherwise: awaiting the application's close call.
	return noAction
}

func dispatchLastAck(c *tcb, seg *ip.Segment) action {
	if seg.Flags.Has(ip.FlagACK) {
		c.ackProgress(seg.Ack)
		c.state = StateClosed
	}
	return noAction
}

func dispatchTimeWait(c *tcb, seg *ip.Segment) action {
	if seg.Flags.Has(ip.FlagFIN) {
		return action{emit: &ip.Segment{ConnID: c.id, Seq: c.localSeq, Ack: c.localAck, Flags: ip.FlagACK}}
	}
	return noAction
}

// execute performs the I/O an action demands, outside the table lock.
// Multi-payload delivery preserves order and, if the channel is found to be
// disconnected (closed out from under us by a concurrent RemoveConnection),
// aborts further delivery and marks the connection Closed.
func (s *VirtualStack) execute(ctx context.Context, id tunnel.ConnID, act action) {
	if act.emit != nil {
		s.enqueueOutbound(ip.Build(act.emit))
	}

	if act.deliverTo != nil {
		if !deliverPayloads(act.deliverTo, act.payloads) {
			s.markDisconnected(id)
		} else if act.eof {
			if !deliverChunk(act.deliverTo, nil) {
				s.markDisconnected(id)
			}
		}
	}

	if act.broadcast {
		s.signalStateChange()
	}
}

// deliverPayloads sends each payload to ch in order, returning false if ch
// panics on send (it was closed concurrently).
func deliverPayloads(ch chan []byte, payloads [][]byte) (ok bool) {
	for _, p := range payloads {
		if !deliverChunk(ch, p) {
			return false
		}
	}
	return true
}

func deliverChunk(ch chan []byte, chunk []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- chunk
	return true
}

// markDisconnected treats a send-on-closed-channel as an application-side
// close: the TCB moves to Closed so cleanup reaps it.
func (s *VirtualStack) markDisconnected(id tunnel.ConnID) {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return
	}
	s.tbl.mu.Lock()
	c.state = StateClosed
	c.clearRetransmitQueue()
	s.tbl.mu.Unlock()
}
