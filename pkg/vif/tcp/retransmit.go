package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/pkg/metrics"
	"github.com/datawire/vtun/pkg/vif/ip"
)

// CheckRetransmissions walks every connection in Established or CloseWait
// and, for each, considers only the head of its retransmit queue — go-back-N
// style, never retransmitting past the first unACKed segment in one sweep.
// It returns the number of segments re-emitted.
func (s *VirtualStack) CheckRetransmissions(ctx context.Context) int {
	now := time.Now()
	resent := 0

	for _, c := range s.tbl.snapshot() {
		var emit *ip.Segment
		var attempt int

		s.tbl.mu.Lock()
		if (c.state == StateEstablished || c.state == StateCloseWait) && len(c.retransmitQueue) > 0 {
			head := c.retransmitQueue[0]
			if now.Sub(head.sentAt) >= c.rto {
				if head.retransmitCount < maxRetransmits {
					head.retransmitCount++
					head.sentAt = now
					c.rto *= 2
					if c.rto > maxRTO {
						c.rto = maxRTO
					}
					emit = &ip.Segment{
						ConnID:  c.id,
						Seq:     head.seq,
						Ack:     c.localAck,
						Flags:   head.flags,
						Payload: head.payload,
					}
					attempt = head.retransmitCount
				} else {
					metrics.RetransmitExhaustedTotal.Inc()
					dlog.Warnf(ctx, "CON %s retransmit exhausted at seq %d", c.id, head.seq)
				}
			}
		}
		s.tbl.mu.Unlock()

		if emit != nil {
			s.enqueueOutbound(ip.Build(emit))
			metrics.RetransmitsTotal.Inc()
			resent++
			dlog.Debugf(ctx, "CON %s retransmit seq %d (attempt %d)", c.id, emit.Seq, attempt)
		}
	}
	return resent
}
