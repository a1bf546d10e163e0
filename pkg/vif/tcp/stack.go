// Package tcp implements the segment engine: the TCP state machine, the
// connection table, the retransmission and stale-connection sweeps, and the
// public operations an application embeds to speak TCP over a tunnel that
// only understands raw IP-packet blobs.
package tcp

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/pkg/tunnel"
	"github.com/datawire/vtun/pkg/vif/ip"
)

// ErrNotConnected is returned by Send when the connection ID is unknown or
// the connection is not in a sendable state.
var ErrNotConnected = errors.New("tcp: not connected")

// VirtualStack is the whole engine: connection table, outbound packet
// queue, and the state-change signal. It owns every TCB; the application
// owns only the receive half of each connection's channel and its ConnID.
type VirtualStack struct {
	localAddr netip.Addr

	tbl *table

	outMu  sync.Mutex
	outbox [][]byte

	changeMu sync.Mutex
	changeCh chan struct{}
}

// NewVirtualStack creates an empty stack. localAddr is the address stamped
// into every ConnID's local half — the address this stack presents to the
// tunnel as its own.
func NewVirtualStack(localAddr netip.Addr) *VirtualStack {
	return &VirtualStack{
		localAddr: localAddr,
		tbl:       newTable(),
		changeCh:  make(chan struct{}),
	}
}

// signalStateChange wakes every goroutine parked in WaitForStateChange.
// Broadcasting is implemented by closing and replacing a channel rather than
// sync.Cond, so a waiter can select on it alongside a timeout without a
// helper goroutine.
func (s *VirtualStack) signalStateChange() {
	s.changeMu.Lock()
	old := s.changeCh
	s.changeCh = make(chan struct{})
	s.changeMu.Unlock()
	close(old)
}

// WaitForStateChange blocks until some TCB transitions state or timeout
// elapses, returning true if a change was observed.
func (s *VirtualStack) WaitForStateChange(timeout time.Duration) bool {
	s.changeMu.Lock()
	ch := s.changeCh
	s.changeMu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Connect allocates a port and ISN, inserts a TCB in SynSent, emits the
// initial SYN (with options), and returns the connection's opaque ID and its
// receive channel.
func (s *VirtualStack) Connect(ctx context.Context, remoteAddr netip.Addr, remotePort uint16) (tunnel.ConnID, <-chan []byte) {
	now := time.Now()
	port := s.tbl.allocatePort()
	id := tunnel.NewConnID(s.localAddr, port, remoteAddr, remotePort)
	isn := s.tbl.nextISN(now)

	c := newTCB(id, isn, now)
	c.advanceSeq(1) // reserve the SYN's sequence number; localSeq becomes isn+1
	s.tbl.insert(c)

	seg := &ip.Segment{ConnID: id, Seq: isn, Ack: 0, Flags: ip.FlagSYN}
	s.enqueueOutbound(ip.Build(seg))
	dlog.Debugf(ctx, "CON %s [%s] connect, ISN %d", id, c.traceID, isn)
	return id, c.txToApp
}

// Send segments bytes at MSS, emitting each as an ACK (PSH-ACK on the final
// segment), enqueuing each on the retransmit queue. Send is not safe to call
// concurrently for the same connection; the caller is expected to serialize
// its own writes.
func (s *VirtualStack) Send(ctx context.Context, id tunnel.ConnID, data []byte) error {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return ErrNotConnected
	}

	if len(data) == 0 {
		s.tbl.mu.Lock()
		sendable := c.state == StateEstablished || c.state == StateCloseWait
		s.tbl.mu.Unlock()
		if !sendable {
			return ErrNotConnected
		}
		return nil
	}

	for start := 0; start < len(data); {
		end := start + ip.MaxSegmentSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		flags := ip.FlagACK
		if end == len(data) {
			flags |= ip.FlagPSH
		}

		s.tbl.mu.Lock()
		if c.state != StateEstablished && c.state != StateCloseWait {
			s.tbl.mu.Unlock()
			return ErrNotConnected
		}
		seq := c.queueRetransmit(chunk, flags, time.Now())
		ack := c.localAck
		s.tbl.mu.Unlock()

		s.enqueueOutbound(ip.Build(&ip.Segment{ConnID: id, Seq: seq, Ack: ack, Flags: flags, Payload: chunk}))
		start = end
	}
	return nil
}

// Close moves the connection toward shutdown and emits FIN-ACK. Close is
// idempotent; a second call is a no-op.
func (s *VirtualStack) Close(ctx context.Context, id tunnel.ConnID) {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return
	}

	s.tbl.mu.Lock()
	var emit *ip.Segment
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
		c.clearRetransmitQueue()
		seq := c.advanceSeq(1)
		emit = &ip.Segment{ConnID: id, Seq: seq, Ack: c.localAck, Flags: ip.FlagFIN | ip.FlagACK}
	case StateCloseWait:
		c.state = StateLastAck
		c.clearRetransmitQueue()
		seq := c.advanceSeq(1)
		emit = &ip.Segment{ConnID: id, Seq: seq, Ack: c.localAck, Flags: ip.FlagFIN | ip.FlagACK}
	}
	s.tbl.mu.Unlock()

	if emit != nil {
		s.enqueueOutbound(ip.Build(emit))
		s.signalStateChange()
		dlog.Debugf(ctx, "CON %s close -> %s", id, c.state)
	}
}

// IsEstablished reports whether id names a connection currently in the
// Established state.
func (s *VirtualStack) IsEstablished(id tunnel.ConnID) bool {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return false
	}
	s.tbl.mu.Lock()
	defer s.tbl.mu.Unlock()
	return c.state == StateEstablished
}

// GetState returns id's current state and whether id is known.
func (s *VirtualStack) GetState(id tunnel.ConnID) (State, bool) {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return StateClosed, false
	}
	s.tbl.mu.Lock()
	defer s.tbl.mu.Unlock()
	return c.state, true
}

// RemoveConnection drops the TCB. Its receive channel is closed, which
// causes any pending receive on it to observe EOF.
func (s *VirtualStack) RemoveConnection(id tunnel.ConnID) {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return
	}
	s.tbl.remove(id)
	closeAppChannel(c.txToApp)
}

// ResendSynIfPending re-emits the stored SYN if id is still in SynSent.
// Returns whether a SYN was sent.
func (s *VirtualStack) ResendSynIfPending(ctx context.Context, id tunnel.ConnID) bool {
	c, ok := s.tbl.lookup(id)
	if !ok {
		return false
	}
	s.tbl.mu.Lock()
	pending := c.state == StateSynSent
	isn := c.initialSeq
	s.tbl.mu.Unlock()
	if !pending {
		return false
	}
	s.enqueueOutbound(ip.Build(&ip.Segment{ConnID: id, Seq: isn, Ack: 0, Flags: ip.FlagSYN}))
	dlog.Debugf(ctx, "CON %s resend SYN", id)
	return true
}

// ConnectionCount returns the number of TCBs currently in the table.
func (s *VirtualStack) ConnectionCount() int {
	return s.tbl.count()
}

// TakeOutgoingPackets atomically swaps the outbound queue for an empty one
// and returns its previous contents.
func (s *VirtualStack) TakeOutgoingPackets() [][]byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if len(s.outbox) == 0 {
		return nil
	}
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *VirtualStack) enqueueOutbound(blob []byte) {
	s.outMu.Lock()
	s.outbox = append(s.outbox, blob)
	s.outMu.Unlock()
}

// closeAppChannel closes ch, recovering if it is already closed (RemoveConnection
// racing with a concurrent RemoveConnection, or called after the channel was
// already torn down by the stale sweep).
func closeAppChannel(ch chan []byte) {
	defer func() { _ = recover() }()
	close(ch)
}
