package tcp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vtun/pkg/tunnel"
	"github.com/datawire/vtun/pkg/vif/ip"
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.5")
)

func mustParse(t *testing.T, blob []byte) *ip.Segment {
	t.Helper()
	seg, err := ip.Parse(blob)
	require.NoError(t, err)
	return seg
}

// reversed flips local/remote so a segment built with it is addressed as if
// arriving from the peer: its destination is our local half, its source is
// the peer's half.
func reversed(id tunnel.ConnID) tunnel.ConnID {
	return tunnel.NewConnID(id.RemoteAddr, id.RemotePort, id.LocalAddr, id.LocalPort)
}

// establish drives a connection through the handshake and returns its ID,
// receive channel, and ISN, with the SYN and SYN-ACK-triggered ACK already
// drained from the outbound queue by the caller as needed.
func establish(t *testing.T, s *VirtualStack) (tunnel.ConnID, <-chan []byte, uint32) {
	t.Helper()
	ctx := context.Background()
	id, rx := s.Connect(ctx, remoteAddr, 80)

	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	syn := mustParse(t, out[0])
	assert.True(t, syn.Flags.Has(ip.FlagSYN))
	assert.Equal(t, uint32(0), syn.Ack)
	isn := syn.Seq

	blob := ip.Build(&ip.Segment{ConnID: reversed(id), Seq: 9000, Ack: isn + 1, Flags: ip.FlagSYN | ip.FlagACK})
	s.ProcessIncomingPacket(ctx, blob)
	return id, rx, isn
}

func TestHandshake(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, _, isn := establish(t, s)

	assert.True(t, s.IsEstablished(id))
	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	ack := mustParse(t, out[0])
	assert.Equal(t, ip.FlagACK, ack.Flags)
	assert.Equal(t, isn+1, ack.Seq)
	assert.Equal(t, uint32(9001), ack.Ack)
}

func TestWaitForStateChangeSeesHandshake(t *testing.T) {
	s := NewVirtualStack(localAddr)
	ctx := context.Background()
	id, _ := s.Connect(ctx, remoteAddr, 80)
	out := s.TakeOutgoingPackets()
	isn := mustParse(t, out[0]).Seq

	done := make(chan bool, 1)
	go func() { done <- s.WaitForStateChange(time.Second) }()

	blob := ip.Build(&ip.Segment{ConnID: reversed(id), Seq: 9000, Ack: isn + 1, Flags: ip.FlagSYN | ip.FlagACK})
	s.ProcessIncomingPacket(ctx, blob)

	assert.True(t, <-done)
}

func TestInOrderData(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, rx, isn := establish(t, s)
	s.TakeOutgoingPackets()

	ctx := context.Background()
	peerID := reversed(id)
	blob := ip.Build(&ip.Segment{ConnID: peerID, Seq: 9001, Ack: isn + 1, Flags: ip.FlagACK, Payload: []byte("HELLO")})
	s.ProcessIncomingPacket(ctx, blob)

	select {
	case chunk := <-rx:
		assert.Equal(t, "HELLO", string(chunk))
	default:
		t.Fatal("expected a chunk on the receive channel")
	}

	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	ack := mustParse(t, out[0])
	assert.Equal(t, uint32(9006), ack.Ack)
}

func TestReorderThenFill(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, rx, isn := establish(t, s)
	s.TakeOutgoingPackets()

	ctx := context.Background()
	peerID := reversed(id)

	s.ProcessIncomingPacket(ctx, ip.Build(&ip.Segment{ConnID: peerID, Seq: 9006, Ack: isn + 1, Flags: ip.FlagACK, Payload: []byte("WORLD")}))
	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	dup := mustParse(t, out[0])
	assert.Equal(t, uint32(9001), dup.Ack)

	s.ProcessIncomingPacket(ctx, ip.Build(&ip.Segment{ConnID: peerID, Seq: 9001, Ack: isn + 1, Flags: ip.FlagACK, Payload: []byte("HELLO")}))
	out = s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	full := mustParse(t, out[0])
	assert.Equal(t, uint32(9011), full.Ack)

	first := <-rx
	second := <-rx
	assert.Equal(t, "HELLO", string(first))
	assert.Equal(t, "WORLD", string(second))
}

func TestOutOfOrderFIN(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, rx, isn := establish(t, s)
	s.TakeOutgoingPackets()

	ctx := context.Background()
	peerID := reversed(id)

	s.ProcessIncomingPacket(ctx, ip.Build(&ip.Segment{ConnID: peerID, Seq: 9006, Ack: isn + 1, Flags: ip.FlagFIN | ip.FlagACK}))
	s.TakeOutgoingPackets() // duplicate ack from the premature FIN, not under test

	s.ProcessIncomingPacket(ctx, ip.Build(&ip.Segment{ConnID: peerID, Seq: 9001, Ack: isn + 1, Flags: ip.FlagACK, Payload: []byte("abcde")}))

	data := <-rx
	assert.Equal(t, "abcde", string(data))
	eof := <-rx
	assert.Len(t, eof, 0)

	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	ack := mustParse(t, out[0])
	assert.Equal(t, uint32(9007), ack.Ack)

	st, ok := s.GetState(id)
	require.True(t, ok)
	assert.Equal(t, StateCloseWait, st)
}

func TestRetransmitBackoff(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, _, _ := establish(t, s)
	s.TakeOutgoingPackets()
	ctx := context.Background()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 'X'
	}
	require.NoError(t, s.Send(ctx, id, payload))
	s.TakeOutgoingPackets()

	c, ok := s.tbl.lookup(id)
	require.True(t, ok)
	c.retransmitQueue[0].sentAt = time.Now().Add(-500 * time.Millisecond)

	n := s.CheckRetransmissions(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, time.Second, c.rto)

	c.retransmitQueue[0].sentAt = time.Now().Add(-time.Second)
	n = s.CheckRetransmissions(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2*time.Second, c.rto)
}

func TestOrphanPacket(t *testing.T) {
	s := NewVirtualStack(localAddr)
	ctx := context.Background()

	peer := netip.MustParseAddr("1.2.3.4")
	id := tunnel.NewConnID(localAddr, 80, peer, 1234)
	blob := ip.Build(&ip.Segment{ConnID: reversed(id), Seq: 100, Ack: 42, Flags: ip.FlagACK, Payload: []byte("x")})

	s.ProcessIncomingPacket(ctx, blob)

	out := s.TakeOutgoingPackets()
	require.Len(t, out, 1)
	rst := mustParse(t, out[0])
	assert.True(t, rst.Flags.Has(ip.FlagRST))
	assert.Equal(t, uint32(42), rst.Seq)
}

func TestCloseTwiceIsNoop(t *testing.T) {
	s := NewVirtualStack(localAddr)
	id, _, _ := establish(t, s)
	s.TakeOutgoingPackets()
	ctx := context.Background()

	s.Close(ctx, id)
	first := s.TakeOutgoingPackets()
	require.Len(t, first, 1)

	s.Close(ctx, id)
	second := s.TakeOutgoingPackets()
	assert.Empty(t, second)
}

func TestTakeOutgoingPacketsDrainsOnce(t *testing.T) {
	s := NewVirtualStack(localAddr)
	s.Connect(context.Background(), remoteAddr, 80)

	first := s.TakeOutgoingPackets()
	assert.Len(t, first, 1)
	second := s.TakeOutgoingPackets()
	assert.Empty(t, second)
}
