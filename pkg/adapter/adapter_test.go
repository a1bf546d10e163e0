package adapter

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vtun/pkg/tunnel"
	"github.com/datawire/vtun/pkg/vif/ip"
	"github.com/datawire/vtun/pkg/vif/tcp"
)

// fakeDevice is a Device backed by two in-memory queues: inbound blobs fed by
// the test (simulating a peer's packets arriving off the wire) and outbound
// blobs the adapter writes, captured for assertions.
type fakeDevice struct {
	mu      sync.Mutex
	inbound [][]byte
	written [][]byte
	closed  bool
}

func (d *fakeDevice) Read(buf []byte, offset int) (int, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, io.EOF
		}
		if len(d.inbound) > 0 {
			blob := d.inbound[0]
			d.inbound = d.inbound[1:]
			d.mu.Unlock()
			n := copy(buf[offset:], blob)
			return n, nil
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (d *fakeDevice) Write(buf []byte, offset int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New("fakeDevice: write after close")
	}
	blob := make([]byte, len(buf)-offset)
	copy(blob, buf[offset:])
	d.written = append(d.written, blob)
	return len(blob), nil
}

func (d *fakeDevice) Name() (string, error) { return "fake0", nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) feed(blob []byte) {
	d.mu.Lock()
	d.inbound = append(d.inbound, blob)
	d.mu.Unlock()
}

func (d *fakeDevice) lastWritten() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.written) == 0 {
		return nil
	}
	return d.written[len(d.written)-1]
}

// TestAdapterHandshakeRoundTrip drives a connection's SYN through the
// adapter's write loop, feeds a SYN-ACK back through the read loop, and
// checks the resulting ACK comes out the device's Write side.
func TestAdapterHandshakeRoundTrip(t *testing.T) {
	localAddr := netip.MustParseAddr("10.0.0.1")
	remoteAddr := netip.MustParseAddr("10.0.0.5")

	stack := tcp.NewVirtualStack(localAddr)
	dev := &fakeDevice{}
	a := New(dev, stack)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, time.Hour, time.Hour) }()

	id, _ := stack.Connect(ctx, remoteAddr, 80)

	require.Eventually(t, func() bool {
		return dev.lastWritten() != nil
	}, time.Second, time.Millisecond, "expected the SYN to reach the device")

	syn, err := ip.Parse(dev.lastWritten())
	require.NoError(t, err)
	assert.True(t, syn.Flags.Has(ip.FlagSYN))
	isn := syn.Seq

	peerID := tunnel.NewConnID(id.RemoteAddr, id.RemotePort, id.LocalAddr, id.LocalPort)
	synAck := ip.Build(&ip.Segment{ConnID: peerID, Seq: 9000, Ack: isn + 1, Flags: ip.FlagSYN | ip.FlagACK})
	dev.feed(synAck)

	require.Eventually(t, func() bool {
		return stack.IsEstablished(id)
	}, time.Second, time.Millisecond, "expected the handshake to complete")

	require.Eventually(t, func() bool {
		ack, err := ip.Parse(dev.lastWritten())
		return err == nil && ack.Flags == ip.FlagACK
	}, time.Second, time.Millisecond, "expected a bare ACK to close the handshake")

	cancel()
	dev.Close() // unblocks the read loop, which has no other way to notice ctx is done
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("adapter.Run did not exit after cancel")
	}
}
