// Package adapter bridges a real tun.Device to the virtual stack's two
// packet queues: it pumps inbound blobs from the device into
// ProcessIncomingPacket and drains the stack's outbound queue onto the
// device, waking on the stack's state-change signal and otherwise
// re-checking the queue every writeIdleInterval.
package adapter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/pkg/vif/tcp"
)

// maxPacketSize bounds one read from the tun device: MSS plus IP/TCP
// headers and the SYN option block, rounded up with headroom.
const maxPacketSize = 1500

// writeBurst is the drain size above which the write loop logs the number
// of queued packets at debug level. It does not cap a drain: every packet
// taken from the outbound queue is written before the loop checks again.
const writeBurst = 256

// writeIdleInterval bounds how long the write loop waits on the
// state-change signal before re-checking the outbound queue, covering the
// case where packets are queued without any TCB transitioning state (e.g.
// a retransmit sweep re-emitting a segment).
const writeIdleInterval = 50 * time.Millisecond

// This assertion checks that the wireguard-go tun.Device this adapter
// targets in production satisfies the narrower Device interface below.
var _ Device = tun.Device(nil)

// Device is the subset of golang.zx2c4.com/wireguard/tun.Device this
// package depends on, so tests can supply a fake without a real tun.
type Device interface {
	Read(buf []byte, offset int) (int, error)
	Write(buf []byte, offset int) (int, error)
	Name() (string, error)
	Close() error
}

// Adapter owns the read and write pump loops for one tun device.
type Adapter struct {
	dev   Device
	stack *tcp.VirtualStack

	// drainLimiter paces how often the write loop wakes to check the
	// outbound queue when it is empty, so an idle stack doesn't spin.
	drainLimiter *rate.Limiter
}

// New wraps dev with the read/write pumps for stack.
func New(dev Device, stack *tcp.VirtualStack) *Adapter {
	return &Adapter{
		dev:          dev,
		stack:        stack,
		drainLimiter: rate.NewLimiter(rate.Limit(1000), 1),
	}
}

// Run starts the read and write pumps as goroutines in a dgroup, and the
// retransmit/cleanup sweeps on their own tickers, all tied to ctx's
// lifetime. It blocks until every goroutine exits.
func (a *Adapter) Run(ctx context.Context, retransmitInterval, cleanupInterval time.Duration) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: false,
	})

	g.Go("tun-read", func(ctx context.Context) error {
		return a.readLoop(ctx)
	})
	g.Go("tun-write", func(ctx context.Context) error {
		return a.writeLoop(ctx)
	})
	g.Go("retransmit-sweep", func(ctx context.Context) error {
		return a.sweepLoop(ctx, retransmitInterval, func(ctx context.Context) {
			a.stack.CheckRetransmissions(ctx)
		})
	})
	g.Go("cleanup-sweep", func(ctx context.Context) error {
		return a.sweepLoop(ctx, cleanupInterval, func(ctx context.Context) {
			a.stack.CleanupStaleConnections(ctx)
		})
	})

	return g.Wait()
}

func (a *Adapter) readLoop(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := a.dev.Read(buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("adapter: tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		blob := make([]byte, n)
		copy(blob, buf[:n])
		a.stack.ProcessIncomingPacket(ctx, blob)
	}
}

func (a *Adapter) writeLoop(ctx context.Context) error {
	for {
		pkts := a.stack.TakeOutgoingPackets()
		if len(pkts) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			if !a.stack.WaitForStateChange(writeIdleInterval) {
				// No state change either; just loop and check again,
				// rate-limited so an idle stack doesn't spin the CPU.
				_ = a.drainLimiter.Wait(ctx)
			}
			continue
		}
		if len(pkts) > writeBurst {
			dlog.Debugf(ctx, "adapter: draining %d queued packets", len(pkts))
		}
		for _, p := range pkts {
			if _, err := a.dev.Write(p, 0); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("adapter: tun write: %w", err)
			}
		}
	}
}

func (a *Adapter) sweepLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep(ctx)
		}
	}
}
