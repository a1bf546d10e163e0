package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/vtun/pkg/tunnel"
)

const (
	ephemeralPortLow  = 49152
	ephemeralPortHigh = 65000

	isnSeed = 1_000_000
)

// table is the connection table: a hash map from ConnID to TCB, guarded by
// its own mutex, plus the port allocator and ISN generator. It never blocks
// while holding its lock — the two-phase lock/act design throughout this
// package depends on that.
type table struct {
	mu    sync.Mutex
	conns map[tunnel.ConnID]*tcb

	nextPort   uint32
	isnCounter uint32
}

func newTable() *table {
	return &table{
		conns:      make(map[tunnel.ConnID]*tcb),
		nextPort:   ephemeralPortLow,
		isnCounter: isnSeed,
	}
}

// allocatePort returns the next ephemeral local port, wrapping from
// ephemeralPortHigh back to ephemeralPortLow.
func (t *table) allocatePort() uint16 {
	for {
		cur := atomic.LoadUint32(&t.nextPort)
		next := cur + 1
		if next >= ephemeralPortHigh {
			next = ephemeralPortLow
		}
		if atomic.CompareAndSwapUint32(&t.nextPort, cur, next) {
			return uint16(cur)
		}
	}
}

// nextISN returns the next initial sequence number: the running counter,
// advanced by a pseudo-random amount in [1, 1_000_000] derived from the
// wall-clock sub-second component. This is deliberately weak — adequate for
// a client-only stack on a trusted tunnel, not for a listen-capable stack on
// the public internet.
func (t *table) nextISN(now time.Time) uint32 {
	step := uint32(now.Nanosecond()%1_000_000) + 1
	return atomic.AddUint32(&t.isnCounter, step)
}

func (t *table) lookup(id tunnel.ConnID) (*tcb, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *table) insert(c *tcb) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.id] = c
}

func (t *table) remove(id tunnel.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *table) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// snapshot returns a copy of the current TCB pointers. Used by the
// retransmission and stale-connection sweeps, which must not hold the table
// lock while they perform I/O or sleep.
func (t *table) snapshot() []*tcb {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tcb, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}
