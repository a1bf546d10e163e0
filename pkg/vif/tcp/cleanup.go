package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vtun/pkg/metrics"
)

// staleThreshold returns the age threshold past which a connection in state
// st is reaped, and whether age is measured from createdAt (true) or
// lastActivity (false).
func staleThreshold(st State) (threshold time.Duration, fromCreation bool) {
	switch st {
	case StateSynSent:
		return 30 * time.Second, true
	case StateEstablished:
		return 600 * time.Second, false
	case StateFinWait1, StateFinWait2, StateCloseWait, StateLastAck:
		return 120 * time.Second, false
	case StateTimeWait:
		return 60 * time.Second, false
	case StateClosed:
		return 5 * time.Second, false
	default:
		return 0, false
	}
}

// CleanupStaleConnections removes every TCB whose age exceeds its state's
// threshold, returning the count removed. Safe to call on any schedule; the
// engine itself runs no background timers of its own.
func (s *VirtualStack) CleanupStaleConnections(ctx context.Context) int {
	now := time.Now()
	reaped := 0

	byState := map[State]int{}
	reorderBytes := 0
	for _, c := range s.tbl.snapshot() {
		s.tbl.mu.Lock()
		st := c.state
		age := now.Sub(c.lastActivity)
		threshold, fromCreation := staleThreshold(st)
		if fromCreation {
			age = now.Sub(c.createdAt)
		}
		stale := threshold > 0 && age >= threshold
		bufferedBytes := c.reorderBufferBytes
		s.tbl.mu.Unlock()

		if stale {
			s.tbl.remove(c.id)
			closeAppChannel(c.txToApp)
			metrics.StaleReapedTotal.WithLabelValues(st.String()).Inc()
			dlog.Debugf(ctx, "CON %s reaped from %s after %s", c.id, st, age)
			reaped++
		} else {
			byState[st]++
			reorderBytes += bufferedBytes
		}
	}

	metrics.ConnectionsOpen.Set(float64(s.tbl.count()))
	metrics.ReorderBufferBytes.Set(float64(reorderBytes))
	metrics.ConnectionsByState.Reset()
	for st, n := range byState {
		metrics.ConnectionsByState.WithLabelValues(st.String()).Set(float64(n))
	}
	return reaped
}
