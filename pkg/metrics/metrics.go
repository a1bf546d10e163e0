// Package metrics defines the Prometheus collectors the virtual stack
// updates at the events worth alerting or dashboarding on — retransmits,
// drops, resets — plus a handful of gauges for point-in-time
// connection-table state.
//
// When adding a new metric here, prefer counting things that cross a
// boundary (packets in, packets dropped, connections opened/reaped) over
// internal bookkeeping — that's what turns into a useful dashboard panel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsOpen is the number of entries in the connection table,
	// updated on each stale-connection sweep.
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vtun_connections_open",
		Help: "Number of TCBs currently held in the connection table.",
	})

	// ConnectionsByState breaks the same count down by TCP state, updated
	// on each stale-connection sweep.
	ConnectionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vtun_connections_by_state",
		Help: "Number of TCBs in each TCP state, as of the last cleanup sweep.",
	}, []string{"state"})

	// RetransmitsTotal counts every segment re-emitted by the retransmission
	// sweep.
	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtun_retransmits_total",
		Help: "Total number of segments re-sent by the retransmission sweep.",
	})

	// RetransmitExhaustedTotal counts segments that hit the retransmit cap
	// and were left in place for the stale-connection sweep to reap.
	RetransmitExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtun_retransmit_exhausted_total",
		Help: "Total number of segments abandoned after the max retransmit count.",
	})

	// ReorderBufferBytes is the total of out-of-order bytes held across all
	// connections, updated on each stale-connection sweep.
	ReorderBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vtun_reorder_buffer_bytes",
		Help: "Total bytes currently held in per-connection reorder buffers.",
	})

	// ReorderDroppedTotal counts out-of-order segments dropped because a
	// connection's reorder budget was exhausted.
	ReorderDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtun_reorder_dropped_total",
		Help: "Total number of out-of-order segments dropped for exceeding the reorder budget.",
	})

	// OrphanResetsTotal counts RSTs synthesized for packets addressed to an
	// unknown connection.
	OrphanResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vtun_orphan_resets_total",
		Help: "Total number of RSTs synthesized for packets with no matching connection.",
	})

	// StaleReapedTotal counts connections removed by the stale-connection
	// sweep, by the state they were reaped from.
	StaleReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vtun_stale_reaped_total",
		Help: "Total number of connections removed by the stale-connection sweep.",
	}, []string{"state"})
)
