package tcp

import "github.com/datawire/vtun/pkg/vif/ip"

// action is the tagged value a per-state handler computes while holding the
// connection-table lock. It is executed after the lock is released, keeping
// packet emission and channel sends off the critical section. A single
// struct with optional fields stands in for what would otherwise be a sum
// type over the various emit/deliver/broadcast combinations a state
// transition can produce.
type action struct {
	// emit, if non-nil, is a fully-formed segment to hand to the codec and
	// push onto the outbound queue.
	emit *ip.Segment

	// deliverTo is the channel to send payloads (and the EOF marker) to.
	// Nil if there is nothing to deliver.
	deliverTo chan []byte

	// payloads are sent to deliverTo in order before eof is considered.
	payloads [][]byte

	// eof, if set, sends one empty chunk to deliverTo after payloads,
	// signaling half-close to the application.
	eof bool

	// broadcast, if set, wakes every waiter on the stack's state-change
	// signal (connection established or reset).
	broadcast bool
}

var noAction = action{}
