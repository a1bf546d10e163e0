package tcp

import (
	"time"

	"github.com/google/uuid"

	"github.com/datawire/vtun/pkg/tunnel"
	"github.com/datawire/vtun/pkg/vif/ip"
)

const (
	// rxChannelCapacity sizes the application receive channel: 2048
	// MSS-sized chunks, about 2.8 MiB of delivery credit.
	rxChannelCapacity = 2048

	// defaultMaxReorderBufferBytes bounds how much out-of-order data one
	// connection will hold before dropping and reacknowledging.
	defaultMaxReorderBufferBytes = 1 << 20

	initialRTO     = 500 * time.Millisecond
	maxRTO         = 8 * time.Second
	maxRetransmits = 8
)

// retransmitSegment is one unACKed segment sitting in a TCB's retransmit
// queue, awaiting either an ACK that retires it or a timeout that resends it.
type retransmitSegment struct {
	seq             uint32
	payload         []byte
	flags           ip.Flags
	sentAt          time.Time
	retransmitCount int
}

// end is the sequence number one past the last byte this segment carries.
// Only data segments ever occupy the retransmit queue (SYN is retried via
// ResendSynIfPending using the stored ISN; FIN is never retried), so no +1
// for control flags is needed here.
func (r *retransmitSegment) end() uint32 {
	return r.seq + uint32(len(r.payload))
}

// tcb is the Transmission Control Block for one connection: every piece of
// mutable state the engine tracks on its behalf.
type tcb struct {
	id      tunnel.ConnID
	traceID uuid.UUID

	state State

	localSeq   uint32
	initialSeq uint32
	localAck   uint32
	sndUna     uint32

	txToApp chan []byte

	createdAt    time.Time
	lastActivity time.Time

	reorderBuffer         map[uint32][]byte
	reorderBufferBytes    int
	maxReorderBufferBytes int

	hasPendingFin bool
	pendingFinSeq uint32

	retransmitQueue []*retransmitSegment

	rto time.Duration
}

func newTCB(id tunnel.ConnID, initialSeq uint32, now time.Time) *tcb {
	return &tcb{
		id:                    id,
		traceID:               uuid.New(),
		state:                 StateSynSent,
		localSeq:              initialSeq,
		initialSeq:            initialSeq,
		sndUna:                initialSeq,
		txToApp:               make(chan []byte, rxChannelCapacity),
		createdAt:             now,
		lastActivity:          now,
		reorderBuffer:         make(map[uint32][]byte),
		maxReorderBufferBytes: defaultMaxReorderBufferBytes,
		rto:                   initialRTO,
	}
}

// advanceSeq reserves n sequence numbers starting at the current localSeq
// and returns the sequence number the caller should stamp on its segment.
// Used for SYN and FIN, neither of which is tracked in the retransmit queue.
func (t *tcb) advanceSeq(n uint32) (seq uint32) {
	seq = t.localSeq
	t.localSeq += n
	return seq
}

// queueRetransmit appends a data segment to the retransmit queue and
// advances localSeq past it.
func (t *tcb) queueRetransmit(payload []byte, flags ip.Flags, now time.Time) (seq uint32) {
	seq = t.advanceSeq(uint32(len(payload)))
	t.retransmitQueue = append(t.retransmitQueue, &retransmitSegment{seq: seq, payload: payload, flags: flags, sentAt: now})
	return seq
}

// ackProgress applies an incoming ACK number to snd_una, retiring any fully
// acknowledged head-of-queue segments and resetting the RTO on progress.
// Returns true if snd_una advanced.
func (t *tcb) ackProgress(peerAck uint32) bool {
	if seqDelta(peerAck, t.sndUna) <= 0 {
		return false
	}
	t.sndUna = peerAck
	i := 0
	for ; i < len(t.retransmitQueue); i++ {
		if seqLessEq(t.retransmitQueue[i].end(), t.sndUna) {
			continue
		}
		break
	}
	t.retransmitQueue = t.retransmitQueue[i:]
	t.rto = initialRTO
	return true
}

// clearRetransmitQueue discards all pending retransmissions, used on close
// and on RST.
func (t *tcb) clearRetransmitQueue() {
	t.retransmitQueue = nil
}

// reorderAdd buffers an out-of-order payload at seq, subject to the byte
// budget. Returns false (and buffers nothing) if the budget would be
// exceeded.
func (t *tcb) reorderAdd(seq uint32, payload []byte) bool {
	if _, exists := t.reorderBuffer[seq]; exists {
		return true
	}
	if t.reorderBufferBytes+len(payload) > t.maxReorderBufferBytes {
		return false
	}
	t.reorderBuffer[seq] = payload
	t.reorderBufferBytes += len(payload)
	return true
}

// reorderDrainContiguous removes and returns, in sequence order, every
// buffered segment that forms a contiguous run starting at ack. It returns
// the collected payloads and the ack value advanced past them.
func (t *tcb) reorderDrainContiguous(ack uint32) (segments [][]byte, newAck uint32) {
	newAck = ack
	for {
		payload, ok := t.reorderBuffer[newAck]
		if !ok {
			return segments, newAck
		}
		delete(t.reorderBuffer, newAck)
		t.reorderBufferBytes -= len(payload)
		segments = append(segments, payload)
		newAck += uint32(len(payload))
	}
}
