package ip

import "encoding/binary"

// TCP option kinds (RFC 793, RFC 1323). Only end-of-list and the kinds this
// stack emits are named; inbound options of any kind are never parsed —
// there is no SACK or timestamp support here.
const (
	optKindEOL        = 0
	optKindNOP        = 1
	optKindMSS        = 2
	optKindWindowSize = 3
)

// MaxSegmentSize is the fixed MSS this stack advertises and segments to. No
// path-MTU discovery is performed.
const MaxSegmentSize = 1360

// WindowScaleShift is the window-scale option value this stack advertises.
// Combined with the on-wire 65535 window field this yields an effective
// receive window of 65535<<7 ≈ 8 MiB.
const WindowScaleShift = 7

// synOptions renders the fixed 8-byte SYN option block: MSS, then a single
// NOP pad byte, then Window Scale
// (`02 04 05 50 01 03 03 07` for MSS=1360, WS=7).
func synOptions() []byte {
	opts := make([]byte, 8)
	opts[0] = optKindMSS
	opts[1] = 4
	binary.BigEndian.PutUint16(opts[2:4], MaxSegmentSize)
	opts[4] = optKindNOP
	opts[5] = optKindWindowSize
	opts[6] = 3
	opts[7] = WindowScaleShift
	return opts
}
