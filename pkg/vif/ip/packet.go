// Package ip implements the packet codec: parsing inbound IPv4+TCP
// framings and building outbound ones, including the pseudo-header TCP
// checksum and the fixed SYN option block. It has no knowledge of
// connection state — that lives in pkg/vif/tcp.
package ip

import "github.com/datawire/vtun/pkg/tunnel"

// AdvertisedWindow is the fixed on-wire window field this stack emits. The
// real receive window is this value left-shifted by WindowScaleShift, per
// the Window Scale option negotiated in the SYN.
const AdvertisedWindow = 65535

// Segment is the parsed or about-to-be-built form of one TCP/IPv4 packet.
type Segment struct {
	ConnID  tunnel.ConnID
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Payload []byte
}

// Parse validates and decodes an inbound raw IPv4 datagram. It returns an
// error for anything the spec says to discard: too short, wrong IP version,
// non-TCP protocol, or a malformed TCP header. None of these errors are
// fatal to any connection; the caller logs and drops.
func Parse(blob []byte) (*Segment, error) {
	src, dst, ipPayload, proto, err := parseIPv4(blob)
	if err != nil {
		return nil, err
	}
	if proto != tcpProtocol {
		return nil, errNotTCP
	}
	t, err := parseTCP(ipPayload)
	if err != nil {
		return nil, err
	}
	seg := &Segment{
		ConnID:  tunnel.NewConnID(dst, t.dstPort, src, t.srcPort),
		Seq:     t.seq,
		Ack:     t.ack,
		Flags:   t.flags,
		Payload: t.payload,
	}
	return seg, nil
}

// errNotTCP is returned by Parse for any non-TCP IPv4 payload. The stack
// never implements UDP or ICMP, so these are always silently discarded.
var errNotTCP = errorString("ip: non-TCP protocol")

type errorString string

func (e errorString) Error() string { return string(e) }

// Build renders a complete outbound IPv4+TCP datagram for seg. When
// seg.Flags has SYN set, the fixed 8-byte option block (MSS + NOP + Window
// Scale) is appended ahead of the payload.
func Build(seg *Segment) []byte {
	var opts []byte
	if seg.Flags.Has(FlagSYN) {
		opts = synOptions()
	}
	tcpSegment := buildTCP(seg.ConnID.LocalPort, seg.ConnID.RemotePort, seg.Seq, seg.Ack, seg.Flags, AdvertisedWindow, opts, seg.Payload)
	setChecksum(tcpSegment, 0)
	sum := tcpChecksum(seg.ConnID.LocalAddr.As4(), seg.ConnID.RemoteAddr.As4(), tcpSegment)
	setChecksum(tcpSegment, sum)
	return buildIPv4(seg.ConnID.LocalAddr, seg.ConnID.RemoteAddr, tcpSegment)
}
