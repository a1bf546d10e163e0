package ip

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	ipv4HeaderLen  = 20
	ipv4Version    = 4
	tcpProtocol    = 6
	ipv4DefaultTTL = 64
)

// parseIPv4 validates and slices an inbound IPv4 datagram. It returns the
// source and destination addresses and the byte range holding the payload
// (whatever protocol ipv4 says it carries).
func parseIPv4(blob []byte) (src, dst netip.Addr, payload []byte, proto byte, err error) {
	if len(blob) < ipv4HeaderLen {
		return src, dst, nil, 0, fmt.Errorf("ip: packet too short (%d bytes)", len(blob))
	}
	if blob[0]>>4 != ipv4Version {
		return src, dst, nil, 0, fmt.Errorf("ip: unsupported version nibble %d", blob[0]>>4)
	}
	ihl := int(blob[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(blob) < ihl {
		return src, dst, nil, 0, fmt.Errorf("ip: invalid header length %d", ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(blob[2:4]))
	if totalLen < ihl || totalLen > len(blob) {
		totalLen = len(blob)
	}
	proto = blob[9]
	src = netip.AddrFrom4([4]byte(blob[12:16]))
	dst = netip.AddrFrom4([4]byte(blob[16:20]))
	return src, dst, blob[ihl:totalLen], proto, nil
}

// buildIPv4 writes a 20-byte IPv4 header (no options) for a TCP datagram
// carrying len(tcpSegment) bytes, and returns the complete datagram with tcpSegment
// appended.
func buildIPv4(src, dst netip.Addr, tcpSegment []byte) []byte {
	totalLen := ipv4HeaderLen + len(tcpSegment)
	buf := make([]byte, totalLen)
	hdr := buf[:ipv4HeaderLen]
	hdr[0] = (ipv4Version << 4) | (ipv4HeaderLen / 4)
	hdr[1] = 0 // DSCP/ECN
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], 0) // identification
	binary.BigEndian.PutUint16(hdr[6:8], 0) // flags/fragment offset
	hdr[8] = ipv4DefaultTTL
	hdr[9] = tcpProtocol
	srcB := src.As4()
	dstB := dst.As4()
	copy(hdr[12:16], srcB[:])
	copy(hdr[16:20], dstB[:])
	binary.BigEndian.PutUint16(hdr[10:12], internetChecksum(hdr))
	copy(buf[ipv4HeaderLen:], tcpSegment)
	return buf
}
