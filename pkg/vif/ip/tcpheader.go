package ip

import (
	"encoding/binary"
	"fmt"
)

const tcpBaseHeaderLen = 20

// The bit* constants are the RFC 793 flag bits in byte 13 that
// flagsFromByte and flagsToByte map onto our Flags type. Only the bits this
// stack emits or inspects are translated; URG and the
// ECN/CWR/NS bits are ignored on ingress and never set on egress.
const (
	bitFIN = 0x01
	bitSYN = 0x02
	bitRST = 0x04
	bitPSH = 0x08
	bitACK = 0x10
)

func flagsFromByte(b byte) Flags {
	var f Flags
	if b&bitFIN != 0 {
		f |= FlagFIN
	}
	if b&bitSYN != 0 {
		f |= FlagSYN
	}
	if b&bitRST != 0 {
		f |= FlagRST
	}
	if b&bitPSH != 0 {
		f |= FlagPSH
	}
	if b&bitACK != 0 {
		f |= FlagACK
	}
	return f
}

func flagsToByte(f Flags) byte {
	var b byte
	if f.Has(FlagFIN) {
		b |= bitFIN
	}
	if f.Has(FlagSYN) {
		b |= bitSYN
	}
	if f.Has(FlagRST) {
		b |= bitRST
	}
	if f.Has(FlagPSH) {
		b |= bitPSH
	}
	if f.Has(FlagACK) {
		b |= bitACK
	}
	return b
}

// parsedTCP is the subset of a TCP segment this stack consumes. Options
// other than the data-offset-implied length are never inspected; inbound
// options are skipped over, not parsed.
type parsedTCP struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            Flags
	window           uint16
	payload          []byte
}

func parseTCP(buf []byte) (parsedTCP, error) {
	var p parsedTCP
	if len(buf) < tcpBaseHeaderLen {
		return p, fmt.Errorf("tcp: segment too short (%d bytes)", len(buf))
	}
	dataOffset := int(buf[12]>>4) * 4
	if dataOffset < tcpBaseHeaderLen || dataOffset > len(buf) {
		return p, fmt.Errorf("tcp: invalid data offset %d", dataOffset)
	}
	p.srcPort = binary.BigEndian.Uint16(buf[0:2])
	p.dstPort = binary.BigEndian.Uint16(buf[2:4])
	p.seq = binary.BigEndian.Uint32(buf[4:8])
	p.ack = binary.BigEndian.Uint32(buf[8:12])
	p.flags = flagsFromByte(buf[13])
	p.window = binary.BigEndian.Uint16(buf[14:16])
	p.payload = buf[dataOffset:]
	return p, nil
}

// buildTCP renders a TCP segment with an optional options block. The
// checksum field is left zeroed; the caller fills it in after computing the
// pseudo-header checksum over the full segment.
func buildTCP(srcPort, dstPort uint16, seq, ack uint32, flags Flags, window uint16, options, payload []byte) []byte {
	dataOffset := tcpBaseHeaderLen + len(options)
	buf := make([]byte, dataOffset+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ack)
	buf[12] = byte(dataOffset/4) << 4
	buf[13] = flagsToByte(flags)
	binary.BigEndian.PutUint16(buf[14:16], window)
	// buf[16:18] checksum left zero
	// buf[18:20] urgent pointer left zero
	copy(buf[tcpBaseHeaderLen:dataOffset], options)
	copy(buf[dataOffset:], payload)
	return buf
}

func setChecksum(tcpSegment []byte, sum uint16) {
	binary.BigEndian.PutUint16(tcpSegment[16:18], sum)
}
