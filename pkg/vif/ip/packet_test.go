package ip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vtun/pkg/tunnel"
)

func testConnID() tunnel.ConnID {
	return tunnel.NewConnID(
		netip.MustParseAddr("10.0.0.1"),
		49152,
		netip.MustParseAddr("10.0.0.5"),
		80,
	)
}

func TestSynOptionBlockIsExactlyEightBytesAndEncodesMSSAndWS(t *testing.T) {
	opts := synOptions()
	require.Len(t, opts, 8)
	assert.Equal(t, []byte{0x02, 0x04, 0x05, 0x50, 0x01, 0x03, 0x03, 0x07}, opts)
}

func TestBuildThenParseRoundTrip(t *testing.T) {
	seg := &Segment{
		ConnID:  testConnID(),
		Seq:     1000,
		Ack:     2000,
		Flags:   FlagACK | FlagPSH,
		Payload: []byte("HELLO"),
	}
	blob := Build(seg)

	got, err := Parse(blob)
	require.NoError(t, err)
	// Parse names the ConnID from the receiver's side: the packet's
	// destination becomes the local half.
	want := tunnel.NewConnID(seg.ConnID.RemoteAddr, seg.ConnID.RemotePort, seg.ConnID.LocalAddr, seg.ConnID.LocalPort)
	assert.Equal(t, want, got.ConnID)
	assert.Equal(t, seg.Seq, got.Seq)
	assert.Equal(t, seg.Ack, got.Ack)
	assert.Equal(t, seg.Flags, got.Flags)
	assert.Equal(t, seg.Payload, got.Payload)
}

func TestBuildSynIncludesOptionBlock(t *testing.T) {
	seg := &Segment{ConnID: testConnID(), Seq: 42, Flags: FlagSYN}
	blob := Build(seg)
	// IPv4 header (20) + TCP base header (20) + options (8) = 48 bytes, no payload.
	assert.Len(t, blob, 48)
}

func TestChecksumVerifies(t *testing.T) {
	seg := &Segment{ConnID: testConnID(), Seq: 7, Ack: 8, Flags: FlagACK, Payload: []byte("abcdef")}
	blob := Build(seg)

	ihl := int(blob[0]&0x0f) * 4
	tcpSegment := blob[ihl:]
	src := seg.ConnID.LocalAddr.As4()
	dst := seg.ConnID.RemoteAddr.As4()
	assert.Equal(t, uint16(0), tcpChecksum(src, dst, tcpSegment))
}

func TestParseRejectsShortPacket(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	assert.Error(t, err)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	blob := make([]byte, 20)
	blob[0] = 0x60 // version 6
	_, err := Parse(blob)
	assert.Error(t, err)
}

func TestParseRejectsNonTCP(t *testing.T) {
	seg := &Segment{ConnID: testConnID(), Seq: 1, Flags: FlagACK}
	blob := Build(seg)
	blob[9] = 17 // UDP
	_, err := Parse(blob)
	assert.ErrorIs(t, err, errNotTCP)
}
