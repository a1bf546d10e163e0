// Package tunnel defines the connection identity shared by the packet
// codec and the TCP engine.
package tunnel

import (
	"fmt"
	"net/netip"
)

// ConnID is the 4-tuple that identifies one TCP connection. It is the hash
// key of the connection table and is stamped into every packet the engine
// emits for that connection. A ConnID is immutable for the lifetime of the
// connection it names.
type ConnID struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// NewConnID builds a ConnID from its four fields.
func NewConnID(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) ConnID {
	return ConnID{
		LocalAddr:  localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
	}
}

func (id ConnID) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}
