package ip

import "strings"

// Flags is the set of TCP control bits this stack understands. Only
// FIN/SYN/RST/PSH/ACK are modeled; urgent and the ECN bits are neither
// set nor inspected.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	var b strings.Builder
	for _, e := range []struct {
		bit  Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"},
	} {
		if f.Has(e.bit) {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(e.name)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
