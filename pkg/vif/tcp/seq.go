package tcp

// Sequence-number arithmetic is always modular 32-bit. Comparisons never use
// the raw uint32 ordering directly; they go through the signed difference so
// wraparound behaves correctly.

// seqDelta returns a-b as a signed 32-bit difference.
func seqDelta(a, b uint32) int32 {
	return int32(a - b)
}

// seqLess reports whether a precedes b in modular sequence order.
func seqLess(a, b uint32) bool {
	return seqDelta(a, b) < 0
}

// seqLessEq reports whether a precedes or equals b in modular sequence order.
func seqLessEq(a, b uint32) bool {
	return seqDelta(a, b) <= 0
}
