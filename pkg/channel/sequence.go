package channel

// seqNewer reports whether a is after b in wrapping 16-bit sequence space.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0 //nolint:gosec // wrapping is intended
}

// seqDiff returns the signed wrapping distance a - b.
func seqDiff(a, b uint16) int {
	return int(int16(a - b)) //nolint:gosec // wrapping is intended
}

// ackWindow records which of the peer's packets were received, as the latest sequence plus a
// bitfield of the 32 before it. It is what goes into the Ack/AckBits header fields.
type ackWindow struct {
	latest  uint16
	bits    uint32
	started bool
}

// observe marks seq received and reports whether it was new.
func (w *ackWindow) observe(seq uint16) bool {
	if !w.started {
		w.started = true
		w.latest = seq
		w.bits = 0
		return true
	}

	d := seqDiff(seq, w.latest)
	switch {
	case d > 0:
		switch {
		case d < 32:
			w.bits = w.bits<<d | 1<<(d-1)
		case d == 32:
			w.bits = 1 << 31
		default:
			w.bits = 0
		}
		w.latest = seq
		return true
	case d == 0:
		return false
	default:
		idx := -d - 1
		if idx >= 32 {
			return false // too old to tell, treat as duplicate
		}
		mask := uint32(1) << idx
		if w.bits&mask != 0 {
			return false
		}
		w.bits |= mask
		return true
	}
}

// acked calls fn for every sequence covered by an Ack/AckBits pair.
func acked(ack uint16, bits uint32, fn func(seq uint16)) {
	fn(ack)
	for i := range 32 {
		if bits&(1<<i) != 0 {
			fn(ack - 1 - uint16(i)) //nolint:gosec // i < 32
		}
	}
}
