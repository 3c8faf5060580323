package bridge

// histRange returns the value range counted by a log2 histogram slot.
// Slot 0 holds 0 and 1; slot n holds [2^n, 2^(n+1)-1].
func histRange(slot uint32) (lo, hi uint64) {
	if slot == 0 {
		return 0, 1
	}
	if slot >= 63 {
		return 1 << 63, 1<<64 - 1
	}
	return 1 << slot, 1<<(slot+1) - 1
}
