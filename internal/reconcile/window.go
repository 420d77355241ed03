// Package reconcile turns a tick's worth of raw game actions into at most
// one movement and one special action per player.
package reconcile

// InWindow reports whether candidate is an acceptable next sequence number
// after last. The window covers the half of the sequence space that starts
// right after last; everything else is a stale replay or far-future noise.
// limit must be a power of two.
func InWindow(last, candidate, limit uint16) bool {
	mask := limit - 1
	justAfter := (last + 1) & mask
	windowEnd := (last + 1 + limit/2) & mask

	if justAfter < windowEnd {
		return candidate >= justAfter && candidate < windowEnd
	}
	// Wrapping window: [justAfter, limit) U [0, windowEnd).
	return (candidate >= justAfter && candidate < limit) || candidate < windowEnd
}

// distance is how far candidate lies ahead of last, modulo limit.
func distance(last, candidate, limit uint16) uint16 {
	return (candidate - last) & (limit - 1)
}
