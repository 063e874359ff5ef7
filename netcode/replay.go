package netcode

import "math"

// replayBufferSize is the width of the sequence window tracked for replay
// protection. Packets older than the window are rejected outright.
const replayBufferSize = 256

// replayProtection rejects duplicate and stale packet sequence numbers within
// a sliding window, the standard defense against captured-packet replay.
type replayProtection struct {
	mostRecent uint64
	received   [replayBufferSize]uint64
}

const emptySlot = math.MaxUint64

func newReplayProtection() *replayProtection {
	r := &replayProtection{}
	for i := range r.received {
		r.received[i] = emptySlot
	}
	return r
}

// checkAndUpdate reports whether sequence is fresh, recording it when it is.
func (r *replayProtection) checkAndUpdate(sequence uint64) bool {
	if sequence+replayBufferSize <= r.mostRecent {
		return false
	}
	if sequence > r.mostRecent {
		r.mostRecent = sequence
	}

	index := sequence % replayBufferSize
	if r.received[index] != emptySlot && r.received[index] >= sequence {
		return false
	}
	r.received[index] = sequence
	return true
}
