// Package bandwidth tracks per-packet send/receive byte counts and computes
// exponentially smoothed bandwidth figures, independent of any protocol logic.
package bandwidth

import "time"

// Aggregator maintains an exponential moving average of bytes per second for
// the sent and received directions independently. Samples accumulate between
// calls to Update; each Update blends the accumulated byte total over the
// elapsed logical time into the running averages. No per-packet history is
// retained beyond the running figures.
//
// Aggregator is not safe for concurrent use; it is owned by a single session.
type Aggregator struct {
	smoothingFactor float64

	sentBytes     int
	receivedBytes int
	lastUpdate    time.Duration

	sentKbps     float64
	receivedKbps float64
}

// NewAggregator creates an Aggregator with the given smoothing factor and
// logical time origin.
//
// Parameters:
//   - smoothingFactor: EMA weight in (0,1]; higher reacts faster to new samples
//   - currentTime: Logical time origin for the first measurement interval
//
// Returns:
//   - A new Aggregator with zeroed averages
func NewAggregator(smoothingFactor float64, currentTime time.Duration) *Aggregator {
	return &Aggregator{
		smoothingFactor: smoothingFactor,
		lastUpdate:      currentTime,
	}
}

// AddSent records a datagram written to the socket.
//
// Parameters:
//   - bytes: Wire length of the sent datagram
func (a *Aggregator) AddSent(bytes int) {
	a.sentBytes += bytes
}

// AddReceived records a datagram accepted from the socket.
//
// Parameters:
//   - bytes: Wire length of the received datagram
func (a *Aggregator) AddReceived(bytes int) {
	a.receivedBytes += bytes
}

// Update folds the bytes accumulated since the previous Update into the
// running averages: avg' = avg*(1-alpha) + instantaneous*alpha. A call with no
// elapsed logical time leaves the averages untouched so zero-duration ticks
// cannot divide by zero or skew the figures.
//
// Parameters:
//   - currentTime: The session's logical time at the end of the tick
func (a *Aggregator) Update(currentTime time.Duration) {
	elapsed := currentTime - a.lastUpdate
	if elapsed <= 0 {
		return
	}

	alpha := a.smoothingFactor
	sentRate := float64(a.sentBytes) / elapsed.Seconds()
	receivedRate := float64(a.receivedBytes) / elapsed.Seconds()
	a.sentKbps = a.sentKbps*(1-alpha) + toKbps(sentRate)*alpha
	a.receivedKbps = a.receivedKbps*(1-alpha) + toKbps(receivedRate)*alpha

	a.sentBytes = 0
	a.receivedBytes = 0
	a.lastUpdate = currentTime
}

// SentKbps returns the smoothed outbound bandwidth in kilobits per second.
func (a *Aggregator) SentKbps() float64 {
	return a.sentKbps
}

// ReceivedKbps returns the smoothed inbound bandwidth in kilobits per second.
func (a *Aggregator) ReceivedKbps() float64 {
	return a.receivedKbps
}

// toKbps converts a bytes-per-second rate into kilobits per second.
func toKbps(bytesPerSecond float64) float64 {
	return bytesPerSecond * 8.0 / 1000.0
}
