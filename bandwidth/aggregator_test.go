package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAggregator(t *testing.T) {
	a := NewAggregator(0.5, 0)
	require.NotNil(t, a)
	assert.Zero(t, a.SentKbps())
	assert.Zero(t, a.ReceivedKbps())
}

func TestAggregator_ClosedFormEMA(t *testing.T) {
	const alpha = 0.25
	a := NewAggregator(alpha, 0)

	// Deterministic (time-delta, byte-count) samples; the running average
	// must match the closed-form EMA recurrence.
	samples := []struct {
		delta time.Duration
		bytes int
	}{
		{100 * time.Millisecond, 1250},
		{100 * time.Millisecond, 2500},
		{50 * time.Millisecond, 0},
		{200 * time.Millisecond, 10000},
	}

	var now time.Duration
	var want float64
	for _, s := range samples {
		a.AddSent(s.bytes)
		now += s.delta
		a.Update(now)

		instantaneous := float64(s.bytes) / s.delta.Seconds() * 8.0 / 1000.0
		want = want*(1-alpha) + instantaneous*alpha
		assert.InDelta(t, want, a.SentKbps(), 1e-9)
	}
}

func TestAggregator_DirectionsAreIndependent(t *testing.T) {
	a := NewAggregator(1.0, 0)

	a.AddSent(1000)
	a.AddReceived(500)
	a.Update(time.Second)

	// alpha=1 makes the average exactly the instantaneous rate.
	assert.InDelta(t, 8.0, a.SentKbps(), 1e-9)
	assert.InDelta(t, 4.0, a.ReceivedKbps(), 1e-9)
}

func TestAggregator_ZeroElapsedTick(t *testing.T) {
	a := NewAggregator(0.5, 0)
	a.AddSent(1000)
	a.Update(time.Second)
	before := a.SentKbps()

	t.Run("same-instant update leaves averages untouched", func(t *testing.T) {
		a.AddSent(9999)
		a.Update(time.Second)
		assert.Equal(t, before, a.SentKbps())
	})

	t.Run("pending bytes fold into the next real interval", func(t *testing.T) {
		a.Update(2 * time.Second)
		assert.NotEqual(t, before, a.SentKbps())
	})
}

func TestAggregator_IdleDecay(t *testing.T) {
	a := NewAggregator(0.5, 0)
	a.AddSent(10000)
	a.Update(time.Second)
	peak := a.SentKbps()
	require.Positive(t, peak)

	for i := 2; i <= 10; i++ {
		a.Update(time.Duration(i) * time.Second)
	}
	assert.Less(t, a.SentKbps(), peak/100)
}
