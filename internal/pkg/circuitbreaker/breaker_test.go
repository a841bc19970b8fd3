package circuitbreaker

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := NewBreaker(3, time.Second, 1, clk)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := NewBreaker(1, time.Second, 1, clk)
	b.RecordFailure()
	assert.False(t, b.Allow())

	clk.Advance(2 * time.Second)
	assert.True(t, b.Allow(), "first call after cooldown is the probe")
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe in flight")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := NewBreaker(1, time.Second, 1, clk)
	b.RecordFailure()
	clk.Advance(2 * time.Second)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.Equal(t, "open", b.State().String())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(2, time.Second, 1, nil)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_ReportsHalfOpenOnceCooldownElapsed(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := NewBreaker(1, time.Second, 1, clk)
	b.RecordFailure()
	assert.Equal(t, Open, b.State())

	clk.Advance(2 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}
