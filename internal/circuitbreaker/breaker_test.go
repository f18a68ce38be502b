package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(threshold int) (*Breaker, *fakeClock) {
	c := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(c.Now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"), "below threshold")

	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.Equal(t, StateOpen, b.State("transfer"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newBreaker(2)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")

	c.Advance(30 * time.Second)
	assert.False(t, b.Allow("transfer"), "still cooling down")

	c.Advance(31 * time.Second)
	assert.True(t, b.Allow("transfer"), "one probe")
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "second call while probing")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
	assert.True(t, b.Allow("transfer"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newBreaker(2)
	b.RecordFailure("refund")
	b.RecordFailure("refund")
	c.Advance(2 * time.Minute)
	require.True(t, b.Allow("refund"))

	b.RecordFailure("refund")
	assert.Equal(t, StateOpen, b.State("refund"))
	assert.False(t, b.Allow("refund"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newBreaker(3)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	b.RecordSuccess("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(1)
	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.True(t, b.Allow("refund"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newBreaker(2)
	boom := errors.New("processor down")

	calls := 0
	fail := func() error { calls++; return boom }
	assert.ErrorIs(t, b.Do("transfer", fail), boom)
	assert.ErrorIs(t, b.Do("transfer", fail), boom)
	assert.ErrorIs(t, b.Do("transfer", fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit skips the call")

	assert.NoError(t, b.Do("refund", func() error { return nil }))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, c := newBreaker(1)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("transfer")
	c.Advance(time.Hour)
	b.Allow("transfer")
	b.RecordSuccess("transfer")

	assert.Equal(t, []string{
		"transfer:closed->open",
		"transfer:open->half_open",
		"transfer:half_open->closed",
	}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
