package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTimerFiresAtPeriodBoundary(t *testing.T) {
	clock := newClock()
	s := NewScheduler(clock.Now)
	start := clock.now

	fires := 0
	s.Schedule(1000*time.Millisecond, func() { fires++ }, true)

	s.Tick(start.Add(999 * time.Millisecond))
	assert.Equal(t, 0, fires)

	s.Tick(start.Add(1000 * time.Millisecond))
	assert.Equal(t, 1, fires)

	s.Tick(start.Add(1999 * time.Millisecond))
	assert.Equal(t, 1, fires)

	s.Tick(start.Add(2000 * time.Millisecond))
	assert.Equal(t, 2, fires)
}

func TestDisabledTimerDoesNotFire(t *testing.T) {
	clock := newClock()
	s := NewScheduler(clock.Now)

	fires := 0
	tm := s.Schedule(time.Second, func() { fires++ }, false)
	assert.False(t, tm.Enabled())

	s.Tick(clock.advance(5 * time.Second))
	assert.Equal(t, 0, fires)

	tm.Enable()
	s.Tick(clock.advance(time.Millisecond))
	assert.Equal(t, 1, fires)

	tm.Disable()
	s.Tick(clock.advance(time.Hour))
	assert.Equal(t, 1, fires)
}

func TestRegistrationOrder(t *testing.T) {
	clock := newClock()
	s := NewScheduler(clock.Now)

	var order []string
	s.Schedule(time.Second, func() { order = append(order, "a") }, true)
	s.Schedule(time.Second, func() { order = append(order, "b") }, true)
	s.Schedule(time.Second, func() { order = append(order, "c") }, true)

	assert.Equal(t, 3, s.Tick(clock.advance(time.Second)))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRemoveAndMutationDuringTick(t *testing.T) {
	clock := newClock()
	s := NewScheduler(clock.Now)

	var victim *Timer
	added := 0
	s.Schedule(time.Second, func() {
		s.Remove(victim)
		s.Schedule(time.Second, func() { added++ }, true)
	}, true)
	victimFires := 0
	victim = s.Schedule(time.Second, func() { victimFires++ }, true)

	s.Tick(clock.advance(time.Second))
	assert.Equal(t, 0, victimFires)
	assert.Equal(t, 0, added)
	require.Equal(t, 2, s.Len())

	assert.False(t, s.Remove(victim))
}

func TestSetPeriod(t *testing.T) {
	clock := newClock()
	s := NewScheduler(clock.Now)

	fires := 0
	tm := s.Schedule(time.Hour, func() { fires++ }, true)
	tm.SetPeriod(time.Second)
	assert.Equal(t, time.Second, tm.Period())

	s.Tick(clock.advance(time.Second))
	assert.Equal(t, 1, fires)
	assert.Equal(t, clock.now, tm.LastFired())
}
