// Package timer is a cooperative, single-goroutine periodic scheduler.
// Nothing here starts goroutines: the owner calls Tick from its loop.
package timer

import "time"

// Clock returns the current time
type Clock func() time.Time

// Timer is a periodic callback owned by a Scheduler
type Timer struct {
	period    time.Duration
	lastFired time.Time
	enabled   bool
	removed   bool
	callback  func()
}

// Enable resumes firing; the period keeps counting from the last fire
func (t *Timer) Enable() { t.enabled = true }

// Disable suspends firing
func (t *Timer) Disable() { t.enabled = false }

// Enabled reports whether the timer fires on Tick
func (t *Timer) Enabled() bool { return t.enabled }

// SetPeriod changes the firing period
func (t *Timer) SetPeriod(period time.Duration) { t.period = period }

// Period returns the firing period
func (t *Timer) Period() time.Duration { return t.period }

// LastFired returns the time of the last fire (or of scheduling)
func (t *Timer) LastFired() time.Time { return t.lastFired }

// Tick fires the callback when now - lastFired >= period, then sets lastFired to now
func (t *Timer) Tick(now time.Time) bool {
	if !t.enabled || t.removed {
		return false
	}
	if now.Sub(t.lastFired) < t.period {
		return false
	}
	t.callback()
	t.lastFired = now
	return true
}

// Scheduler owns an ordered set of timers
type Scheduler struct {
	clock  Clock
	timers []*Timer
}

// NewScheduler creates a scheduler reading time from clock (time.Now when nil)
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{clock: clock}
}

// Now returns the scheduler's clock reading
func (s *Scheduler) Now() time.Time {
	return s.clock()
}

// Schedule registers a timer whose period starts counting now
func (s *Scheduler) Schedule(period time.Duration, callback func(), startEnabled bool) *Timer {
	t := &Timer{
		period:    period,
		lastFired: s.clock(),
		enabled:   startEnabled,
		callback:  callback,
	}
	s.timers = append(s.timers, t)
	return t
}

// Tick advances every timer in registration order and returns how many fired.
// Callbacks may schedule or remove timers; timers added during a tick wait
// for the next one.
func (s *Scheduler) Tick(now time.Time) int {
	snapshot := make([]*Timer, len(s.timers))
	copy(snapshot, s.timers)

	fired := 0
	for _, t := range snapshot {
		if t.Tick(now) {
			fired++
		}
	}
	return fired
}

// Remove unregisters t; it never fires again
func (s *Scheduler) Remove(t *Timer) bool {
	for i, x := range s.timers {
		if x == t {
			t.removed = true
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered timers
func (s *Scheduler) Len() int {
	return len(s.timers)
}
