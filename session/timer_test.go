package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestTimerTicksWithRemainingTime(t *testing.T) {
	clock := newFakeClock()
	var ticks atomic.Int64
	var lastRemaining atomic.Int64

	timer := NewTimer(TimerOptions{
		TickInterval: time.Millisecond,
		Clock:        clock,
		OnTick: func(remaining time.Duration) {
			ticks.Add(1)
			lastRemaining.Store(int64(remaining))
		},
	})
	timer.Start(clock.Now().Add(30 * time.Minute))
	defer timer.Stop()

	waitFor(t, time.Second, func() bool { return ticks.Load() >= 3 })
	assert.Equal(t, 30*time.Minute, time.Duration(lastRemaining.Load()))
}

func TestTimerExpiresExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	var expirations atomic.Int64
	var ticksAfterExpiry atomic.Int64

	timer := NewTimer(TimerOptions{
		TickInterval: time.Millisecond,
		Clock:        clock,
		OnTick: func(time.Duration) {
			if expirations.Load() > 0 {
				ticksAfterExpiry.Add(1)
			}
		},
		OnExpire: func() { expirations.Add(1) },
	})
	timer.Start(clock.Now().Add(10 * time.Minute))

	clock.Advance(11 * time.Minute)
	waitFor(t, time.Second, func() bool { return expirations.Load() == 1 })

	// Give the loop room to misbehave before asserting silence.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), expirations.Load())
	assert.Equal(t, int64(0), ticksAfterExpiry.Load())
	assert.Equal(t, time.Duration(0), timer.Remaining())
}

func TestTimerRefreshOverwritesDeadline(t *testing.T) {
	clock := newFakeClock()
	var expirations atomic.Int64

	timer := NewTimer(TimerOptions{
		TickInterval: time.Millisecond,
		Clock:        clock,
		OnExpire:     func() { expirations.Add(1) },
	})
	timer.Start(clock.Now().Add(5 * time.Minute))
	defer timer.Stop()

	// Refresh past the original deadline, then cross only the old one.
	timer.Refresh(clock.Now().Add(30 * time.Minute))
	clock.Advance(10 * time.Minute)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), expirations.Load())
	assert.InDelta(t, float64(20*time.Minute), float64(timer.Remaining()), float64(time.Minute))
}

func TestTimerRefreshRestartsAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	var expirations atomic.Int64

	timer := NewTimer(TimerOptions{
		TickInterval: time.Millisecond,
		Clock:        clock,
		OnExpire:     func() { expirations.Add(1) },
	})
	timer.Start(clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)
	waitFor(t, time.Second, func() bool { return expirations.Load() == 1 })

	timer.Refresh(clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)
	waitFor(t, time.Second, func() bool { return expirations.Load() == 2 })
	timer.Stop()
}

func TestTimerStopPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	var expirations atomic.Int64

	timer := NewTimer(TimerOptions{
		TickInterval: time.Millisecond,
		Clock:        clock,
		OnExpire:     func() { expirations.Add(1) },
	})
	timer.Start(clock.Now().Add(time.Minute))
	timer.Stop()

	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(0), expirations.Load())
}

func TestLevelThresholds(t *testing.T) {
	assert.Equal(t, LevelNormal, LevelFor(15*time.Minute))
	assert.Equal(t, LevelWarning, LevelFor(10*time.Minute-time.Second))
	assert.Equal(t, LevelWarning, LevelFor(5*time.Minute))
	assert.Equal(t, LevelDanger, LevelFor(5*time.Minute-time.Second))
	assert.Equal(t, LevelDanger, LevelFor(0))
}

func TestSessionRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := Session{Expiry: now.Add(30 * time.Minute)}
	assert.Equal(t, 30*time.Minute, sess.Remaining(now))
	assert.Negative(t, int64(sess.Remaining(now.Add(31*time.Minute))))
}
