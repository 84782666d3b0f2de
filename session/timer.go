package session

import (
	"sync"
	"time"
)

// DefaultTickInterval is the cadence of remaining-time callbacks.
const DefaultTickInterval = time.Second

// TimerOptions configures a Timer.
type TimerOptions struct {
	// TickInterval defaults to one second.
	TickInterval time.Duration
	// Clock defaults to the system clock.
	Clock Clock
	// OnTick receives the remaining lifetime once per tick while active.
	OnTick func(remaining time.Duration)
	// OnExpire fires exactly once per start/refresh cycle when the
	// remaining lifetime crosses zero; ticking stops immediately after.
	OnExpire func()
}

// Timer tracks a single expiry deadline. Refresh overwrites the deadline;
// it never extends beyond what the caller (the server, in practice) grants.
type Timer struct {
	interval time.Duration
	clock    Clock
	onTick   func(time.Duration)
	onExpire func()

	mu      sync.Mutex
	expiry  time.Time
	running bool
	stop    chan struct{}
}

// NewTimer builds a stopped timer.
func NewTimer(options TimerOptions) *Timer {
	interval := options.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	clock := options.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Timer{
		interval: interval,
		clock:    clock,
		onTick:   options.OnTick,
		onExpire: options.OnExpire,
	}
}

// Start begins ticking toward the given deadline, replacing any active
// cycle.
func (t *Timer) Start(expiry time.Time) {
	t.mu.Lock()
	t.expiry = expiry
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go t.run(stop)
}

// Refresh overwrites the deadline. If the previous cycle already expired
// and stopped, a new cycle starts.
func (t *Timer) Refresh(expiry time.Time) {
	t.mu.Lock()
	running := t.running
	if running {
		t.expiry = expiry
	}
	t.mu.Unlock()

	if !running {
		t.Start(expiry)
	}
}

// Stop halts ticking without firing the expiry callback.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Remaining returns the time left in the current cycle, or zero when the
// timer is stopped.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	return t.expiry.Sub(t.clock.Now())
}

func (t *Timer) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
	t.stop = nil
}

func (t *Timer) run(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if !t.running || t.stop != stop {
			t.mu.Unlock()
			return
		}
		remaining := t.expiry.Sub(t.clock.Now())
		if remaining <= 0 {
			t.stopLocked()
			t.mu.Unlock()
			if t.onExpire != nil {
				t.onExpire()
			}
			return
		}
		t.mu.Unlock()

		if t.onTick != nil {
			t.onTick(remaining)
		}
	}
}
