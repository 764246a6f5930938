// Package timeutil lets the frame simulator and the register bridge run
// against a fake clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the control loop depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) NewTicker(d time.Duration) Ticker       { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// FakeClock only moves when Advance is called. Timers from After fire once;
// tickers re-arm every period and drop ticks nobody has received, like
// time.Ticker.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	ch      chan time.Time
	when    time.Time
	period  time.Duration // zero for one-shot
	stopped bool
}

// NewFakeClock returns a clock reading start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.add(d, 0).ch
}

// NewTicker panics on a non-positive period, as time.NewTicker does.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	return &fakeTicker{clock: c, t: c.add(d, d)}
}

func (c *FakeClock) add(d, period time.Duration) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), when: c.now.Add(d), period: period}
	c.timers = append(c.timers, t)
	return t
}

// Waiters reports how many timers and tickers are still armed.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires everything that came due.
// A ticker fires at most once per call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if c.now.Before(t.when) {
			live = append(live, t)
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
		if t.period > 0 {
			for !c.now.Before(t.when) {
				t.when = t.when.Add(t.period)
			}
			live = append(live, t)
		}
	}
	c.timers = live
}

type fakeTicker struct {
	clock *FakeClock
	t     *fakeTimer
}

func (f *fakeTicker) C() <-chan time.Time { return f.t.ch }

func (f *fakeTicker) Stop() {
	f.clock.mu.Lock()
	defer f.clock.mu.Unlock()
	f.t.stopped = true
}
