package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when Advance or
// SetTime is called; due timers fire synchronously on the advancing goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock pinned at start (UTC).
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

// Stop prevents the timer from firing.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake elapsed time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that receives the fake time once Advance passes d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Buffered so firing never blocks Advance
	ch := make(chan time.Time, 1)
	f.timers = append(f.timers, &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       ch,
	})
	return ch
}

// AfterFunc schedules f to run when Advance passes d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		fn:       fn,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the fake time forward by d, firing all timers whose deadline
// is reached, in deadline order. Callbacks run without the clock lock held so
// they may schedule further timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.advanceTo(target)
}

// SetTime jumps the fake clock to t, firing any timers due on the way.
func (f *Fake) SetTime(t time.Time) {
	f.advanceTo(t.UTC())
}

func (f *Fake) advanceTo(target time.Time) {
	for {
		f.mu.Lock()

		// Find the earliest pending timer not after target
		var next *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.fired || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}

		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}

		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		next.fired = true
		fn := next.fn
		ch := next.ch
		now := f.now
		f.mu.Unlock()

		if ch != nil {
			ch <- now
		}
		if fn != nil {
			fn()
		}
	}
}

// PendingTimers reports how many timers are scheduled and not yet fired.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}

	// Compact fired/stopped timers opportunistically
	if len(f.timers) > 64 && count < len(f.timers)/2 {
		live := f.timers[:0]
		for _, t := range f.timers {
			if !t.stopped && !t.fired {
				live = append(live, t)
			}
		}
		sort.Slice(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
		f.timers = live
	}

	return count
}

var _ Clock = (*Fake)(nil)
