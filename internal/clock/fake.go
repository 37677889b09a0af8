package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when Advance or
// SetNow is called; pending timers fire in chronological order during the
// advance, before Advance returns.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// NewFake returns a Fake pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeWaiter struct {
	at       time.Time
	ch       chan time.Time
	interval time.Duration // 0 for one-shot
	stopped  bool
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the clock forward by d, firing due timers and tickers in
// chronological order.
func (f *Fake) Advance(d time.Duration) {
	f.SetNow(f.Now().Add(d))
}

// SetNow jumps the clock to t (which must not be earlier than the current
// fake time) and fires everything due on the way.
func (f *Fake) SetNow(t time.Time) {
	for {
		w := f.nextDue(t)
		if w == nil {
			break
		}
		f.fire(w)
	}
	f.mu.Lock()
	if t.After(f.now) {
		f.now = t
	}
	f.mu.Unlock()
}

// nextDue pops the earliest waiter due at or before t, also advancing the
// fake time to that waiter's deadline.
func (f *Fake) nextDue(t time.Time) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].at.Before(f.waiters[j].at)
	})

	if len(f.waiters) == 0 || f.waiters[0].at.After(t) {
		return nil
	}
	w := f.waiters[0]
	if w.at.After(f.now) {
		f.now = w.at
	}
	if w.interval > 0 {
		w.at = w.at.Add(w.interval)
	} else {
		f.waiters = f.waiters[1:]
	}
	return w
}

func (f *Fake) fire(w *fakeWaiter) {
	select {
	case w.ch <- f.Now():
	default:
		// Ticker semantics: a slow receiver drops ticks.
	}
}

// After implements Clock.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

// NewTimer implements Clock.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{f: f, w: w}
}

// NewTicker implements Clock.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{f: f, w: w}
}

// Sleep implements Clock. It returns when the fake clock passes the deadline
// or the context is cancelled.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := f.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeTimer struct {
	f *Fake
	w *fakeWaiter
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.w.ch }

func (ft *fakeTimer) Stop() bool {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	was := !ft.w.stopped
	ft.w.stopped = true
	return was
}

func (ft *fakeTimer) Reset(d time.Duration) bool {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	was := !ft.w.stopped
	// Drop any queued instance before re-arming so the waiter is never
	// present twice.
	live := ft.f.waiters[:0]
	for _, w := range ft.f.waiters {
		if w != ft.w {
			live = append(live, w)
		}
	}
	ft.f.waiters = live
	ft.w.stopped = false
	ft.w.at = ft.f.now.Add(d)
	ft.f.waiters = append(ft.f.waiters, ft.w)
	return was
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.w.ch }

func (ft *fakeTicker) Stop() {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	ft.w.stopped = true
}
