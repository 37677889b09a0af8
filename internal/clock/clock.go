// Package clock provides the time source used by every streaming component.
// Production code uses System(); tests inject a Fake to run deterministically.
package clock

import (
	"context"
	"time"
)

// Clock produces wall time and schedulable wakeups.
type Clock interface {
	// Now returns the current wall-clock time. The returned value carries a
	// monotonic reading on the system implementation, so Since/Sub are safe
	// across NTP steps.
	Now() time.Time

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and delivers the current time.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once after d.
	NewTimer(d time.Duration) Timer

	// NewTicker returns a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker

	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the cancelled case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a resettable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers ticks at a fixed interval until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System returns the real Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type systemTimer struct {
	t *time.Timer
}

func (st *systemTimer) C() <-chan time.Time        { return st.t.C }
func (st *systemTimer) Stop() bool                 { return st.t.Stop() }
func (st *systemTimer) Reset(d time.Duration) bool { return st.t.Reset(d) }

type systemTicker struct {
	t *time.Ticker
}

func (st *systemTicker) C() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()               { st.t.Stop() }
