// Package breaker implements the per-channel circuit breaker that gates
// stream start attempts. Repeated start failures open the circuit; after a
// cooldown a single probe start is allowed through, and only a probe that
// stays up long enough closes the circuit again.
package breaker

import (
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/clock"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows start attempts through normally.
	StateClosed State = iota
	// StateOpen rejects start attempts until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single probe start.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// opens the circuit.
	FailureThreshold int

	// FailureWindow is the rolling window failures are counted over.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration

	// ProbeUp is how long a probe start must stay healthy before the caller
	// reports it as a success. The breaker itself does not time this; it is
	// carried here so callers share one source of truth.
	ProbeUp time.Duration

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// OnStateChange is called after a state transition, outside the breaker
	// lock.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    300 * time.Second,
		Cooldown:         120 * time.Second,
		ProbeUp:          30 * time.Second,
	}
}

// Breaker is a single channel's circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	lastChange    time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Breaker{
		cfg:        cfg,
		state:      StateClosed,
		lastChange: cfg.Clock.Now(),
	}
}

// Allow reports whether a start attempt may proceed now. When the cooldown
// has elapsed on an open circuit, Allow performs the open to half-open
// transition. In half-open, only one probe is allowed at a time; further
// attempts are rejected until the probe outcome is recorded.
func (b *Breaker) Allow() bool {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	var fire func()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			fire = b.transition(StateHalfOpen, now)
			b.probeInFlight = false
			allowed = true
		}
	case StateHalfOpen:
		allowed = !b.probeInFlight
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// MarkAttempt records that an allowed start is actually being made. In
// half-open this claims the probe slot.
func (b *Breaker) MarkAttempt() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = true
	}
	b.mu.Unlock()
}

// RecordFailure records a failed start or an early source death. Enough
// failures inside the rolling window open the circuit; a failed probe
// reopens it immediately.
func (b *Breaker) RecordFailure() {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	var fire func()
	switch b.state {
	case StateClosed:
		b.failures = pruneBefore(b.failures, now.Add(-b.cfg.FailureWindow))
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			fire = b.transition(StateOpen, now)
			b.openedAt = now
			b.failures = nil
		}
	case StateHalfOpen:
		b.probeInFlight = false
		fire = b.transition(StateOpen, now)
		b.openedAt = now
	case StateOpen:
		// Late failure reports while open do not extend the cooldown.
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordSuccess records a start that stayed healthy for the stability
// target. It closes a half-open circuit and wipes accumulated failures on a
// closed one.
func (b *Breaker) RecordSuccess() {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	var fire func()
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		fire = b.transition(StateClosed, now)
		b.failures = nil
	case StateClosed:
		b.failures = nil
	case StateOpen:
		// A straggling success from a pre-trip source changes nothing.
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the effective state. An open circuit whose cooldown has
// elapsed reports half-open even before Allow performs the transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// StableUpTarget returns how long a start must stay healthy before callers
// report RecordSuccess.
func (b *Breaker) StableUpTarget() time.Duration {
	return b.cfg.ProbeUp
}

// Reset forces the breaker back to closed and clears its failure history.
func (b *Breaker) Reset() {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	var fire func()
	if b.state != StateClosed {
		fire = b.transition(StateClosed, now)
	}
	b.failures = nil
	b.probeInFlight = false
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Stats is a point-in-time view of a breaker for status surfaces.
type Stats struct {
	State          string    `json:"state"`
	RecentFailures int       `json:"recent_failures"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
	LastChange     time.Time `json:"last_change"`
	ProbeInFlight  bool      `json:"probe_in_flight"`
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		state = StateHalfOpen
	}
	recent := len(pruneBefore(b.failures, now.Add(-b.cfg.FailureWindow)))

	s := Stats{
		State:          state.String(),
		RecentFailures: recent,
		LastChange:     b.lastChange,
		ProbeInFlight:  b.probeInFlight,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// transition changes state under the lock and returns the callback to fire
// after the lock is released, or nil.
func (b *Breaker) transition(to State, now time.Time) func() {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.lastChange = now

	if b.cfg.OnStateChange == nil {
		return nil
	}
	cb := b.cfg.OnStateChange
	return func() { cb(from, to) }
}

// pruneBefore drops timestamps older than the cutoff, keeping order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
