// Package governor implements the single gate every channel restart goes
// through. It applies a global restart storm throttle, a per-channel
// cooldown, and the channel's circuit breaker, in that order, and returns an
// explicit decision rather than an error.
package governor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

// Decision is the outcome of a restart request.
type Decision int

const (
	// Allowed grants the restart. The caller must actually attempt it.
	Allowed Decision = iota
	// DeniedThrottle rejects because the global restart budget is spent.
	DeniedThrottle
	// DeniedCooldown rejects because the channel restarted too recently.
	DeniedCooldown
	// DeniedBreakerOpen rejects because the channel's circuit is open.
	DeniedBreakerOpen
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "Allowed"
	case DeniedThrottle:
		return "DeniedThrottle"
	case DeniedCooldown:
		return "DeniedCooldown"
	case DeniedBreakerOpen:
		return "DeniedBreakerOpen"
	default:
		return "Unknown"
	}
}

// Granted reports whether the decision permits a restart.
func (d Decision) Granted() bool {
	return d == Allowed
}

// Cause names why a restart was requested. Used for logging and metrics
// only; it never changes the decision rules.
type Cause string

const (
	// CauseSourceFailed is an unplanned source failure.
	CauseSourceFailed Cause = "source_failed"
	// CauseHealthStale is a source that stopped producing output.
	CauseHealthStale Cause = "health_stale"
	// CauseLongRunRevoke is a pool-forced recycle of a long-running process.
	CauseLongRunRevoke Cause = "long_run_revoke"
	// CauseOperatorRequest is a manual restart.
	CauseOperatorRequest Cause = "operator_request"
	// CauseAiRemediation is a restart requested by an external remediation
	// agent. The agent has no other lever on the streaming core.
	CauseAiRemediation Cause = "ai_remediation"
	// CauseStartupBoot is the initial start of an always-on channel.
	CauseStartupBoot Cause = "startup_boot"
	// CauseScheduleChange is a restart after the channel's lineup changed.
	CauseScheduleChange Cause = "schedule_change"
)

// Config holds governor tuning.
type Config struct {
	// GlobalPerWindow caps Allowed restarts across all channels per Window.
	GlobalPerWindow int

	// Window is the sliding window for the global cap.
	Window time.Duration

	// ChannelCooldown is the minimum gap between Allowed restarts of one
	// channel.
	ChannelCooldown time.Duration

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard governor tuning.
func DefaultConfig() Config {
	return Config{
		GlobalPerWindow: 10,
		Window:          60 * time.Second,
		ChannelCooldown: 30 * time.Second,
	}
}

// Governor is the sole restart entry point. All methods are safe for
// concurrent use. The governor lock is always taken before any breaker lock;
// breaker state-change callbacks therefore must not call back into the
// governor.
type Governor struct {
	cfg      Config
	breakers *breaker.Registry
	log      *slog.Logger
	metrics  *observability.Metrics

	mu          sync.Mutex
	grants      []time.Time
	lastAllowed map[models.ULID]time.Time
}

// New creates a governor gating restarts through the given breaker registry.
func New(cfg Config, breakers *breaker.Registry, log *slog.Logger, metrics *observability.Metrics) *Governor {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		cfg:         cfg,
		breakers:    breakers,
		log:         log.With(slog.String("component", "governor")),
		metrics:     metrics,
		lastAllowed: make(map[models.ULID]time.Time),
	}
}

// RequestRestart decides whether channelID may restart now. On Allowed it
// consumes global budget, stamps the channel cooldown and claims the
// breaker's probe slot, so the caller is expected to follow through with the
// attempt.
func (g *Governor) RequestRestart(channelID models.ULID, cause Cause) Decision {
	now := g.cfg.Clock.Now()

	g.mu.Lock()
	g.grants = pruneGrants(g.grants, now.Add(-g.cfg.Window))

	var decision Decision
	switch {
	case len(g.grants) >= g.cfg.GlobalPerWindow:
		decision = DeniedThrottle

	case g.inCooldown(channelID, now):
		decision = DeniedCooldown

	default:
		br := g.breakers.Get(channelID.String())
		if !br.Allow() {
			decision = DeniedBreakerOpen
		} else {
			decision = Allowed
			g.grants = append(g.grants, now)
			g.lastAllowed[channelID] = now
			br.MarkAttempt()
		}
	}
	inWindow := len(g.grants)
	g.mu.Unlock()

	g.metrics.ObserveRestartDecision(decision.String(), string(cause))
	if decision == Allowed {
		g.log.Debug("restart allowed",
			slog.String("channel_id", channelID.String()),
			slog.String("cause", string(cause)),
			slog.Int("grants_in_window", inWindow),
		)
	} else {
		g.log.Warn("restart denied",
			slog.String("channel_id", channelID.String()),
			slog.String("cause", string(cause)),
			slog.String("decision", decision.String()),
		)
	}
	return decision
}

// Forget drops per-channel governor state. Used when a channel is deleted.
// Breaker state is owned by the registry and removed there.
func (g *Governor) Forget(channelID models.ULID) {
	g.mu.Lock()
	delete(g.lastAllowed, channelID)
	g.mu.Unlock()
}

// GrantsInWindow returns how many Allowed restarts sit in the current
// window.
func (g *Governor) GrantsInWindow() int {
	now := g.cfg.Clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = pruneGrants(g.grants, now.Add(-g.cfg.Window))
	return len(g.grants)
}

func (g *Governor) inCooldown(channelID models.ULID, now time.Time) bool {
	last, ok := g.lastAllowed[channelID]
	return ok && now.Sub(last) < g.cfg.ChannelCooldown
}

func pruneGrants(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
