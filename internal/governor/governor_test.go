package governor

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGovernor(t *testing.T) (*Governor, *breaker.Registry, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	bcfg := breaker.DefaultConfig()
	bcfg.Clock = fc
	breakers := breaker.NewRegistry(bcfg, nil)

	gcfg := DefaultConfig()
	gcfg.Clock = fc
	return New(gcfg, breakers, newTestLogger(), nil), breakers, fc
}

func TestGovernor_AllowsFirstRequest(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	decision := g.RequestRestart(models.NewULID(), CauseSourceFailed)
	assert.Equal(t, Allowed, decision)
	assert.True(t, decision.Granted())
	assert.Equal(t, 1, g.GrantsInWindow())
}

func TestGovernor_ChannelCooldown(t *testing.T) {
	g, _, fc := newTestGovernor(t)
	ch := models.NewULID()

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))

	fc.Advance(10 * time.Second)
	assert.Equal(t, DeniedCooldown, g.RequestRestart(ch, CauseSourceFailed))

	other := models.NewULID()
	assert.Equal(t, Allowed, g.RequestRestart(other, CauseSourceFailed),
		"cooldown is per channel")

	fc.Advance(20 * time.Second)
	assert.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed),
		"cooldown elapsed after 30s")
}

func TestGovernor_GlobalThrottle(t *testing.T) {
	g, _, fc := newTestGovernor(t)

	for i := 0; i < 10; i++ {
		require.Equal(t, Allowed, g.RequestRestart(models.NewULID(), CauseSourceFailed))
	}
	assert.Equal(t, DeniedThrottle, g.RequestRestart(models.NewULID(), CauseSourceFailed))
	assert.Equal(t, 10, g.GrantsInWindow())

	fc.Advance(61 * time.Second)
	assert.Equal(t, Allowed, g.RequestRestart(models.NewULID(), CauseSourceFailed),
		"window slid past earlier grants")
}

func TestGovernor_DeniedRequestsDoNotConsumeBudget(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ch := models.NewULID()

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))
	for i := 0; i < 5; i++ {
		require.Equal(t, DeniedCooldown, g.RequestRestart(ch, CauseSourceFailed))
	}

	// Nine more grants still fit in the window.
	for i := 0; i < 9; i++ {
		require.Equal(t, Allowed, g.RequestRestart(models.NewULID(), CauseHealthStale))
	}
	assert.Equal(t, DeniedThrottle, g.RequestRestart(models.NewULID(), CauseHealthStale))
}

func TestGovernor_BreakerOpenDenies(t *testing.T) {
	g, breakers, _ := newTestGovernor(t)
	ch := models.NewULID()

	br := breakers.Get(ch.String())
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, br.State())

	assert.Equal(t, DeniedBreakerOpen, g.RequestRestart(ch, CauseSourceFailed))
}

func TestGovernor_ThrottleCheckedBeforeCooldownAndBreaker(t *testing.T) {
	g, breakers, _ := newTestGovernor(t)
	ch := models.NewULID()

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))
	for i := 0; i < 9; i++ {
		require.Equal(t, Allowed, g.RequestRestart(models.NewULID(), CauseSourceFailed))
	}

	// ch is in cooldown and its breaker is open, but the spent global
	// budget answers first.
	br := breakers.Get(ch.String())
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	assert.Equal(t, DeniedThrottle, g.RequestRestart(ch, CauseSourceFailed))
}

func TestGovernor_CooldownCheckedBeforeBreaker(t *testing.T) {
	g, breakers, fc := newTestGovernor(t)
	ch := models.NewULID()

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))

	br := breakers.Get(ch.String())
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}

	fc.Advance(10 * time.Second)
	assert.Equal(t, DeniedCooldown, g.RequestRestart(ch, CauseSourceFailed))
}

func TestGovernor_AllowedClaimsBreakerProbe(t *testing.T) {
	g, breakers, fc := newTestGovernor(t)
	ch := models.NewULID()

	br := breakers.Get(ch.String())
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}
	fc.Advance(120 * time.Second)

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))
	assert.Equal(t, breaker.StateHalfOpen, br.State())
	assert.False(t, br.Allow(), "governor claimed the single probe slot")
}

func TestGovernor_Forget(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ch := models.NewULID()

	require.Equal(t, Allowed, g.RequestRestart(ch, CauseOperatorRequest))
	g.Forget(ch)

	assert.Equal(t, Allowed, g.RequestRestart(ch, CauseOperatorRequest),
		"forgotten channels carry no cooldown")
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "Allowed", Allowed.String())
	assert.Equal(t, "DeniedThrottle", DeniedThrottle.String())
	assert.Equal(t, "DeniedCooldown", DeniedCooldown.String())
	assert.Equal(t, "DeniedBreakerOpen", DeniedBreakerOpen.String())
	assert.False(t, DeniedThrottle.Granted())
}

func TestGovernor_DecisionMetricLabels(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	bcfg := breaker.DefaultConfig()
	bcfg.Clock = fc
	breakers := breaker.NewRegistry(bcfg, nil)

	gcfg := DefaultConfig()
	gcfg.Clock = fc
	metrics := observability.NewMetrics()
	g := New(gcfg, breakers, newTestLogger(), metrics)

	ch := models.NewULID()
	require.Equal(t, Allowed, g.RequestRestart(ch, CauseSourceFailed))
	fc.Advance(10 * time.Second)
	require.Equal(t, DeniedCooldown, g.RequestRestart(ch, CauseSourceFailed))

	// Monitoring queries select on the decision names, so the label values
	// must carry the decision casing exactly.
	allowed := metrics.RestartRequests.WithLabelValues("Allowed")
	assert.Equal(t, float64(1), testutil.ToFloat64(allowed))
	denied := metrics.RestartRequests.WithLabelValues("DeniedCooldown")
	assert.Equal(t, float64(1), testutil.ToFloat64(denied))
}
