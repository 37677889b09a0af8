package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric namespace. Every instrument below is prefixed with it.
const metricNamespace = "exstreamtv"

// Metrics owns the Prometheus registry and every instrument the streaming
// core emits. One instance is constructed at startup and passed to each
// component; tests construct their own so there is no global registry state.
type Metrics struct {
	registry *prometheus.Registry

	PoolLive        prometheus.Gauge
	PoolUtilization prometheus.Gauge
	PoolContainment prometheus.Gauge
	PoolSpawnsTotal prometheus.Counter
	PoolReapedTotal prometheus.Counter
	PoolSpawnDenied *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	RestartRequests *prometheus.CounterVec
	RestartCauses   *prometheus.CounterVec

	ChannelBytesOut *prometheus.CounterVec
	ChannelStatus   *prometheus.GaugeVec

	SessionOpen    prometheus.Gauge
	SessionsClosed *prometheus.CounterVec

	ThrottlerWait prometheus.Summary

	EPGGeneration       prometheus.Histogram
	EPGValidationErrors prometheus.Counter
}

// NewMetrics constructs the full instrument set on a fresh registry,
// including the standard Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}

	m.PoolLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "pool_live",
		Help:      "Live transcoder processes owned by the process pool.",
	})
	m.PoolUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "pool_utilization",
		Help:      "Live process count divided by effective pool capacity.",
	})
	m.PoolContainment = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "pool_containment",
		Help:      "1 while pool utilization exceeds the pressure threshold.",
	})
	m.PoolSpawnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "pool_spawns_total",
		Help:      "Successful transcoder process spawns.",
	})
	m.PoolReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "pool_reaped_total",
		Help:      "Leases released by the zombie reaper.",
	})
	m.PoolSpawnDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "pool_spawn_denied_total",
		Help:      "Acquire denials by reason.",
	}, []string{"reason"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per channel (0 closed, 1 open, 2 half-open).",
	}, []string{"channel"})

	m.RestartRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "restart_requests_total",
		Help:      "Restart requests by governor decision.",
	}, []string{"decision"})
	m.RestartCauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "restart_causes_total",
		Help:      "Restart requests by cause.",
	}, []string{"cause"})

	m.ChannelBytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "channel_bytes_out_total",
		Help:      "Bytes delivered to subscribers per channel.",
	}, []string{"channel"})
	m.ChannelStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "channel_status",
		Help:      "Runtime status per channel (0 stopped, 1 starting, 2 running, 3 restarting, 4 failed).",
	}, []string{"channel"})

	m.SessionOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "session_open",
		Help:      "Currently open client sessions.",
	})
	m.SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "sessions_closed_total",
		Help:      "Closed sessions by reason.",
	}, []string{"reason"})

	m.ThrottlerWait = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: metricNamespace,
		Name:      "throttler_wait_seconds",
		Help:      "Time spent waiting for throttler credit.",
	})

	m.EPGGeneration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricNamespace,
		Name:      "epg_generation_seconds",
		Help:      "Wall time of XMLTV guide generation.",
		Buckets:   prometheus.DefBuckets,
	})
	m.EPGValidationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "epg_validation_errors_total",
		Help:      "Programmes suppressed from the guide by validation.",
	})

	reg.MustRegister(
		m.PoolLive, m.PoolUtilization, m.PoolContainment,
		m.PoolSpawnsTotal, m.PoolReapedTotal, m.PoolSpawnDenied,
		m.BreakerState,
		m.RestartRequests, m.RestartCauses,
		m.ChannelBytesOut, m.ChannelStatus,
		m.SessionOpen, m.SessionsClosed,
		m.ThrottlerWait,
		m.EPGGeneration, m.EPGValidationErrors,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBreakerState records a breaker state change for a channel.
func (m *Metrics) ObserveBreakerState(channelNumber int, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(strconv.Itoa(channelNumber)).Set(float64(state))
}

// ObserveRestartDecision records the outcome of a governor request.
func (m *Metrics) ObserveRestartDecision(decision, cause string) {
	if m == nil {
		return
	}
	m.RestartRequests.WithLabelValues(decision).Inc()
	m.RestartCauses.WithLabelValues(cause).Inc()
}

// AddChannelBytes accumulates delivered bytes for a channel.
func (m *Metrics) AddChannelBytes(channelNumber int, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChannelBytesOut.WithLabelValues(strconv.Itoa(channelNumber)).Add(float64(n))
}

// IncSessionOpen counts a newly opened client session.
func (m *Metrics) IncSessionOpen() {
	if m == nil {
		return
	}
	m.SessionOpen.Inc()
}

// ObserveSessionClosed records a session ending with its close reason.
func (m *Metrics) ObserveSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionOpen.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// ObserveThrottlerWait accumulates time spent blocked on throttler credit.
func (m *Metrics) ObserveThrottlerWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.ThrottlerWait.Observe(d.Seconds())
}

// ObserveEPGGeneration records how long one guide render took.
func (m *Metrics) ObserveEPGGeneration(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.EPGGeneration.Observe(d.Seconds())
}

// IncEPGValidationError counts a guide entry suppressed by validation.
func (m *Metrics) IncEPGValidationError() {
	if m == nil {
		return
	}
	m.EPGValidationErrors.Inc()
}
