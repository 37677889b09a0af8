// Package throttle paces a channel's byte stream to its configured bitrate.
// The wrapper sits between the active source and the fan-out hub: each read
// acquires token bucket credit for the bytes it returns and suspends until
// that credit is available. Emission stays aligned to whole transport
// stream packets except for the final tail of a drained source.
package throttle

import (
	"context"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

// Mode selects how delivery is paced.
type Mode string

const (
	// ModeRealtime emits at exactly the target bitrate, smoothed over the
	// configured window.
	ModeRealtime Mode = "realtime"

	// ModeBurst allows up to twice the target rate until the headroom
	// credit is spent, then settles to realtime. The credit bank refills
	// whenever delivery runs below target.
	ModeBurst Mode = "burst"

	// ModeAdaptive is burst pacing that reacts to backpressure: credit
	// banked while the consumer was stalled is dropped, so a slow client
	// resumes with at most one window of catch-up instead of a full-bank
	// blast.
	ModeAdaptive Mode = "adaptive"

	// ModeDisabled passes bytes through untouched.
	ModeDisabled Mode = "disabled"
)

// ParseMode maps a configuration string to a Mode, defaulting to realtime.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBurst, ModeAdaptive, ModeDisabled:
		return m, true
	case ModeRealtime, "":
		return ModeRealtime, true
	default:
		return ModeRealtime, false
	}
}

// Defaults applied by Wrap when the corresponding Config field is zero.
const (
	DefaultSmoothingWindow = 200 * time.Millisecond
	DefaultBurstHeadroom   = 10 * time.Second
)

// Config describes one channel's delivery rate limit. Metrics may be nil.
type Config struct {
	Mode             Mode
	TargetBitrateBps int64
	BurstHeadroom    time.Duration
	SmoothingWindow  time.Duration
	Metrics          *observability.Metrics
}

// Wrap returns r paced according to cfg. Disabled mode, and any config
// without a positive target bitrate, returns r unchanged.
func Wrap(r io.Reader, cfg Config, clk clock.Clock) io.Reader {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeRealtime
	}
	if mode == ModeDisabled || cfg.TargetBitrateBps <= 0 {
		return r
	}
	if clk == nil {
		clk = clock.System()
	}
	window := cfg.SmoothingWindow
	if window <= 0 {
		window = DefaultSmoothingWindow
	}
	headroom := cfg.BurstHeadroom
	if headroom <= 0 {
		headroom = DefaultBurstHeadroom
	}

	perSec := float64(cfg.TargetBitrateBps) / 8
	windowBytes := int(perSec * window.Seconds())
	if windowBytes < mpegts.PacketSize {
		windowBytes = mpegts.PacketSize
	}

	t := &reader{
		src:         r,
		clk:         clk,
		sleep:       clk.Sleep,
		metrics:     cfg.Metrics,
		slack:       window,
		windowBytes: windowBytes,
	}
	switch mode {
	case ModeBurst, ModeAdaptive:
		bank := windowBytes + int(perSec*headroom.Seconds())
		t.pace = rate.NewLimiter(rate.Limit(perSec), bank)
		t.ceiling = rate.NewLimiter(rate.Limit(2*perSec), 2*windowBytes)
		t.adaptive = mode == ModeAdaptive
		t.grant = grantCap(bank, 2*windowBytes)
	default:
		t.pace = rate.NewLimiter(rate.Limit(perSec), windowBytes)
		t.grant = grantCap(windowBytes)
	}
	return t
}

// grantCap aligns the largest single-read grant down to whole packets while
// keeping it within every bucket's burst, so one reservation always covers
// a full read.
func grantCap(bursts ...int) int {
	g := bursts[0]
	for _, b := range bursts[1:] {
		if b < g {
			g = b
		}
	}
	if aligned := mpegts.AlignDown(g); aligned > 0 {
		return aligned
	}
	return mpegts.PacketSize
}

// reader paces reads from src. pace enforces the long-run average rate and
// holds the credit bank; ceiling, when present, caps the instantaneous
// rate at twice the target. The only buffering is the sub-packet carry
// fragment, so a suspended consumer suspends the source with it.
type reader struct {
	src     io.Reader
	clk     clock.Clock
	sleep   func(context.Context, time.Duration) error
	metrics *observability.Metrics

	pace        *rate.Limiter
	ceiling     *rate.Limiter
	adaptive    bool
	slack       time.Duration
	windowBytes int
	grant       int

	ready    time.Time
	carry    [mpegts.PacketSize - 1]byte
	carryLen int
	err      error
}

func (t *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if t.err != nil && t.carryLen == 0 {
		return 0, t.err
	}

	limit := len(p)
	if limit > t.grant {
		limit = t.grant
	}
	n := t.fill(p[:limit])

	// Hold back the trailing partial packet while the source is live. Once
	// the source is drained the short tail passes through as-is.
	if t.err == nil && limit >= mpegts.PacketSize {
		if keep := mpegts.AlignDown(n); keep < n {
			t.carryLen = copy(t.carry[:], p[keep:n])
			n = keep
		}
	}

	if n == 0 {
		if t.err != nil {
			return 0, t.err
		}
		return 0, nil
	}
	t.pause(n)
	return n, nil
}

// fill copies the carry fragment into p and tops up from the source until
// at least one whole packet is on hand or the source errors out.
func (t *reader) fill(p []byte) int {
	n := t.takeCarry(p)
	want := mpegts.PacketSize
	if len(p) < want {
		want = len(p)
	}
	for t.err == nil && n < want {
		m, err := t.src.Read(p[n:])
		n += m
		if err != nil {
			t.err = err
			break
		}
		if m == 0 {
			break
		}
	}
	return n
}

func (t *reader) takeCarry(p []byte) int {
	if t.carryLen == 0 {
		return 0
	}
	n := copy(p, t.carry[:t.carryLen])
	if n < t.carryLen {
		copy(t.carry[:], t.carry[n:t.carryLen])
	}
	t.carryLen -= n
	return n
}

// pause charges n bytes against the buckets and suspends until the credit
// is earned. Time spent waiting feeds the throttler wait metric.
func (t *reader) pause(n int) {
	now := t.clk.Now()
	if t.adaptive {
		t.expireCredit(now)
	}
	delay := t.pace.ReserveN(now, n).DelayFrom(now)
	if t.ceiling != nil {
		if d := t.ceiling.ReserveN(now, n).DelayFrom(now); d > delay {
			delay = d
		}
	}
	t.ready = now.Add(delay)
	if delay <= 0 {
		return
	}
	t.metrics.ObserveThrottlerWait(delay)
	_ = t.sleep(context.Background(), delay)
}

// expireCredit drops credit banked while the consumer was stalled. A read
// arriving later than its schedule by more than the smoothing window means
// downstream is the bottleneck, and the idle time must not convert into a
// burst the moment it resumes. Tokens above one window are burned.
func (t *reader) expireCredit(now time.Time) {
	if t.ready.IsZero() || now.Sub(t.ready) <= t.slack {
		return
	}
	excess := int(t.pace.TokensAt(now)) - t.windowBytes
	if excess > 0 {
		t.pace.AllowN(now, excess)
	}
}
