// Package pool is the sole spawner and reaper of external transcoder
// processes. Every ffmpeg invocation in the system goes through Acquire,
// which enforces the global capacity, the spawn rate, and the host resource
// guards, and hands back a Lease the owner must Release. A background reaper
// collects processes that exited unnoticed and revokes leases that have been
// running past the long-run limit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
)

// Capacity estimation inputs used when host samples are available.
const (
	defaultProcessRSS      = 256 << 20
	estimatedFdsPerProcess = 8
)

// Config holds process pool tuning.
type Config struct {
	// MaxProcesses is the configured ceiling on live processes.
	MaxProcesses int

	// SpawnsPerSecond refills the spawn token bucket.
	SpawnsPerSecond float64

	// SpawnBurst is the bucket size. Defaults to SpawnsPerSecond rounded up.
	SpawnBurst int

	// MemoryGuardThreshold denies spawns when the system memory used ratio
	// is at or above it.
	MemoryGuardThreshold float64

	// FdGuardReserve denies spawns when fewer descriptors than this remain.
	FdGuardReserve int

	// PressureThreshold flips the containment bit when utilization exceeds it.
	PressureThreshold float64

	// ReaperInterval is how often the reaper scans leases.
	ReaperInterval time.Duration

	// LongRun is the maximum process lifetime before revocation.
	LongRun time.Duration

	// LongRunGrace is how long a revoked owner gets before force-kill.
	LongRunGrace time.Duration

	// KillGrace is the wait after the first SIGTERM.
	KillGrace time.Duration

	// KillGraceFinal is the wait after the second SIGTERM, before SIGKILL.
	KillGraceFinal time.Duration

	// SampleMaxAge bounds how stale a cached host resource sample may get.
	SampleMaxAge time.Duration

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard pool tuning.
func DefaultConfig() Config {
	return Config{
		MaxProcesses:         150,
		SpawnsPerSecond:      5,
		SpawnBurst:           5,
		MemoryGuardThreshold: 0.85,
		FdGuardReserve:       100,
		PressureThreshold:    0.80,
		ReaperInterval:       30 * time.Second,
		LongRun:              24 * time.Hour,
		LongRunGrace:         10 * time.Second,
		KillGrace:            5 * time.Second,
		KillGraceFinal:       2 * time.Second,
		SampleMaxAge:         2 * time.Second,
	}
}

// AcquireRequest describes the process a caller wants spawned.
type AcquireRequest struct {
	ChannelID     models.ULID
	ChannelNumber int

	// Argv is the full command line; Argv[0] is the binary.
	Argv []string

	// Env entries are appended to the inherited environment.
	Env []string

	// CloseStdin gives the child a stdin pipe that Release closes first,
	// letting ffmpeg treat the EOF as a quit request before signals fly.
	CloseStdin bool
}

// LeaseInfo is a point-in-time view of one live lease.
type LeaseInfo struct {
	PID           int       `json:"pid"`
	ChannelID     string    `json:"channel_id"`
	ChannelNumber int       `json:"channel_number"`
	AcquiredAt    time.Time `json:"acquired_at"`
	Uptime        float64   `json:"uptime_seconds"`
	RSSBytes      int64     `json:"rss_bytes"`
	Revoked       bool      `json:"revoked,omitempty"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live            int               `json:"live"`
	Capacity        int               `json:"capacity"`
	ConfigMax       int               `json:"config_max"`
	Utilization     float64           `json:"utilization"`
	Containment     bool              `json:"containment"`
	Spawns          uint64            `json:"spawns_total"`
	Reaped          uint64            `json:"reaped_total"`
	Denials         map[string]uint64 `json:"denials"`
	MemoryUsedRatio float64           `json:"memory_used_ratio"`
	FdAvailable     int               `json:"fd_available"`
	Leases          []LeaseInfo       `json:"leases"`
}

// Pool owns every external transcoder process. Safe for concurrent use.
type Pool struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter
	sampler *resourceSampler
	start   startFunc

	mu        sync.Mutex
	leases    map[uint64]*Lease
	nextID    uint64
	reserving int
	denials   map[AcquireReason]uint64
	spawns    uint64
	reaped    uint64
	contained bool
	closed    bool

	wg sync.WaitGroup
}

// New creates an empty pool. Call Run to start the reaper.
func New(cfg Config, log *slog.Logger, metrics *observability.Metrics) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = int(cfg.SpawnsPerSecond)
		if cfg.SpawnBurst < 1 {
			cfg.SpawnBurst = 1
		}
	}
	if cfg.SampleMaxAge <= 0 {
		cfg.SampleMaxAge = 2 * time.Second
	}

	return &Pool{
		cfg:     cfg,
		log:     log.With(slog.String("component", "pool")),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.SpawnsPerSecond), cfg.SpawnBurst),
		sampler: newResourceSampler(cfg.Clock, cfg.SampleMaxAge),
		start:   execStart,
		leases:  make(map[uint64]*Lease),
		denials: make(map[AcquireReason]uint64),
	}
}

// Acquire spawns a process for the channel or returns an AcquireError. It
// never waits: every guard uses cached samples and the rate check is a
// non-blocking token take.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	if len(req.Argv) == 0 {
		return nil, p.deny(req, &AcquireError{Reason: ReasonSpawnFailed, Err: errors.New("empty argv")})
	}

	now := p.cfg.Clock.Now()
	sample, sampled := p.sampler.current(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.deny(req, &AcquireError{Reason: ReasonPoolFull, Err: errors.New("pool is shut down")})
	}

	live := len(p.leases) + p.reserving
	capacity := p.capacityLocked(sample, sampled, live)

	var denied *AcquireError
	switch {
	case sampled && sample.memUsedRatio >= p.cfg.MemoryGuardThreshold:
		denied = &AcquireError{Reason: ReasonMemoryGuard,
			Err: fmt.Errorf("memory used ratio %.2f at threshold %.2f", sample.memUsedRatio, p.cfg.MemoryGuardThreshold)}
	case sampled && sample.fdAvailable < p.cfg.FdGuardReserve:
		denied = &AcquireError{Reason: ReasonFdGuard,
			Err: fmt.Errorf("%d descriptors available, reserve is %d", sample.fdAvailable, p.cfg.FdGuardReserve)}
	case live >= capacity:
		denied = &AcquireError{Reason: ReasonPoolFull,
			Err: fmt.Errorf("%d live processes at capacity %d", live, capacity)}
	case !p.limiter.AllowN(now, 1):
		denied = &AcquireError{Reason: ReasonRateLimited,
			Err: errors.New("spawn token bucket empty")}
	}
	if denied != nil {
		p.mu.Unlock()
		return nil, p.deny(req, denied)
	}

	// Hold a reservation across the fork so concurrent acquires count it.
	p.reserving++
	p.mu.Unlock()

	proc, err := p.start(req)

	p.mu.Lock()
	p.reserving--
	if err != nil {
		p.mu.Unlock()
		return nil, p.deny(req, &AcquireError{Reason: ReasonSpawnFailed, Err: err})
	}
	if p.closed {
		// Shutdown began while we were forking. Kill the orphan instead of
		// registering a lease nobody will release.
		p.mu.Unlock()
		_ = proc.signal(syscall.SIGKILL)
		go func() { _, _ = proc.wait() }()
		return nil, p.deny(req, &AcquireError{Reason: ReasonPoolFull, Err: errors.New("pool is shut down")})
	}

	p.nextID++
	lease := &Lease{
		id:            p.nextID,
		pool:          p,
		channelID:     req.ChannelID,
		channelNumber: req.ChannelNumber,
		acquiredAt:    now,
		proc:          proc,
		done:          make(chan struct{}),
		revoked:       make(chan RevokeReason, 1),
	}
	p.leases[lease.id] = lease
	p.spawns++
	liveNow := len(p.leases)
	capacity = p.capacityLocked(sample, sampled, liveNow)
	p.mu.Unlock()

	p.wg.Add(1)
	go lease.watch(&p.wg)

	if p.metrics != nil {
		p.metrics.PoolSpawnsTotal.Inc()
	}
	p.publishGauges(liveNow, capacity)
	p.log.Info("transcoder spawned",
		slog.Int("pid", proc.pid),
		slog.Int("channel_number", req.ChannelNumber),
		slog.Int("live", liveNow),
		slog.Int("capacity", capacity))
	return lease, nil
}

// Run drives the reaper until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.reap(ctx)
		}
	}
}

// Shutdown releases every remaining lease and waits for the process
// watchers, bounded by ctx. The pool refuses new acquires afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	leases := p.leasesLocked()
	p.mu.Unlock()

	for _, l := range leases {
		p.wg.Add(1)
		go func(l *Lease) {
			defer p.wg.Done()
			_ = l.Release(ctx)
		}(l)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

// Contained reports whether utilization is above the pressure threshold.
func (p *Pool) Contained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contained
}

// Live returns the live process count.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Stats snapshots the pool without refreshing host samples.
func (p *Pool) Stats() Stats {
	sample, sampled := p.sampler.last()
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	live := len(p.leases)
	capacity := p.capacityLocked(sample, sampled, live)
	s := Stats{
		Live:        live,
		Capacity:    capacity,
		ConfigMax:   p.cfg.MaxProcesses,
		Utilization: utilization(live, capacity),
		Containment: p.contained,
		Spawns:      p.spawns,
		Reaped:      p.reaped,
		Denials:     make(map[string]uint64, len(p.denials)),
	}
	if sampled {
		s.MemoryUsedRatio = sample.memUsedRatio
		s.FdAvailable = sample.fdAvailable
	}
	for reason, n := range p.denials {
		s.Denials[string(reason)] = n
	}
	for _, l := range p.leases {
		reason, _ := l.revokeState()
		s.Leases = append(s.Leases, LeaseInfo{
			PID:           l.proc.pid,
			ChannelID:     l.channelID.String(),
			ChannelNumber: l.channelNumber,
			AcquiredAt:    l.acquiredAt,
			Uptime:        now.Sub(l.acquiredAt).Seconds(),
			RSSBytes:      l.rss.Load(),
			Revoked:       reason != "",
		})
	}
	sort.Slice(s.Leases, func(i, j int) bool {
		if s.Leases[i].ChannelNumber != s.Leases[j].ChannelNumber {
			return s.Leases[i].ChannelNumber < s.Leases[j].ChannelNumber
		}
		return s.Leases[i].PID < s.Leases[j].PID
	})
	return s
}

// reap runs one reaper pass: synthesize releases for processes that exited
// unnoticed, refresh RSS samples, and enforce the long-run limit.
func (p *Pool) reap(ctx context.Context) {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	leases := p.leasesLocked()
	p.mu.Unlock()

	for _, l := range leases {
		select {
		case <-l.done:
			code, _ := l.ExitState()
			p.mu.Lock()
			p.reaped++
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.PoolReapedTotal.Inc()
			}
			p.log.Warn("reaping exited transcoder",
				slog.Int("pid", l.proc.pid),
				slog.Int("channel_number", l.channelNumber),
				slog.Int("exit_code", code))
			_ = l.Release(ctx)
			continue
		default:
		}

		l.sampleRSS(ctx)

		if age := now.Sub(l.acquiredAt); age > p.cfg.LongRun {
			if l.markRevoked(RevokeLongRun, now.Add(p.cfg.LongRunGrace)) {
				p.log.Warn("revoking long-running transcoder lease",
					slog.Int("pid", l.proc.pid),
					slog.Int("channel_number", l.channelNumber),
					slog.Duration("age", age))
				continue
			}
			if _, deadline := l.revokeState(); now.After(deadline) {
				p.log.Warn("long-run grace expired, force releasing",
					slog.Int("pid", l.proc.pid),
					slog.Int("channel_number", l.channelNumber))
				p.wg.Add(1)
				go func(l *Lease) {
					defer p.wg.Done()
					_ = l.Release(context.WithoutCancel(ctx))
				}(l)
			}
		}
	}
}

// remove drops a lease from the accounting after its release completed.
// Closing the output streams here unblocks any reader still attached to a
// reaped process.
func (p *Pool) remove(l *Lease) {
	_ = l.proc.stdout.Close()
	_ = l.proc.stderr.Close()

	sample, sampled := p.sampler.last()

	p.mu.Lock()
	delete(p.leases, l.id)
	live := len(p.leases)
	capacity := p.capacityLocked(sample, sampled, live)
	p.mu.Unlock()

	code, _ := l.ExitState()
	p.publishGauges(live, capacity)
	p.log.Info("transcoder released",
		slog.Int("pid", l.proc.pid),
		slog.Int("channel_number", l.channelNumber),
		slog.Int("exit_code", code),
		slog.Int("live", live))
}

func (p *Pool) leasesLocked() []*Lease {
	out := make([]*Lease, 0, len(p.leases))
	for _, l := range p.leases {
		out = append(out, l)
	}
	return out
}

// capacityLocked derives the effective capacity from the configured maximum
// and the host headroom estimates.
func (p *Pool) capacityLocked(sample resourceSample, sampled bool, live int) int {
	capacity := p.cfg.MaxProcesses
	if !sampled {
		return capacity
	}

	perProc := p.avgRSSLocked()
	if perProc <= 0 {
		perProc = defaultProcessRSS
	}
	if sample.memTotal > 0 {
		headroom := (p.cfg.MemoryGuardThreshold - sample.memUsedRatio) * float64(sample.memTotal)
		if headroom < 0 {
			headroom = 0
		}
		if est := live + int(headroom/float64(perProc)); est < capacity {
			capacity = est
		}
	}

	fdHeadroom := sample.fdAvailable - p.cfg.FdGuardReserve
	if fdHeadroom < 0 {
		fdHeadroom = 0
	}
	if est := live + fdHeadroom/estimatedFdsPerProcess; est < capacity {
		capacity = est
	}
	return capacity
}

func (p *Pool) avgRSSLocked() int64 {
	var sum int64
	var n int64
	for _, l := range p.leases {
		if rss := l.rss.Load(); rss > 0 {
			sum += rss
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// publishGauges updates the utilization metrics and the containment bit.
func (p *Pool) publishGauges(live, capacity int) {
	util := utilization(live, capacity)
	over := util > p.cfg.PressureThreshold

	p.mu.Lock()
	flipped := over != p.contained
	p.contained = over
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolLive.Set(float64(live))
		p.metrics.PoolUtilization.Set(util)
		if over {
			p.metrics.PoolContainment.Set(1)
		} else {
			p.metrics.PoolContainment.Set(0)
		}
	}
	if flipped {
		if over {
			p.log.Warn("pool entering containment",
				slog.Int("live", live),
				slog.Int("capacity", capacity))
		} else {
			p.log.Info("pool leaving containment",
				slog.Int("live", live),
				slog.Int("capacity", capacity))
		}
	}
}

func (p *Pool) deny(req AcquireRequest, ae *AcquireError) error {
	p.mu.Lock()
	p.denials[ae.Reason]++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolSpawnDenied.WithLabelValues(string(ae.Reason)).Inc()
	}
	p.log.Warn("transcoder spawn denied",
		slog.Int("channel_number", req.ChannelNumber),
		slog.String("reason", string(ae.Reason)),
		slog.String("error", ae.Err.Error()))
	return ae
}

func utilization(live, capacity int) float64 {
	if capacity <= 0 {
		if live > 0 {
			return 1
		}
		return 0
	}
	return float64(live) / float64(capacity)
}
