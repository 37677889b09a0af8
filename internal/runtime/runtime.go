// Package runtime owns one task per enabled channel: it decides what the
// channel is playing, drives the transcoder process through the pool, fans
// bytes out to subscribers, and keeps the byte stream flowing through
// failures by swapping in the error screen. Every restart decision goes
// through the restart governor; planned item transitions do not.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/errorscreen"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/governor"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/playout"
	"github.com/exstreamtv/exstreamtv/internal/pool"
	"github.com/exstreamtv/exstreamtv/internal/resolver"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/throttle"
)

// Status is the channel runtime lifecycle state.
type Status int

const (
	// StatusStopped means the runtime is not running.
	StatusStopped Status = iota
	// StatusStarting means the runtime is resolving its first source.
	StatusStarting
	// StatusRunning means real content is streaming.
	StatusRunning
	// StatusRestarting means the runtime is between sources after a
	// failure; subscribers see the error screen.
	StatusRestarting
	// StatusFailed means restarts are being refused by the breaker; the
	// error screen plays until the breaker cools down.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusRestarting:
		return "restarting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// naturalEndTolerance is how close to the item's expected end a process
// exit still counts as a normal finish rather than a failure.
const naturalEndTolerance = 2 * time.Second

// readChunk is the source read size. Multiple TS packets per read keeps
// syscall overhead down without adding meaningful latency.
const readChunk = 32 * 1024

// Config tunes one channel runtime.
type Config struct {
	Hub HubConfig

	// HealthStale fails the source when no bytes arrive for this long.
	HealthStale time.Duration

	// AnchorFlush is the progress checkpoint cadence.
	AnchorFlush time.Duration

	// BoundaryWait is how long a long-run revoke waits for a natural item
	// boundary before forcing a restart through the governor.
	BoundaryWait time.Duration

	// BackoffBase and BackoffCap bound the retry schedule after a denied
	// restart.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ProbeBytes is how much of a fresh process source is inspected for
	// transport stream tables before the stream is trusted.
	ProbeBytes int

	// UnusableCooldown is how long media is marked unusable after a
	// permanent-for-source failure.
	UnusableCooldown time.Duration

	// AlwaysOn keeps the source running with no subscribers attached.
	// When false the runtime parks between viewers: no process runs
	// while nobody is watching.
	AlwaysOn bool

	// IdleGrace is how long a non-always-on source keeps running after
	// its last subscriber detaches.
	IdleGrace time.Duration

	Throttle    throttle.Config
	Profile     ffmpeg.Profile
	ErrorScreen errorscreen.Config
}

// DefaultConfig returns the standard runtime tuning.
func DefaultConfig() Config {
	return Config{
		HealthStale:      180 * time.Second,
		AnchorFlush:      30 * time.Second,
		BoundaryWait:     30 * time.Second,
		BackoffBase:      5 * time.Second,
		BackoffCap:       60 * time.Second,
		ProbeBytes:       64 * 1024,
		UnusableCooldown: time.Hour,
		IdleGrace:        60 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.HealthStale <= 0 {
		c.HealthStale = d.HealthStale
	}
	if c.AnchorFlush <= 0 {
		c.AnchorFlush = d.AnchorFlush
	}
	if c.BoundaryWait <= 0 {
		c.BoundaryWait = d.BoundaryWait
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = d.BackoffCap
	}
	if c.ProbeBytes <= 0 {
		c.ProbeBytes = d.ProbeBytes
	}
	if c.UnusableCooldown <= 0 {
		c.UnusableCooldown = d.UnusableCooldown
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = d.IdleGrace
	}
}

// Resolver turns media refs into playable sources. *resolver.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, ref resolver.MediaRef) (*resolver.ResolvedSource, error)
	Refresh(ctx context.Context, ref resolver.MediaRef) (*resolver.ResolvedSource, error)
}

// RestartGate is the restart decision point. *governor.Governor satisfies
// it; nothing else may approve a restart.
type RestartGate interface {
	RequestRestart(channelID models.ULID, cause governor.Cause) governor.Decision
}

// MediaMarker records media as unusable after permanent source failures.
// The media repository satisfies it.
type MediaMarker interface {
	MarkUnusable(ctx context.Context, id models.ULID, until time.Time) error
}

// Deps are the collaborators one runtime is constructed over.
type Deps struct {
	Channel  *models.Channel
	Program  Program
	Resolver Resolver
	Spawner  Spawner
	Gate     RestartGate
	Breaker  *breaker.Breaker
	Sessions *session.Manager
	Media    MediaMarker
	Clock    clock.Clock
	Log      *slog.Logger
	Metrics  *observability.Metrics
}

// Runtime is one channel's streaming task. Construct with New, drive with
// Run, read with Subscribe.
type Runtime struct {
	cfg      Config
	channel  *models.Channel
	program  Program
	resolver Resolver
	spawner  Spawner
	gate     RestartGate
	brk      *breaker.Breaker
	sessions *session.Manager
	media    MediaMarker
	clk      clock.Clock
	log      *slog.Logger
	metrics  *observability.Metrics

	hub *Hub

	status    atomic.Int32
	lastBytes atomic.Int64 // unix nanos of the last byte read

	stopOnce sync.Once
	stopCh   chan struct{}
	stopMsg  atomic.Value // string

	mu      sync.Mutex
	onAir   OnAir
	srcKind SourceKind
	lastErr error
}

// New constructs a channel runtime. Run must be called for bytes to flow.
func New(cfg Config, deps Deps) *Runtime {
	cfg.normalize()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	log := observability.WithChannel(
		observability.WithComponent(deps.Log, "runtime"), deps.Channel.Number)
	r := &Runtime{
		cfg:      cfg,
		channel:  deps.Channel,
		program:  deps.Program,
		resolver: deps.Resolver,
		spawner:  deps.Spawner,
		gate:     deps.Gate,
		brk:      deps.Breaker,
		sessions: deps.Sessions,
		media:    deps.Media,
		clk:      deps.Clock,
		log:      log,
		metrics:  deps.Metrics,
		hub:      NewHub(cfg.Hub, deps.Channel.Number, log, deps.Metrics),
		stopCh:   make(chan struct{}),
	}
	r.setStatus(StatusStopped)
	return r
}

// Channel returns the channel record this runtime serves.
func (r *Runtime) Channel() *models.Channel { return r.channel }

// Status returns the current lifecycle state.
func (r *Runtime) Status() Status { return Status(r.status.Load()) }

// OnAirNow returns the current playout entry and active source kind.
func (r *Runtime) OnAirNow() (OnAir, SourceKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onAir, r.srcKind
}

// LastError returns the most recent source failure, nil when healthy.
func (r *Runtime) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Programmes projects the channel's guide entries.
func (r *Runtime) Programmes(ctx context.Context, from time.Time, window time.Duration) ([]playout.Programme, error) {
	return r.program.Programmes(ctx, from, window)
}

// Checkpoint persists playout progress. The anchor-flush job calls this as
// a backstop for the runtime's own cadence.
func (r *Runtime) Checkpoint(ctx context.Context) error {
	return r.program.Checkpoint(ctx, r.clk.Now())
}

// Subscribe attaches a client byte stream. It succeeds at any point of the
// runtime's life, including mid-restart, in which case the first bytes the
// subscriber sees come from the error screen.
func (r *Runtime) Subscribe() (*Subscriber, error) {
	return r.hub.Subscribe()
}

// Subscribers returns the attached subscriber count.
func (r *Runtime) Subscribers() int { return r.hub.Count() }

// RequestStop asks the runtime to shut down. Idempotent; Run returns soon
// after.
func (r *Runtime) RequestStop(reason string) {
	r.stopOnce.Do(func() {
		r.stopMsg.Store(reason)
		close(r.stopCh)
	})
}

// Run is the channel's event loop. It returns when the context is
// cancelled or RequestStop is called, after closing sessions and releasing
// the active lease. The error screen covers every gap in between: user
// visible failure is a slate, never a dead connection.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer r.teardown()
	r.setStatus(StatusStarting)
	r.log.Info("channel starting", slog.String("name", r.channel.Name))

	on, err := r.program.Start(ctx, r.clk.Now())
	if err != nil {
		r.log.Warn("no playable lineup at start", slog.String("error", err.Error()))
		on = r.coverAndRetryStart(ctx)
	}
	r.setOnAir(on)

	for ctx.Err() == nil {
		if !r.cfg.AlwaysOn && r.hub.Count() == 0 {
			if !r.parkUntilViewer(ctx) {
				return nil
			}
			on = r.reanchor(ctx)
			r.setOnAir(on)
		}

		var out outcome
		if on.DeadAir {
			out = r.playErrorScreen(ctx, "off air", on.Boundary)
			if out.kind == outcomeCanceled {
				return nil
			}
			on = r.advance(ctx)
			continue
		}

		out = r.playItem(ctx, on)
		switch out.kind {
		case outcomeCanceled:
			return nil

		case outcomeNatural, outcomeBoundary:
			on = r.advance(ctx)

		case outcomeSkipItem:
			r.noteError(out.err)
			if CauseOf(out.err) == CausePermanentForSource && !on.Item.MediaItemID.IsZero() && r.media != nil {
				until := r.clk.Now().Add(r.cfg.UnusableCooldown)
				if merr := r.media.MarkUnusable(ctx, on.Item.MediaItemID, until); merr != nil {
					r.log.Warn("marking media unusable failed", slog.String("error", merr.Error()))
				}
			}
			on = r.advance(ctx)

		case outcomeIdle:
			if !r.parkUntilViewer(ctx) {
				return nil
			}
			on = r.reanchor(ctx)

		case outcomeRevoked:
			r.log.Info("lease revoked, recycling process")
			next, ok := r.restartGated(ctx, governor.CauseLongRunRevoke)
			if !ok {
				return nil
			}
			on = next

		case outcomeFailed:
			r.noteError(out.err)
			r.brk.RecordFailure()
			next, ok := r.restartGated(ctx, out.cause)
			if !ok {
				return nil
			}
			on = next
		}
		r.setOnAir(on)
	}
	return nil
}

// advance performs a planned transition to the next entry. Planned
// transitions never consult the governor. An advance failure is covered by
// a bounded error-screen segment before retrying.
func (r *Runtime) advance(ctx context.Context) OnAir {
	for ctx.Err() == nil {
		on, err := r.program.Advance(ctx, r.clk.Now())
		if err == nil {
			r.setOnAir(on)
			return on
		}
		r.log.Error("advance failed", slog.String("error", err.Error()))
		if out := r.playErrorScreen(ctx, "schedule unavailable", r.clk.Now().Add(r.cfg.BackoffBase)); out.kind == outcomeCanceled {
			break
		}
	}
	return OnAir{DeadAir: true}
}

// parkUntilViewer holds the runtime with no source process until a
// subscriber attaches. Returns false only on cancellation.
func (r *Runtime) parkUntilViewer(ctx context.Context) bool {
	// Drop any stale attach notification so the count check decides.
	select {
	case <-r.hub.Attached():
	default:
	}
	if r.hub.Count() > 0 {
		return true
	}
	r.setStatus(StatusStopped)
	r.log.Info("no subscribers, parking source")
	select {
	case <-r.hub.Attached():
		r.setStatus(StatusStarting)
		r.log.Info("subscriber attached, resuming")
		return true
	case <-ctx.Done():
		return false
	}
}

// reanchor realigns playout with wall time after a parked stretch. The
// clock kept running while the source was down; Resume picks up where
// the schedule says we are now.
func (r *Runtime) reanchor(ctx context.Context) OnAir {
	for ctx.Err() == nil {
		on, err := r.program.Resume(ctx, r.clk.Now())
		if err == nil {
			return on
		}
		r.log.Error("re-anchor failed", slog.String("error", err.Error()))
		if out := r.playErrorScreen(ctx, "schedule unavailable", r.clk.Now().Add(r.cfg.BackoffBase)); out.kind == outcomeCanceled {
			break
		}
	}
	return OnAir{DeadAir: true}
}

// coverAndRetryStart keeps the error screen up until the program can start.
// A channel with an empty lineup stays subscribable; it just has nothing to
// show yet.
func (r *Runtime) coverAndRetryStart(ctx context.Context) OnAir {
	wait := r.cfg.BackoffBase
	for ctx.Err() == nil {
		if out := r.playErrorScreen(ctx, "no schedule", r.clk.Now().Add(wait)); out.kind == outcomeCanceled {
			break
		}
		on, err := r.program.Start(ctx, r.clk.Now())
		if err == nil {
			return on
		}
		wait = r.nextBackoff(wait)
	}
	return OnAir{DeadAir: true}
}

// restartGated routes a restart request through the governor, covering
// denials with the error screen and retrying under exponential backoff.
// Returns false only on cancellation.
func (r *Runtime) restartGated(ctx context.Context, cause governor.Cause) (OnAir, bool) {
	wait := r.cfg.BackoffBase
	for ctx.Err() == nil {
		decision := r.gate.RequestRestart(r.channel.ID, cause)
		if decision.Granted() {
			r.sessions.NoteRestart(r.channel.Number)
			on, err := r.program.Resume(ctx, r.clk.Now())
			if err != nil {
				r.log.Error("resume failed after granted restart", slog.String("error", err.Error()))
				if out := r.playErrorScreen(ctx, "resuming", r.clk.Now().Add(wait)); out.kind == outcomeCanceled {
					return OnAir{}, false
				}
				wait = r.nextBackoff(wait)
				continue
			}
			return on, true
		}

		if decision == governor.DeniedBreakerOpen {
			r.setStatus(StatusFailed)
		} else {
			r.setStatus(StatusRestarting)
		}
		reason := fmt.Sprintf("restart pending (%s)", decision)
		if out := r.playErrorScreen(ctx, reason, r.clk.Now().Add(wait)); out.kind == outcomeCanceled {
			return OnAir{}, false
		}
		wait = r.nextBackoff(wait)
	}
	return OnAir{}, false
}

// nextBackoff doubles the wait with jitter, capped.
func (r *Runtime) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > r.cfg.BackoffCap {
		next = r.cfg.BackoffCap
	}
	// Up to 25% jitter keeps simultaneous channel retries from aligning.
	jitter := time.Duration(rand.Int63n(int64(next/4) + 1))
	return next - jitter
}

// playItem resolves, spawns and streams one playout entry. Resolve failures
// skip the item; acquire and stream failures feed the failure path.
func (r *Runtime) playItem(ctx context.Context, on OnAir) outcome {
	resolved, err := r.resolveItem(ctx, on.Item)
	if err != nil {
		return outcome{kind: outcomeSkipItem, err: err}
	}

	seek := on.Item.InPoint + on.Offset
	argv := ffmpeg.BuildSource(resolved, r.cfg.Profile, seek)

	lease, err := r.spawner.Acquire(ctx, pool.AcquireRequest{
		ChannelID:     r.channel.ID,
		ChannelNumber: r.channel.Number,
		Argv:          argv,
		CloseStdin:    true,
	})
	if err != nil {
		return outcome{kind: outcomeFailed, cause: governor.CauseSourceFailed,
			err: transient(fmt.Errorf("acquiring transcoder: %w", err))}
	}

	r.setStatus(StatusRunning)
	r.setSourceKind(SourceProcess)
	r.log.Info("source started",
		slog.String("title", on.Item.Title),
		slog.Int("pid", lease.PID()),
		slog.Duration("seek", seek),
		slog.Bool("direct_play", resolved.DirectPlayCandidate))

	// The seek already consumed the resume offset; the remaining runtime
	// is measured from here.
	return r.stream(ctx, &source{kind: SourceProcess, lease: lease}, on, true)
}

// resolveItem maps a playout entry to a playable source, classifying
// failures per the error taxonomy.
func (r *Runtime) resolveItem(ctx context.Context, item playout.Item) (*resolver.ResolvedSource, error) {
	ref := resolver.MediaRef{Kind: item.Kind, Handle: item.Handle}
	resolved, err := r.resolver.Resolve(ctx, ref)
	if err == nil {
		return resolved, nil
	}
	switch resolver.KindOf(err) {
	case resolver.KindNotFound:
		// The backing media is gone; sideline it so the scheduler stops
		// picking it.
		return nil, permanentForSource(err)
	default:
		// Unreachable providers and expired auth are about the source,
		// not this item, but neither is fixed by restarting: skip ahead
		// and let the resolver retry on a later cycle. AuthExpired
		// already got its one refresh inside the resolver.
		return nil, permanentForItem(err)
	}
}

// outcomeKind classifies why a streaming source stopped.
type outcomeKind int

const (
	outcomeCanceled outcomeKind = iota
	outcomeNatural              // item played to its expected end
	outcomeBoundary             // cut at a slot or duration boundary
	outcomeSkipItem             // item unusable; advance without restart
	outcomeFailed               // unplanned failure; goes through the governor
	outcomeRevoked              // pool revoked the lease and no boundary arrived
	outcomeIdle                 // no subscribers past the idle grace; park, no restart
)

type outcome struct {
	kind  outcomeKind
	cause governor.Cause
	err   error
}

// stream pumps one source into the hub until it ends, fails, is cut at a
// boundary, or is revoked. It owns the lease for its duration and always
// releases it before returning.
func (r *Runtime) stream(ctx context.Context, src *source, on OnAir, probe bool) outcome {
	defer src.close(context.WithoutCancel(ctx))

	now := r.clk.Now()
	r.lastBytes.Store(now.UnixNano())

	// Boundary timer: item runtime remaining, capped by any slot boundary.
	var boundaryC <-chan time.Time
	remaining := on.Remaining(now)
	if !on.DeadAir {
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		bt := r.clk.NewTimer(remaining)
		defer bt.Stop()
		boundaryC = bt.C()
	}
	expectedEnd := now.Add(remaining)

	// Stable-up timer confirms a half-open breaker probe.
	var stableC <-chan time.Time
	if src.kind == SourceProcess {
		st := r.clk.NewTimer(r.brk.StableUpTarget())
		defer st.Stop()
		stableC = st.C()
	}

	health := r.clk.NewTicker(r.cfg.HealthStale / 3)
	defer health.Stop()
	flush := r.clk.NewTicker(r.cfg.AnchorFlush)
	defer flush.Stop()

	// Idle watch: a non-always-on source is cut once nobody has been
	// watching for the grace.
	var idleC <-chan time.Time
	var idleSince time.Time
	if !r.cfg.AlwaysOn {
		tick := r.cfg.IdleGrace / 4
		if tick <= 0 {
			tick = time.Second
		}
		it := r.clk.NewTicker(tick)
		defer it.Stop()
		idleC = it.C()
	}

	readerDone := make(chan error, 1)
	go r.pump(ctx, src, probe, readerDone)
	stderrTail := drainStderr(src.lease)

	var revokeWaitC <-chan time.Time

	finish := func(o outcome) outcome {
		if o.err != nil {
			if tail := stderrTail(); tail != "" {
				r.log.Warn("source stderr tail", slog.String("stderr", tail))
			}
		}
		return o
	}

	for {
		select {
		case <-ctx.Done():
			return outcome{kind: outcomeCanceled}

		case <-boundaryC:
			r.log.Info("item boundary reached")
			return finish(outcome{kind: outcomeBoundary})

		case <-stableC:
			r.brk.RecordSuccess()
			r.noteError(nil)

		case <-flush.C():
			if err := r.program.Checkpoint(ctx, r.clk.Now()); err != nil {
				r.log.Warn("checkpoint failed", slog.String("error", err.Error()))
			}

		case <-idleC:
			if r.hub.Count() > 0 {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = r.clk.Now()
				continue
			}
			if r.clk.Now().Sub(idleSince) >= r.cfg.IdleGrace {
				r.log.Info("no subscribers for idle grace, parking source",
					slog.Duration("grace", r.cfg.IdleGrace))
				return finish(outcome{kind: outcomeIdle})
			}

		case <-health.C():
			stale := r.clk.Now().UnixNano() - r.lastBytes.Load()
			if time.Duration(stale) > r.cfg.HealthStale {
				return finish(outcome{kind: outcomeFailed, cause: governor.CauseHealthStale,
					err: transient(fmt.Errorf("no output for %s", time.Duration(stale).Round(time.Second)))})
			}

		case reason := <-src.lease.Revoked():
			if revokeWaitC != nil {
				continue
			}
			r.log.Info("lease revoke signalled",
				slog.String("reason", string(reason)),
				slog.Duration("boundary_wait", r.cfg.BoundaryWait))
			rw := r.clk.NewTimer(r.cfg.BoundaryWait)
			defer rw.Stop()
			revokeWaitC = rw.C()

		case <-revokeWaitC:
			return finish(outcome{kind: outcomeRevoked})

		case <-src.lease.Done():
			// Give the reader a moment to report its final error.
			var err error
			select {
			case err = <-readerDone:
			case <-r.clk.After(5 * time.Second):
			}
			return finish(r.classifyEnd(src, on, expectedEnd, err))

		case err := <-readerDone:
			select {
			case <-src.lease.Done():
			case <-r.clk.After(2 * time.Second):
			}
			return finish(r.classifyEnd(src, on, expectedEnd, err))
		}
	}
}

// classifyEnd decides whether a finished source counts as a natural end or
// a failure. A clean exit near the expected end is natural; anything else
// failed.
func (r *Runtime) classifyEnd(src *source, on OnAir, expectedEnd time.Time, readErr error) outcome {
	now := r.clk.Now()
	code, exitErr := src.lease.ExitState()

	nearEnd := !on.DeadAir && on.Item.Duration > 0 && expectedEnd.Sub(now) <= naturalEndTolerance
	cleanExit := code == 0 && exitErr == nil

	if cleanExit && (nearEnd || on.Item.Duration == 0) {
		return outcome{kind: outcomeNatural}
	}
	if cleanExit && src.kind == SourceProcess {
		// The encoder finished early: short media or overstated runtime.
		// Treat as end of item, not a failure.
		return outcome{kind: outcomeNatural}
	}

	err := readErr
	if err == nil {
		err = fmt.Errorf("process exited with code %d", code)
		if exitErr != nil {
			err = fmt.Errorf("process exited: %w", exitErr)
		}
	}
	return outcome{kind: outcomeFailed, cause: governor.CauseSourceFailed, err: transient(err)}
}

// pump is the reader task: source stdout through the throttler into the
// hub, probing the first bytes of process sources for valid transport
// stream tables.
func (r *Runtime) pump(ctx context.Context, src *source, probe bool, done chan<- error) {
	reader := throttle.Wrap(src.lease.Stdout(), r.cfg.Throttle, r.clk)

	var probeBuf []byte
	probing := probe && src.kind == SourceProcess

	buf := make([]byte, readChunk)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			r.lastBytes.Store(r.clk.Now().UnixNano())
			if probing {
				probeBuf = append(probeBuf, buf[:n]...)
				if len(probeBuf) >= r.cfg.ProbeBytes {
					probing = false
					if perr := r.probeStream(ctx, probeBuf); perr != nil {
						done <- transient(perr)
						return
					}
					probeBuf = nil
				}
			}
			if _, werr := r.hub.Write(buf[:n]); werr != nil {
				done <- nil
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				done <- nil
			} else {
				done <- err
			}
			return
		}
	}
}

// probeStream validates the first bytes of a new source and logs what the
// transport stream carries.
func (r *Runtime) probeStream(ctx context.Context, data []byte) error {
	res, err := mpegts.Probe(ctx, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("stream probe: %w", err)
	}
	r.log.Info("stream probe", slog.String("streams", res.String()))
	return nil
}

// playErrorScreen covers a gap with the synthesized fallback stream until
// the deadline passes (zero deadline waits for cancellation only). The
// screen goes through the pool like any transcoder; when even that acquire
// fails, the runtime waits quietly and retries.
func (r *Runtime) playErrorScreen(ctx context.Context, reason string, until time.Time) outcome {
	if r.Status() == StatusRunning || r.Status() == StatusStarting {
		r.setStatus(StatusRestarting)
	}
	r.setSourceKind(SourceErrorScreen)

	for ctx.Err() == nil {
		now := r.clk.Now()
		if !until.IsZero() && !now.Before(until) {
			return outcome{kind: outcomeBoundary}
		}
		wait := time.Duration(0)
		if !until.IsZero() {
			wait = until.Sub(now)
		}

		caption := errorscreen.Caption(r.channel.Name, reason, now)
		lease, err := r.spawner.Acquire(ctx, pool.AcquireRequest{
			ChannelID:     r.channel.ID,
			ChannelNumber: r.channel.Number,
			Argv:          errorscreen.Args(r.cfg.ErrorScreen, caption),
			CloseStdin:    true,
		})
		if err != nil {
			r.log.Warn("error screen acquire failed", slog.String("error", err.Error()))
			sleep := 5 * time.Second
			if wait > 0 && wait < sleep {
				sleep = wait
			}
			if serr := r.clk.Sleep(ctx, sleep); serr != nil {
				return outcome{kind: outcomeCanceled}
			}
			continue
		}

		out := r.streamErrorScreen(ctx, &source{kind: SourceErrorScreen, lease: lease}, until)
		switch out.kind {
		case outcomeCanceled, outcomeBoundary:
			return out
		default:
			// The screen itself died; spin up a fresh one.
		}
	}
	return outcome{kind: outcomeCanceled}
}

// streamErrorScreen pumps the fallback source until the deadline. The error
// screen has no item semantics: no probe, no health failure path beyond its
// own process exit, no throttle (the encoder paces itself).
func (r *Runtime) streamErrorScreen(ctx context.Context, src *source, until time.Time) outcome {
	defer src.close(context.WithoutCancel(ctx))

	var deadlineC <-chan time.Time
	if !until.IsZero() {
		dt := r.clk.NewTimer(until.Sub(r.clk.Now()))
		defer dt.Stop()
		deadlineC = dt.C()
	}

	readerDone := make(chan error, 1)
	go r.pump(ctx, src, false, readerDone)
	_ = drainStderr(src.lease)

	select {
	case <-ctx.Done():
		return outcome{kind: outcomeCanceled}
	case <-deadlineC:
		return outcome{kind: outcomeBoundary}
	case <-src.lease.Done():
		<-readerDone
		return outcome{kind: outcomeFailed}
	case <-readerDone:
		return outcome{kind: outcomeFailed}
	}
}

func (r *Runtime) teardown() {
	r.hub.Close()
	if r.sessions != nil {
		r.sessions.CloseChannel(r.channel.Number, session.ReasonChannelStop)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.program.Checkpoint(ctx, r.clk.Now()); err != nil {
		r.log.Warn("final checkpoint failed", slog.String("error", err.Error()))
	}
	r.setStatus(StatusStopped)
	reason, _ := r.stopMsg.Load().(string)
	r.log.Info("channel stopped", slog.String("reason", reason))
}

func (r *Runtime) setStatus(s Status) {
	r.status.Store(int32(s))
	if r.metrics != nil {
		r.metrics.ChannelStatus.WithLabelValues(fmt.Sprint(r.channel.Number)).Set(float64(s))
	}
}

func (r *Runtime) setOnAir(on OnAir) {
	r.mu.Lock()
	r.onAir = on
	r.mu.Unlock()
}

func (r *Runtime) setSourceKind(k SourceKind) {
	r.mu.Lock()
	r.srcKind = k
	r.mu.Unlock()
}

func (r *Runtime) noteError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	if err != nil {
		r.log.Warn("source failure", slog.String("error", err.Error()))
	}
}

// drainStderr consumes a lease's stderr in the background, keeping a bounded
// tail for failure diagnostics. Returns a function that yields the tail.
func drainStderr(l Lease) func() string {
	const tailMax = 2048
	var mu sync.Mutex
	var tail []byte

	stderr := l.Stderr()
	if stderr == nil {
		return func() string { return "" }
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				mu.Lock()
				tail = append(tail, buf[:n]...)
				if len(tail) > tailMax {
					tail = tail[len(tail)-tailMax:]
				}
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return string(bytes.TrimSpace(tail))
	}
}
