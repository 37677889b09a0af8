package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/playout"
	"github.com/exstreamtv/exstreamtv/internal/repository"
	"github.com/exstreamtv/exstreamtv/internal/sched"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/throttle"
)

// ErrChannelUnknown is returned for subscriptions to channels the manager
// does not run.
var ErrChannelUnknown = fmt.Errorf("runtime: unknown channel")

// Stores groups the persistence the manager reads at boot.
type Stores struct {
	Channels repository.ChannelRepository
	Schedule repository.ScheduleRepository
	Media    repository.MediaRepository
	Anchors  repository.AnchorRepository
	Picker   repository.PickerStateRepository
}

// ManagerDeps are the shared collaborators every channel runtime uses.
type ManagerDeps struct {
	Stores   Stores
	Resolver Resolver
	Spawner  Spawner
	Gate     RestartGate
	Breakers *breaker.Registry
	Sessions *session.Manager
	Clock    clock.Clock
	Log      *slog.Logger
	Metrics  *observability.Metrics
}

// Manager owns every channel runtime. It builds one runtime per enabled
// channel at start, runs them as long-lived tasks, and exposes lookup for
// the boundary layer.
type Manager struct {
	cfg  Config
	deps ManagerDeps
	log  *slog.Logger

	mu       sync.RWMutex
	runtimes map[int]*Runtime

	shutdownGrace time.Duration
}

// NewManager constructs an empty manager. cfg carries the per-channel
// defaults; channel records override throttling per channel.
func NewManager(cfg Config, deps ManagerDeps) *Manager {
	cfg.normalize()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		deps:          deps,
		log:           observability.WithComponent(deps.Log, "channel-manager"),
		runtimes:      make(map[int]*Runtime),
		shutdownGrace: 15 * time.Second,
	}
}

// Run builds a runtime for every enabled channel and drives them until the
// context is cancelled. Channels whose lineup cannot be built still run;
// they serve the error screen until an operator fixes the schedule.
func (m *Manager) Run(ctx context.Context) error {
	channels, err := m.deps.Stores.Channels.GetEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading enabled channels: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		rt, berr := m.buildRuntime(ctx, ch)
		if berr != nil {
			m.log.Error("channel runtime not started",
				slog.Int("channel", ch.Number),
				slog.String("error", berr.Error()))
			continue
		}
		m.mu.Lock()
		m.runtimes[ch.Number] = rt
		m.mu.Unlock()

		g.Go(func() error { return rt.Run(ctx) })
	}
	m.log.Info("channel manager running", slog.Int("channels", len(m.runtimes)))

	<-ctx.Done()
	return g.Wait()
}

// buildRuntime assembles one channel's program and runtime from its
// persisted schedule.
func (m *Manager) buildRuntime(ctx context.Context, ch *models.Channel) (*Runtime, error) {
	schedule, err := m.deps.Stores.Schedule.GetByChannelID(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("loading schedule: %w", err)
	}
	if schedule == nil {
		return nil, fmt.Errorf("channel %d has no schedule", ch.Number)
	}

	program, err := m.buildProgram(ch, schedule)
	if err != nil {
		return nil, err
	}

	cfg := m.cfg
	cfg.Throttle = m.channelThrottle(ch)
	cfg.AlwaysOn = cfg.AlwaysOn || ch.AlwaysOn

	return New(cfg, Deps{
		Channel:  ch,
		Program:  program,
		Resolver: m.deps.Resolver,
		Spawner:  m.deps.Spawner,
		Gate:     m.deps.Gate,
		Breaker:  m.deps.Breakers.Get(ch.ID.String()),
		Sessions: m.deps.Sessions,
		Media:    m.deps.Stores.Media,
		Clock:    m.deps.Clock,
		Log:      m.deps.Log,
		Metrics:  m.deps.Metrics,
	}), nil
}

// buildProgram picks the program implementation by schedule strategy.
func (m *Manager) buildProgram(ch *models.Channel, schedule *models.ProgramSchedule) (Program, error) {
	switch schedule.Strategy {
	case models.StrategyTimeSlot, models.StrategyBalance:
		states := sched.NewStateStore(ch.ID, m.deps.Stores.Picker, m.deps.Log)
		return NewDynamicProgram(schedule, ch.FallbackFillerID, m.deps.Stores.Media, states,
			m.deps.Stores.Anchors, m.deps.Log), nil

	default: // ordered
		timeline := playout.NewTimeline(playout.Options{
			ChannelID:             ch.ID,
			ChannelNumber:         ch.Number,
			Shuffle:               schedule.Shuffle,
			RandomStartPoint:      schedule.RandomStartPoint,
			KeepMultiPartEpisodes: schedule.KeepMultiPartEpisodes,
			Store:                 m.deps.Stores.Anchors,
			Log:                   m.deps.Log,
		})
		base := playout.FromScheduleItems(schedule.Items, m.deps.Clock.Now())
		return NewOrderedProgram(timeline, base), nil
	}
}

// channelThrottle merges the channel's throttle overrides over the server
// default.
func (m *Manager) channelThrottle(ch *models.Channel) throttle.Config {
	cfg := m.cfg.Throttle
	if ch.ThrottleMode != "" {
		if mode, ok := throttle.ParseMode(string(ch.ThrottleMode)); ok {
			cfg.Mode = mode
		}
	}
	if ch.ThrottleBitrateBps > 0 {
		cfg.TargetBitrateBps = ch.ThrottleBitrateBps
	}
	return cfg
}

// Get returns the runtime serving a channel number.
func (m *Manager) Get(number int) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[number]
	return rt, ok
}

// Subscribe attaches a byte stream to a channel.
func (m *Manager) Subscribe(number int) (*Subscriber, *models.Channel, error) {
	rt, ok := m.Get(number)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrChannelUnknown, number)
	}
	sub, err := rt.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	return sub, rt.Channel(), nil
}

// RequestStop stops one channel's runtime. Its breaker and governor state
// survive, so a later start is subject to the same rules.
func (m *Manager) RequestStop(number int, reason string) bool {
	rt, ok := m.Get(number)
	if !ok {
		return false
	}
	rt.RequestStop(reason)
	return true
}

// Runtimes returns the running channels in number order.
func (m *Manager) Runtimes() []*Runtime {
	m.mu.RLock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.mu.RUnlock()
	sort.Slice(rts, func(i, j int) bool {
		return rts[i].Channel().Number < rts[j].Channel().Number
	})
	return rts
}

// Programmes projects one channel's guide entries.
func (m *Manager) Programmes(ctx context.Context, number int, from time.Time, window time.Duration) ([]playout.Programme, error) {
	rt, ok := m.Get(number)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelUnknown, number)
	}
	return rt.Programmes(ctx, from, window)
}

// CheckpointAll flushes every channel's playout anchor. The anchor-flush
// job calls this; it also runs once during shutdown.
func (m *Manager) CheckpointAll(ctx context.Context) {
	for _, rt := range m.Runtimes() {
		if err := rt.Checkpoint(ctx); err != nil {
			m.log.Warn("anchor checkpoint failed",
				slog.Int("channel", rt.Channel().Number),
				slog.String("error", err.Error()))
		}
	}
}

// AllFailed reports the unrecoverable condition: every runtime is in the
// failed state with its breaker open. The serve command exits 2 on it.
func (m *Manager) AllFailed() bool {
	rts := m.Runtimes()
	if len(rts) == 0 {
		return false
	}
	for _, rt := range rts {
		if rt.Status() != StatusFailed {
			return false
		}
		if m.deps.Breakers.Get(rt.Channel().ID.String()).State() != breaker.StateOpen {
			return false
		}
	}
	return true
}

// Shutdown stops every runtime and waits up to the grace period for them
// to drain. Anything still running after the grace is abandoned to the
// pool's force-kill during its own shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, rt := range m.Runtimes() {
		rt.RequestStop("shutdown")
	}

	deadline := m.deps.Clock.NewTimer(m.shutdownGrace)
	defer deadline.Stop()
	tick := m.deps.Clock.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		stopped := true
		for _, rt := range m.Runtimes() {
			if rt.Status() != StatusStopped {
				stopped = false
				break
			}
		}
		if stopped {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C():
			m.log.Warn("shutdown grace expired with runtimes still active")
			return
		case <-tick.C():
		}
	}
	m.CheckpointAll(ctx)
	m.log.Info("channel manager stopped")
}
