// Package jobs runs the recurring background maintenance: periodic anchor
// flushes, idle session sweeps, and audit retention trims.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

// Checkpointer persists playout anchors for every channel. Implemented by
// runtime.Manager.
type Checkpointer interface {
	CheckpointAll(ctx context.Context)
}

// SessionSweeper expires idle client sessions. Implemented by
// session.Manager.
type SessionSweeper interface {
	SweepIdle() int
}

// Config holds the cron schedules. Specs use robfig/cron syntax, including
// the @every and @daily descriptors.
type Config struct {
	AnchorFlushSpec  string
	SessionSweepSpec string
	AuditTrimSpec    string
	AuditRetention   time.Duration
}

// Runner owns the cron loop. Jobs whose dependency is nil are not
// registered, so a deployment without audit storage simply skips the trim.
type Runner struct {
	cfg        Config
	cron       *cron.Cron
	log        *slog.Logger
	clk        clock.Clock
	checkpoint Checkpointer
	sessions   SessionSweeper
	audit      repository.AuditRepository
}

// NewRunner registers every applicable job. An invalid cron spec is a
// configuration error and fails construction.
func NewRunner(cfg Config, checkpoint Checkpointer, sessions SessionSweeper, audit repository.AuditRepository, clk clock.Clock, log *slog.Logger) (*Runner, error) {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Runner{
		cfg:        cfg,
		cron:       cron.New(),
		log:        log.With(slog.String("component", "jobs")),
		clk:        clk,
		checkpoint: checkpoint,
		sessions:   sessions,
		audit:      audit,
	}

	if r.checkpoint != nil && cfg.AnchorFlushSpec != "" {
		if _, err := r.cron.AddFunc(cfg.AnchorFlushSpec, r.flushAnchors); err != nil {
			return nil, fmt.Errorf("anchor flush spec %q: %w", cfg.AnchorFlushSpec, err)
		}
	}
	if r.sessions != nil && cfg.SessionSweepSpec != "" {
		if _, err := r.cron.AddFunc(cfg.SessionSweepSpec, r.sweepSessions); err != nil {
			return nil, fmt.Errorf("session sweep spec %q: %w", cfg.SessionSweepSpec, err)
		}
	}
	if r.audit != nil && cfg.AuditTrimSpec != "" && cfg.AuditRetention > 0 {
		if _, err := r.cron.AddFunc(cfg.AuditTrimSpec, r.trimAudit); err != nil {
			return nil, fmt.Errorf("audit trim spec %q: %w", cfg.AuditTrimSpec, err)
		}
	}

	return r, nil
}

// Run starts the cron loop and blocks until ctx is canceled. Jobs already
// in flight finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Start()
	r.log.Info("background jobs started",
		slog.String("anchor_flush", r.cfg.AnchorFlushSpec),
		slog.String("session_sweep", r.cfg.SessionSweepSpec),
		slog.String("audit_trim", r.cfg.AuditTrimSpec))

	<-ctx.Done()

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.log.Info("background jobs stopped")
	return nil
}

func (r *Runner) flushAnchors() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.checkpoint.CheckpointAll(ctx)
}

func (r *Runner) sweepSessions() {
	if n := r.sessions.SweepIdle(); n > 0 {
		r.log.Info("swept idle sessions", slog.Int("count", n))
	}
}

func (r *Runner) trimAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := r.clk.Now().Add(-r.cfg.AuditRetention)
	removed, err := r.audit.TrimBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("audit trim failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		r.log.Info("trimmed audit rows",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
}
