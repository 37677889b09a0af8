package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/database"
	"github.com/exstreamtv/exstreamtv/internal/errorscreen"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/governor"
	"github.com/exstreamtv/exstreamtv/internal/hdhr"
	"github.com/exstreamtv/exstreamtv/internal/httpapi"
	"github.com/exstreamtv/exstreamtv/internal/iptv"
	"github.com/exstreamtv/exstreamtv/internal/jobs"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/pool"
	"github.com/exstreamtv/exstreamtv/internal/repository"
	"github.com/exstreamtv/exstreamtv/internal/resolver"
	"github.com/exstreamtv/exstreamtv/internal/runtime"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/throttle"
	"github.com/exstreamtv/exstreamtv/internal/version"
)

// allFailedPollInterval is how often the serve loop samples the
// all-channels-failed condition so it can be reported at exit.
const allFailedPollInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exstreamtv server",
	Long: `Start the exstreamtv streaming server.

The server provides:
- Continuous MPEG-TS streams for every enabled channel
- IPTV playlist (M3U) and programme guide (XMLTV)
- HDHomeRun tuner emulation for Plex and Jellyfin
- REST status API and Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()
	clk := clock.System()
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	channelRepo := repository.NewChannelRepository(db.DB)
	scheduleRepo := repository.NewScheduleRepository(db.DB)
	mediaRepo := repository.NewMediaRepository(db.DB)
	anchorRepo := repository.NewAnchorRepository(db.DB)
	pickerRepo := repository.NewPickerStateRepository(db.DB)
	auditRepo := repository.NewAuditRepository(db.DB)

	// Breaker keys are channel ULIDs; the state gauge is labelled by
	// channel number, so map one to the other up front.
	numberByKey := make(map[string]int)
	if channels, cerr := channelRepo.GetEnabled(ctx); cerr == nil {
		for _, ch := range channels {
			numberByKey[ch.ID.String()] = ch.Number
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Streaming.Breaker.FailureThreshold,
		FailureWindow:    cfg.Streaming.Breaker.FailureWindow,
		Cooldown:         cfg.Streaming.Breaker.Cooldown,
		ProbeUp:          cfg.Streaming.Breaker.ProbeUp,
		Clock:            clk,
	}, func(key string, from, to breaker.State) {
		logger.Warn("circuit breaker state change",
			slog.String("key", key),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if number, ok := numberByKey[key]; ok {
			metrics.ObserveBreakerState(number, int(to))
		}
	})

	gov := governor.New(governor.Config{
		GlobalPerWindow: cfg.Streaming.Governor.GlobalRestartsPerWindow,
		Window:          cfg.Streaming.Governor.Window,
		ChannelCooldown: cfg.Streaming.Governor.ChannelCooldown,
		Clock:           clk,
	}, breakers, logger, metrics)

	procPool := pool.New(pool.Config{
		MaxProcesses:         cfg.Streaming.Pool.MaxProcesses,
		SpawnsPerSecond:      cfg.Streaming.Pool.SpawnsPerSecond,
		MemoryGuardThreshold: cfg.Streaming.Pool.MemoryGuardThreshold,
		FdGuardReserve:       cfg.Streaming.Pool.FdGuardReserve,
		PressureThreshold:    cfg.Streaming.Pool.PressureThreshold,
		ReaperInterval:       cfg.Streaming.Pool.ReaperInterval,
		LongRun:              cfg.Streaming.Pool.LongRun,
		LongRunGrace:         cfg.Streaming.Pool.LongRunGrace,
		KillGrace:            cfg.Streaming.Pool.KillGrace,
		KillGraceFinal:       cfg.Streaming.Pool.KillGraceFinal,
		Clock:                clk,
	}, logger, metrics)

	res := resolver.New(resolver.Config{
		CacheTTL:            cfg.Resolver.CacheTTL,
		PreferredLanguage:   cfg.Resolver.PreferredLanguage,
		TargetAudioChannels: cfg.Resolver.TargetAudioChannels,
		Plex: resolver.PlexConfig{
			BaseURL: cfg.Resolver.Plex.BaseURL,
			Token:   cfg.Resolver.Plex.Token,
		},
		Jellyfin: resolver.MediaServerConfig{
			BaseURL: cfg.Resolver.Jellyfin.BaseURL,
			APIKey:  cfg.Resolver.Jellyfin.APIKey,
		},
		Emby: resolver.MediaServerConfig{
			BaseURL: cfg.Resolver.Emby.BaseURL,
			APIKey:  cfg.Resolver.Emby.APIKey,
		},
		YouTube: resolver.YouTubeConfig{
			HelperPath: cfg.Resolver.YouTube.HelperPath,
			Timeout:    cfg.Resolver.YouTube.Timeout,
		},
		Clock:  clk,
		Logger: logger,
	})

	sessions := session.New(session.Config{
		MaxPerChannel: cfg.Streaming.Sessions.MaxPerChannel,
		IdleTimeout:   cfg.Streaming.Sessions.IdleTimeout,
		MaxErrors:     cfg.Streaming.Sessions.MaxErrors,
		Clock:         clk,
	}, logger, metrics, auditRepo)

	manager := runtime.NewManager(runtimeConfig(cfg, metrics), runtime.ManagerDeps{
		Stores: runtime.Stores{
			Channels: channelRepo,
			Schedule: scheduleRepo,
			Media:    mediaRepo,
			Anchors:  anchorRepo,
			Picker:   pickerRepo,
		},
		Resolver: res,
		Spawner:  runtime.PoolSpawner{Pool: procPool},
		Gate:     gov,
		Breakers: breakers,
		Sessions: sessions,
		Clock:    clk,
		Log:      logger,
		Metrics:  metrics,
	})

	iptvHandler := iptv.NewHandler(iptv.Config{
		BaseURL:    cfg.IPTV.BaseURL,
		HoursAhead: cfg.EPG.HoursAhead,
	}, channelRepo, manager, sessions, clk, logger, metrics)

	var hdhrHandler *hdhr.Handler
	if cfg.HDHomeRun.Enabled {
		hdhrHandler = hdhr.NewHandler(cfg.HDHomeRun, cfg.IPTV.BaseURL, channelRepo, iptvHandler, logger)
	}

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		IPTV:     iptvHandler,
		HDHR:     hdhrHandler,
		Manager:  manager,
		Sessions: sessions,
		Pool:     procPool,
		Breakers: breakers,
		Metrics:  metrics,
		Clock:    clk,
		Log:      logger,
		Version:  version.Version,
	})

	jobRunner, err := jobs.NewRunner(jobs.Config{
		AnchorFlushSpec:  cfg.Jobs.AnchorFlushSpec,
		SessionSweepSpec: cfg.Jobs.SessionSweep,
		AuditTrimSpec:    cfg.Jobs.AuditTrimSpec,
		AuditRetention:   cfg.Jobs.AuditRetention,
	}, manager, sessions, auditRepo, clk, logger)
	if err != nil {
		return fmt.Errorf("configuring background jobs: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		manager.Shutdown(shutdownCtx)
		// Runtimes past the grace abandoned their processes; the pool
		// force-kills whatever is still alive.
		if perr := procPool.Shutdown(shutdownCtx); perr != nil {
			logger.Warn("pool shutdown incomplete", slog.String("error", perr.Error()))
		}
		done()
		cancel()
	}()

	logger.Info("starting exstreamtv server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	// Latch the unrecoverable condition while running; after shutdown the
	// runtimes report stopped and the check would read false.
	var allFailed atomic.Bool
	go func() {
		tick := clk.NewTicker(allFailedPollInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C():
				if manager.AllFailed() {
					allFailed.Store(true)
				}
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return procPool.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return jobRunner.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	if allFailed.Load() {
		logger.Error("every channel failed with its breaker open")
		os.Exit(2)
	}

	logger.Info("shutdown complete")
	return nil
}

// runtimeConfig maps file configuration onto the channel runtime tuning.
func runtimeConfig(cfg *config.Config, metrics *observability.Metrics) runtime.Config {
	rc := cfg.Streaming.Runtime

	slowBudget := int(rc.SlowSubscriberBudget)
	if slowBudget <= 0 {
		// A subscriber further behind than the broadcast ring holds is
		// unrecoverable, so the ring size is the natural drop budget.
		slowBudget = int(rc.RingSize)
	}

	mode, _ := throttle.ParseMode(cfg.Streaming.Throttler.Mode)

	return runtime.Config{
		Hub: runtime.HubConfig{
			SubscriberQueueBytes:      int(rc.SubscriberQueue),
			SlowSubscriberBudgetBytes: slowBudget,
		},
		HealthStale:  rc.HealthStale,
		AnchorFlush:  rc.AnchorFlush,
		BoundaryWait: rc.BoundaryWait,
		BackoffBase:  rc.RestartBackoffBase,
		BackoffCap:   rc.RestartBackoffCap,
		AlwaysOn:     rc.AlwaysOn,
		IdleGrace:    rc.IdleGrace,
		Throttle: throttle.Config{
			Mode:             mode,
			TargetBitrateBps: cfg.Streaming.Throttler.TargetBitrateBps,
			BurstHeadroom:    cfg.Streaming.Throttler.BurstHeadroom,
			SmoothingWindow:  cfg.Streaming.Throttler.SmoothingWindow,
			Metrics:          metrics,
		},
		Profile:     ffmpegProfile(cfg.FFmpeg),
		ErrorScreen: errorScreenConfig(cfg),
	}
}

// ffmpegProfile maps file configuration onto the transcoder profile.
func ffmpegProfile(cfg config.FFmpegConfig) ffmpeg.Profile {
	return ffmpeg.Profile{
		Binary:    cfg.BinaryPath,
		LogLevel:  cfg.LogLevel,
		AllowCopy: true,
		HWAccel:   ffmpeg.PickAccel(cfg.HWAccelPriority, nil),
	}
}

// errorScreenConfig maps file configuration onto the fallback stream,
// keeping package defaults for anything unset.
func errorScreenConfig(cfg *config.Config) errorscreen.Config {
	es := errorscreen.DefaultConfig()
	es.Binary = cfg.FFmpeg.BinaryPath
	es.LogLevel = cfg.FFmpeg.LogLevel

	sc := cfg.Streaming.ErrorScreen
	if visual, ok := errorscreen.ParseVisualMode(sc.Visual); ok {
		es.Visual = visual
	}
	if audio, ok := errorscreen.ParseAudioMode(sc.Audio); ok {
		es.Audio = audio
	}
	if sc.SlatePath != "" {
		es.SlatePath = sc.SlatePath
	}
	if sc.Width > 0 {
		es.Width = sc.Width
	}
	if sc.Height > 0 {
		es.Height = sc.Height
	}
	if sc.Framerate > 0 {
		es.Framerate = sc.Framerate
	}
	if sc.FontSize > 0 {
		es.FontSize = sc.FontSize
	}
	if sc.Background != "" {
		es.Background = sc.Background
	}
	if sc.Foreground != "" {
		es.Foreground = sc.Foreground
	}
	if sc.VideoBitrate != "" {
		es.VideoBitrate = sc.VideoBitrate
	}

	return es
}
