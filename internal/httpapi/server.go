// Package httpapi owns the HTTP surface: the chi router, middleware stack,
// read-only status API, and the mounted IPTV and HDHomeRun boundaries.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/hdhr"
	"github.com/exstreamtv/exstreamtv/internal/httpapi/middleware"
	"github.com/exstreamtv/exstreamtv/internal/iptv"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/pool"
	"github.com/exstreamtv/exstreamtv/internal/runtime"
	"github.com/exstreamtv/exstreamtv/internal/session"
)

// Deps carries everything the HTTP surface reads from or mounts.
type Deps struct {
	IPTV     *iptv.Handler
	HDHR     *hdhr.Handler
	Manager  *runtime.Manager
	Sessions *session.Manager
	Pool     *pool.Pool
	Breakers *breaker.Registry
	Metrics  *observability.Metrics
	Clock    clock.Clock
	Log      *slog.Logger
	Version  string
}

// Server is the HTTP server for every boundary surface.
type Server struct {
	cfg        config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	log        *slog.Logger
	clk        clock.Clock
	startedAt  time.Time
}

// NewServer builds the router, applies the middleware stack, and mounts
// every surface.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORSOrigins))

	humaConfig := huma.DefaultConfig("EXStreamTV API", version)
	humaConfig.Info.Description = "Virtual TV channel streaming server status API"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:       cfg,
		router:    router,
		api:       api,
		log:       log,
		clk:       clk,
		startedAt: clk.Now(),
	}

	status := &statusHandler{
		manager:   deps.Manager,
		sessions:  deps.Sessions,
		pool:      deps.Pool,
		breakers:  deps.Breakers,
		clk:       clk,
		version:   version,
		startedAt: s.startedAt,
	}
	status.register(api)

	if deps.IPTV != nil {
		router.Route("/iptv", deps.IPTV.Routes)
	}
	if deps.HDHR != nil {
		deps.HDHR.Routes(router)
	}
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	router.Get("/healthz", s.handleHealthz)

	return s
}

// Router exposes the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// handleHealthz is the liveness probe: always 200 while the process serves.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": s.clk.Now().Sub(s.startedAt).Seconds(),
	})
}

// Run serves until ctx is canceled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout stays 0: channel streams are open-ended writes.
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("address", s.cfg.Address()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
