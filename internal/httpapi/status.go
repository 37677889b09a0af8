package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/exstreamtv/exstreamtv/internal/breaker"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/pool"
	"github.com/exstreamtv/exstreamtv/internal/runtime"
	"github.com/exstreamtv/exstreamtv/internal/session"
)

// statusHandler serves the read-only JSON views over component state.
type statusHandler struct {
	manager   *runtime.Manager
	sessions  *session.Manager
	pool      *pool.Pool
	breakers  *breaker.Registry
	clk       clock.Clock
	version   string
	startedAt time.Time
}

// ChannelView is one channel's runtime state.
type ChannelView struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	OnAir       string `json:"on_air,omitempty"`
	OnAirKind   string `json:"on_air_kind,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Enabled     bool   `json:"enabled"`
	AlwaysOn    bool   `json:"always_on"`
}

// StatusView summarizes the whole server.
type StatusView struct {
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Channels      map[string]int `json:"channels_by_status"`
	SessionsOpen  int            `json:"sessions_open"`
	PoolLive      int            `json:"pool_live"`
	PoolCapacity  int            `json:"pool_capacity"`
}

type statusOutput struct {
	Body StatusView
}

type channelsOutput struct {
	Body struct {
		Channels []ChannelView `json:"channels"`
	}
}

type channelInput struct {
	Number int `path:"number" doc:"Channel number"`
}

type channelOutput struct {
	Body ChannelView
}

type sessionsOutput struct {
	Body struct {
		Stats    session.Stats      `json:"stats"`
		Sessions []session.Snapshot `json:"sessions"`
	}
}

type poolOutput struct {
	Body pool.Stats
}

type breakersOutput struct {
	Body struct {
		Breakers map[string]breaker.Stats `json:"breakers"`
	}
}

func (h *statusHandler) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Server status",
		Tags:        []string{"Status"},
	}, h.getStatus)

	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      http.MethodGet,
		Path:        "/api/v1/channels",
		Summary:     "List channel runtimes",
		Tags:        []string{"Status"},
	}, h.listChannels)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      http.MethodGet,
		Path:        "/api/v1/channels/{number}",
		Summary:     "One channel runtime",
		Tags:        []string{"Status"},
	}, h.getChannel)

	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "Live client sessions",
		Tags:        []string{"Status"},
	}, h.listSessions)

	huma.Register(api, huma.Operation{
		OperationID: "getPool",
		Method:      http.MethodGet,
		Path:        "/api/v1/pool",
		Summary:     "Process pool state",
		Tags:        []string{"Status"},
	}, h.getPool)

	huma.Register(api, huma.Operation{
		OperationID: "listBreakers",
		Method:      http.MethodGet,
		Path:        "/api/v1/breakers",
		Summary:     "Per-channel circuit breakers",
		Tags:        []string{"Status"},
	}, h.listBreakers)
}

func (h *statusHandler) getStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	out := &statusOutput{}
	out.Body.Version = h.version
	out.Body.UptimeSeconds = h.clk.Now().Sub(h.startedAt).Seconds()
	out.Body.Channels = map[string]int{}
	if h.manager != nil {
		for _, rt := range h.manager.Runtimes() {
			out.Body.Channels[rt.Status().String()]++
		}
	}
	if h.sessions != nil {
		out.Body.SessionsOpen = h.sessions.Stats().Open
	}
	if h.pool != nil {
		ps := h.pool.Stats()
		out.Body.PoolLive = ps.Live
		out.Body.PoolCapacity = ps.Capacity
	}
	return out, nil
}

func (h *statusHandler) listChannels(_ context.Context, _ *struct{}) (*channelsOutput, error) {
	out := &channelsOutput{}
	out.Body.Channels = []ChannelView{}
	if h.manager == nil {
		return out, nil
	}
	for _, rt := range h.manager.Runtimes() {
		out.Body.Channels = append(out.Body.Channels, channelView(rt))
	}
	return out, nil
}

func (h *statusHandler) getChannel(_ context.Context, in *channelInput) (*channelOutput, error) {
	if h.manager == nil {
		return nil, huma.Error404NotFound("unknown channel")
	}
	rt, ok := h.manager.Get(in.Number)
	if !ok {
		return nil, huma.Error404NotFound("unknown channel")
	}
	return &channelOutput{Body: channelView(rt)}, nil
}

func (h *statusHandler) listSessions(_ context.Context, _ *struct{}) (*sessionsOutput, error) {
	out := &sessionsOutput{}
	out.Body.Sessions = []session.Snapshot{}
	if h.sessions == nil {
		return out, nil
	}
	out.Body.Stats = h.sessions.Stats()
	if h.manager != nil {
		for _, rt := range h.manager.Runtimes() {
			out.Body.Sessions = append(out.Body.Sessions, h.sessions.ListByChannel(rt.Channel().Number)...)
		}
	}
	return out, nil
}

func (h *statusHandler) getPool(_ context.Context, _ *struct{}) (*poolOutput, error) {
	out := &poolOutput{}
	if h.pool != nil {
		out.Body = h.pool.Stats()
	}
	return out, nil
}

func (h *statusHandler) listBreakers(_ context.Context, _ *struct{}) (*breakersOutput, error) {
	out := &breakersOutput{}
	out.Body.Breakers = map[string]breaker.Stats{}
	if h.breakers != nil {
		out.Body.Breakers = h.breakers.AllStats()
	}
	return out, nil
}

func channelView(rt *runtime.Runtime) ChannelView {
	ch := rt.Channel()
	view := ChannelView{
		Number:      ch.Number,
		Name:        ch.Name,
		Status:      rt.Status().String(),
		Subscribers: rt.Subscribers(),
		Enabled:     ch.IsEnabled(),
		AlwaysOn:    ch.AlwaysOn,
	}
	onAir, kind := rt.OnAirNow()
	if !onAir.DeadAir && onAir.Item.Title != "" {
		view.OnAir = onAir.Item.Title
		view.OnAirKind = string(kind)
	}
	if err := rt.LastError(); err != nil {
		view.LastError = err.Error()
	}
	return view
}
