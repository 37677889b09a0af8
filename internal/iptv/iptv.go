// Package iptv serves the IPTV boundary: the M3U playlist, the XMLTV guide,
// and raw MPEG-TS channel streams.
package iptv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/observability"
	"github.com/exstreamtv/exstreamtv/internal/playout"
	"github.com/exstreamtv/exstreamtv/internal/runtime"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/pkg/m3u"
	"github.com/exstreamtv/exstreamtv/pkg/xmltv"
)

// streamReadBuffer sizes the copy buffer between the hub subscriber and the
// HTTP response. A multiple of the TS packet size keeps writes aligned.
const streamReadBuffer = 64 * 188

// Directory lists the channels a boundary surface may advertise.
type Directory interface {
	GetEnabled(ctx context.Context) ([]*models.Channel, error)
}

// Streamer hands out live stream subscriptions and guide data. Implemented
// by runtime.Manager.
type Streamer interface {
	Subscribe(number int) (*runtime.Subscriber, *models.Channel, error)
	Programmes(ctx context.Context, number int, from time.Time, window time.Duration) ([]playout.Programme, error)
}

// Config holds the boundary settings the handlers render into URLs and the
// guide window.
type Config struct {
	// BaseURL overrides the advertised URL prefix. Empty derives it from
	// each request's Host header.
	BaseURL string

	// HoursAhead is the guide horizon.
	HoursAhead int
}

// Handler serves the IPTV endpoints.
type Handler struct {
	cfg      Config
	channels Directory
	streams  Streamer
	sessions *session.Manager
	clk      clock.Clock
	log      *slog.Logger
	metrics  *observability.Metrics
}

// NewHandler builds the IPTV boundary handler.
func NewHandler(cfg Config, channels Directory, streams Streamer, sessions *session.Manager, clk clock.Clock, log *slog.Logger, metrics *observability.Metrics) *Handler {
	if cfg.HoursAhead < 1 {
		cfg.HoursAhead = 24
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		channels: channels,
		streams:  streams,
		sessions: sessions,
		clk:      clk,
		log:      log.With(slog.String("component", "iptv")),
		metrics:  metrics,
	}
}

// Routes registers the IPTV endpoints on r. Mount under /iptv.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/channels.m3u", h.Playlist)
	r.Get("/xmltv.xml", h.Guide)
	r.Get("/channel/{number}.ts", h.Stream)
}

// Playlist renders the M3U playlist of every enabled IPTV channel.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.GetEnabled(r.Context())
	if err != nil {
		h.log.Error("listing channels for playlist", slog.String("error", err.Error()))
		http.Error(w, "channel lookup failed", http.StatusInternalServerError)
		return
	}

	base := h.base(r)
	w.Header().Set("Content-Type", "audio/x-mpegurl")

	mw := m3u.NewWriter(w)
	if err := mw.WriteHeader(); err != nil {
		return
	}
	for _, ch := range channels {
		if !ch.OnIPTV() {
			continue
		}
		entry := &m3u.Entry{
			TvgID:         ch.TvgID(),
			ChannelNumber: ch.Number,
			Name:          ch.Name,
			Logo:          ch.IconURL,
			GroupTitle:    ch.GroupTitle,
			URL:           fmt.Sprintf("%s/iptv/channel/%d.ts", base, ch.Number),
		}
		if err := mw.WriteEntry(entry); err != nil {
			return
		}
	}
}

// Guide renders the XMLTV guide for every enabled channel. Entries that
// fail validation (empty title, overlap with the previous entry) are
// suppressed and counted rather than emitted broken.
func (h *Handler) Guide(w http.ResponseWriter, r *http.Request) {
	start := h.clk.Now()
	defer func() {
		h.metrics.ObserveEPGGeneration(h.clk.Now().Sub(start))
	}()

	channels, err := h.channels.GetEnabled(r.Context())
	if err != nil {
		h.log.Error("listing channels for guide", slog.String("error", err.Error()))
		http.Error(w, "channel lookup failed", http.StatusInternalServerError)
		return
	}

	window := time.Duration(h.cfg.HoursAhead) * time.Hour
	now := h.clk.Now()

	w.Header().Set("Content-Type", "application/xml")

	xw := xmltv.NewWriter(w)
	for _, ch := range channels {
		if err := xw.WriteChannel(&xmltv.Channel{
			ID:          ch.TvgID(),
			DisplayName: ch.Name,
			Icon:        ch.IconURL,
		}); err != nil {
			return
		}
	}
	for _, ch := range channels {
		progs, err := h.streams.Programmes(r.Context(), ch.Number, now, window)
		if err != nil {
			h.log.Warn("guide lookup failed",
				slog.Int("channel", ch.Number),
				slog.String("error", err.Error()))
			continue
		}
		h.writeProgrammes(xw, ch, progs)
	}
	_ = xw.WriteFooter()
}

func (h *Handler) writeProgrammes(xw *xmltv.Writer, ch *models.Channel, progs []playout.Programme) {
	var lastStop time.Time
	for i := range progs {
		p := &progs[i]
		if p.Title == "" || (!lastStop.IsZero() && p.Start.Before(lastStop)) {
			h.metrics.IncEPGValidationError()
			h.log.Warn("suppressing invalid guide entry",
				slog.Int("channel", ch.Number),
				slog.Time("start", p.Start),
				slog.String("title", p.Title))
			continue
		}
		lastStop = p.Stop
		if err := xw.WriteProgramme(&xmltv.Programme{
			Channel:     ch.TvgID(),
			Start:       p.Start,
			Stop:        p.Stop,
			Title:       p.Title,
			Description: p.Description,
			EpisodeNum:  p.EpisodeNum,
		}); err != nil {
			return
		}
	}
}

// Stream serves one channel as a raw MPEG-TS stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return
	}
	h.ServeStream(w, r, number)
}

// ServeStream attaches the caller to a channel's live stream and copies
// until the client goes away or the channel stops. The HDHomeRun tuner
// endpoints reuse it. Once the header is written, errors end the stream
// silently; a mid-stream status code would corrupt the client's TS parse.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request, number int) {
	sub, ch, err := h.streams.Subscribe(number)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrChannelUnknown):
			http.Error(w, "unknown channel", http.StatusNotFound)
		case errors.Is(err, runtime.ErrHubClosed):
			http.Error(w, "channel not streaming", http.StatusServiceUnavailable)
		default:
			http.Error(w, "subscription failed", http.StatusServiceUnavailable)
		}
		return
	}
	defer sub.Close()

	snap, err := h.sessions.Open(ch, r.RemoteAddr, r.UserAgent())
	if err != nil {
		if errors.Is(err, session.ErrPerChannelCap) {
			http.Error(w, "channel at capacity", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "session rejected", http.StatusServiceUnavailable)
		return
	}

	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	h.log.Info("stream attached",
		slog.Int("channel", number),
		slog.String("session", snap.ID),
		slog.String("client", r.RemoteAddr))

	// Unblock the subscriber read when the client disconnects.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.Context().Done():
			sub.Close()
		case <-done:
		}
	}()

	reason := session.ReasonChannelStop
	buf := make([]byte, streamReadBuffer)
	for {
		n, err := sub.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				reason = session.ReasonClientGone
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			h.sessions.RecordBytes(snap.ID, n)
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Channel stopped or client context closed the subscriber.
				if r.Context().Err() != nil {
					reason = session.ReasonClientGone
				}
			case errors.Is(err, runtime.ErrSlowSubscriber):
				h.sessions.RecordError(snap.ID, err)
				reason = session.ReasonErrors
			default:
				h.sessions.RecordError(snap.ID, err)
				reason = session.ReasonErrors
			}
			break
		}
	}

	h.sessions.Close(snap.ID, reason)
	h.log.Info("stream detached",
		slog.Int("channel", number),
		slog.String("session", snap.ID),
		slog.Int64("bytes", sub.BytesSent()),
		slog.String("reason", string(reason)))
}

// base resolves the advertised URL prefix for this request.
func (h *Handler) base(r *http.Request) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
