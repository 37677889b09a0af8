// Package hdhr emulates an HDHomeRun tuner so DVR clients can discover the
// server and pull channel streams without IPTV support.
package hdhr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/models"
)

// Directory lists the channels the lineup may advertise.
type Directory interface {
	GetEnabled(ctx context.Context) ([]*models.Channel, error)
}

// TunerStreamer serves a channel stream onto an HTTP response. The IPTV
// handler provides the implementation; both surfaces share one session and
// delivery path.
type TunerStreamer interface {
	ServeStream(w http.ResponseWriter, r *http.Request, number int)
}

// Handler serves the HDHomeRun emulation endpoints.
type Handler struct {
	cfg      config.HDHomeRunConfig
	baseURL  string
	channels Directory
	streams  TunerStreamer
	log      *slog.Logger
}

// NewHandler builds the tuner emulation handler. baseURL may be empty, in
// which case advertised URLs are derived per request.
func NewHandler(cfg config.HDHomeRunConfig, baseURL string, channels Directory, streams TunerStreamer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		baseURL:  baseURL,
		channels: channels,
		streams:  streams,
		log:      log.With(slog.String("component", "hdhr")),
	}
}

// Routes registers the tuner endpoints at the router root. HDHomeRun
// clients expect these paths without any prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/discover.json", h.Discover)
	r.Get("/hdhomerun/discover.json", h.Discover)
	r.Get("/lineup.json", h.Lineup)
	r.Get("/lineup_status.json", h.LineupStatus)
	r.Post("/lineup.post", h.LineupPost)
	r.Get("/tuner{tuner:[0-9]+}/stream", h.TunerStream)
}

// discoverResponse is the device description HDHomeRun clients poll for.
type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// lineupEntry is one channel in the lineup scan result.
type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// lineupStatus is static: the lineup is always complete and never scanning.
type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// Discover handles /discover.json and /hdhomerun/discover.json.
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	base := h.base(r)
	resp := discoverResponse{
		FriendlyName:    h.cfg.FriendlyName,
		ModelNumber:     h.cfg.ModelNumber,
		FirmwareName:    h.cfg.FirmwareName,
		FirmwareVersion: h.cfg.FirmwareVersion,
		DeviceID:        h.cfg.DeviceID,
		DeviceAuth:      h.cfg.EffectiveDeviceAuth(),
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      h.cfg.TunerCount,
	}
	writeJSON(w, resp)
}

// Lineup handles /lineup.json.
func (h *Handler) Lineup(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.GetEnabled(r.Context())
	if err != nil {
		h.log.Error("listing channels for lineup", slog.String("error", err.Error()))
		http.Error(w, "channel lookup failed", http.StatusInternalServerError)
		return
	}

	base := h.base(r)
	lineup := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		if !ch.OnHDHomeRun() {
			continue
		}
		lineup = append(lineup, lineupEntry{
			GuideNumber: ch.GuideNumber(),
			GuideName:   ch.Name,
			URL:         fmt.Sprintf("%s/iptv/channel/%d.ts", base, ch.Number),
		})
	}
	writeJSON(w, lineup)
}

// LineupStatus handles /lineup_status.json.
func (h *Handler) LineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

// LineupPost acknowledges scan requests. The lineup is virtual, so there is
// nothing to do.
func (h *Handler) LineupPost(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// TunerStream handles /tuner{N}/stream?channel=auto:v<number>. Clients that
// resolved the lineup URL themselves pass it back with ?url= instead.
func (h *Handler) TunerStream(w http.ResponseWriter, r *http.Request) {
	tuner, err := strconv.Atoi(chi.URLParam(r, "tuner"))
	if err != nil || tuner < 0 || tuner >= h.cfg.TunerCount {
		http.Error(w, "tuner out of range", http.StatusServiceUnavailable)
		return
	}

	number, err := h.channelNumber(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("tuner stream request",
		slog.Int("tuner", tuner),
		slog.Int("channel", number),
		slog.String("client", r.RemoteAddr))

	h.streams.ServeStream(w, r, number)
}

// channelNumber extracts the target channel from the request query.
func (h *Handler) channelNumber(r *http.Request) (int, error) {
	if spec := r.URL.Query().Get("channel"); spec != "" {
		// Forms: auto:v12, v12, or a bare number.
		s := strings.TrimPrefix(spec, "auto:")
		s = strings.TrimPrefix(s, "v")
		number, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unsupported channel spec %q", spec)
		}
		return number, nil
	}

	if raw := r.URL.Query().Get("url"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return 0, fmt.Errorf("unparseable stream url")
		}
		path := strings.TrimSuffix(u.Path, ".ts")
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			return 0, fmt.Errorf("unsupported stream url")
		}
		number, err := strconv.Atoi(path[idx+1:])
		if err != nil {
			return 0, fmt.Errorf("unsupported stream url")
		}
		return number, nil
	}

	return 0, fmt.Errorf("missing channel parameter")
}

func (h *Handler) base(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
