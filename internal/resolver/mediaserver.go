package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/exstreamtv/exstreamtv/internal/httpclient"
	"github.com/exstreamtv/exstreamtv/internal/models"
)

// Emby report runtimes in 100ns ticks; Jellyfin kept the convention.
const runtimeTick = 100 * time.Nanosecond

// mediaServerResolver covers Jellyfin and Emby, which share the same item
// and streaming API apart from Emby's /emby path prefix. The handle is the
// item id; playback goes through the static stream endpoint, which serves
// the original container without transcoding.
type mediaServerResolver struct {
	kind   models.MediaKind
	base   string
	prefix string
	apiKey string
	client *httpclient.Client
	prefs  pickPrefs
}

func newMediaServerResolver(kind models.MediaKind, cfg MediaServerConfig, prefs pickPrefs, log *slog.Logger) *mediaServerResolver {
	client := cfg.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Logger = log
		client = httpclient.New(hc)
	}
	prefix := ""
	if kind == models.MediaKindEmby {
		prefix = "/emby"
	}
	return &mediaServerResolver{
		kind:   kind,
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		prefix: prefix,
		apiKey: cfg.APIKey,
		client: client,
		prefs:  prefs,
	}
}

type msItem struct {
	ID           string     `json:"Id"`
	Name         string     `json:"Name"`
	RunTimeTicks int64      `json:"RunTimeTicks"`
	MediaSources []msSource `json:"MediaSources"`
}

type msSource struct {
	Container            string     `json:"Container"`
	SupportsDirectStream bool       `json:"SupportsDirectStream"`
	MediaStreams         []msStream `json:"MediaStreams"`
}

type msStream struct {
	Index      int    `json:"Index"`
	Type       string `json:"Type"`
	Codec      string `json:"Codec"`
	Language   string `json:"Language"`
	IsDefault  bool   `json:"IsDefault"`
	IsForced   bool   `json:"IsForced"`
	IsExternal bool   `json:"IsExternal"`
	Channels   int    `json:"Channels"`
}

func (m *mediaServerResolver) resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	resp, err := m.client.Get(ctx, m.itemURL(ref.Handle))
	if err != nil {
		return nil, newError(KindUnreachable, ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(ref, resp.StatusCode)
	}

	var item msItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, newError(KindUnreachable, ref, fmt.Errorf("decoding item: %w", err))
	}
	if len(item.MediaSources) == 0 {
		return nil, newError(KindAmbiguous, ref, fmt.Errorf("item %q has no media sources", item.Name))
	}
	source := item.MediaSources[0]

	var videoCodec, audioCodec string
	streams := make([]streamInfo, 0, len(source.MediaStreams))
	for _, s := range source.MediaStreams {
		switch s.Type {
		case "Video":
			if videoCodec == "" {
				videoCodec = s.Codec
			}
		case "Audio":
			if audioCodec == "" {
				audioCodec = s.Codec
			}
			streams = append(streams, msToStreamInfo(s, streamAudio))
		case "Subtitle":
			streams = append(streams, msToStreamInfo(s, streamSubtitle))
		}
	}

	return &ResolvedSource{
		PrimaryURI:          m.streamURL(item.ID, ref.Handle),
		Kind:                ref.Kind,
		Duration:            time.Duration(item.RunTimeTicks) * runtimeTick,
		DurationKnown:       item.RunTimeTicks > 0,
		ContainerHint:       source.Container,
		VideoCodecHint:      videoCodec,
		AudioCodecHint:      audioCodec,
		SubtitlePick:        pickSubtitle(streams, m.prefs.language),
		AudioPick:           pickAudio(streams, m.prefs.language, m.prefs.targetChannels),
		DirectPlayCandidate: directPlayable(source.Container, videoCodec, audioCodec),
	}, nil
}

func msToStreamInfo(s msStream, t streamType) streamInfo {
	return streamInfo{
		Index:    s.Index,
		Type:     t,
		Codec:    s.Codec,
		Language: s.Language,
		Default:  s.IsDefault,
		Forced:   s.IsForced,
		External: s.IsExternal,
		Channels: s.Channels,
	}
}

func (m *mediaServerResolver) itemURL(id string) string {
	return m.base + m.prefix + "/Items/" + url.PathEscape(id) + "?api_key=" + url.QueryEscape(m.apiKey)
}

// streamURL prefers the id echoed back by the server; the handle is the
// fallback when the payload omits it.
func (m *mediaServerResolver) streamURL(id, handle string) string {
	if id == "" {
		id = handle
	}
	return m.base + m.prefix + "/Videos/" + url.PathEscape(id) + "/stream?static=true&api_key=" + url.QueryEscape(m.apiKey)
}
