package resolver

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/httpclient"
)

// Plex stream types in the metadata XML.
const (
	plexStreamVideo    = 1
	plexStreamAudio    = 2
	plexStreamSubtitle = 3
)

// plexResolver resolves Plex rating keys through the library metadata API.
// The handle is the item's rating key; playback goes through the part key
// returned in the container.
type plexResolver struct {
	base   string
	token  string
	client *httpclient.Client
	prefs  pickPrefs
}

func newPlexResolver(cfg PlexConfig, prefs pickPrefs, log *slog.Logger) *plexResolver {
	client := cfg.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Logger = log
		client = httpclient.New(hc)
	}
	return &plexResolver{
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: client,
		prefs:  prefs,
	}
}

type plexMediaContainer struct {
	Videos []plexVideo `xml:"Video"`
}

type plexVideo struct {
	RatingKey string      `xml:"ratingKey,attr"`
	Title     string      `xml:"title,attr"`
	Media     []plexMedia `xml:"Media"`
}

type plexMedia struct {
	DurationMs    int64      `xml:"duration,attr"`
	Container     string     `xml:"container,attr"`
	VideoCodec    string     `xml:"videoCodec,attr"`
	AudioCodec    string     `xml:"audioCodec,attr"`
	AudioChannels int        `xml:"audioChannels,attr"`
	Parts         []plexPart `xml:"Part"`
}

type plexPart struct {
	Key       string       `xml:"key,attr"`
	Container string       `xml:"container,attr"`
	Streams   []plexStream `xml:"Stream"`
}

type plexStream struct {
	Index      int    `xml:"index,attr"`
	StreamType int    `xml:"streamType,attr"`
	Codec      string `xml:"codec,attr"`
	Format     string `xml:"format,attr"`
	Language   string `xml:"languageCode,attr"`
	Default    bool   `xml:"default,attr"`
	Forced     bool   `xml:"forced,attr"`
	Key        string `xml:"key,attr"`
	Channels   int    `xml:"channels,attr"`
}

func (p *plexResolver) resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	resp, err := p.client.Get(ctx, p.metadataURL(ref.Handle))
	if err != nil {
		return nil, newError(KindUnreachable, ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(ref, resp.StatusCode)
	}

	var mc plexMediaContainer
	if err := xml.NewDecoder(resp.Body).Decode(&mc); err != nil {
		return nil, newError(KindUnreachable, ref, fmt.Errorf("decoding metadata: %w", err))
	}
	switch {
	case len(mc.Videos) == 0:
		return nil, newError(KindNotFound, ref, fmt.Errorf("empty media container"))
	case len(mc.Videos) > 1:
		return nil, newError(KindAmbiguous, ref, fmt.Errorf("%d items for one rating key", len(mc.Videos)))
	}
	video := mc.Videos[0]
	if len(video.Media) == 0 || len(video.Media[0].Parts) == 0 {
		return nil, newError(KindAmbiguous, ref, fmt.Errorf("item %q has no playable part", video.Title))
	}
	media := video.Media[0]
	part := media.Parts[0]

	streams := make([]streamInfo, 0, len(part.Streams))
	for _, s := range part.Streams {
		info := streamInfo{
			Index:    s.Index,
			Codec:    s.Codec,
			Language: s.Language,
			Default:  s.Default,
			Forced:   s.Forced,
			External: s.Key != "",
			Channels: s.Channels,
		}
		switch s.StreamType {
		case plexStreamAudio:
			info.Type = streamAudio
		case plexStreamSubtitle:
			info.Type = streamSubtitle
			if info.Codec == "" {
				info.Codec = s.Format
			}
		default:
			continue
		}
		streams = append(streams, info)
	}

	return &ResolvedSource{
		PrimaryURI:          p.partURL(part.Key),
		Kind:                ref.Kind,
		Duration:            time.Duration(media.DurationMs) * time.Millisecond,
		DurationKnown:       media.DurationMs > 0,
		ContainerHint:       firstNonEmpty(part.Container, media.Container),
		VideoCodecHint:      media.VideoCodec,
		AudioCodecHint:      media.AudioCodec,
		SubtitlePick:        pickSubtitle(streams, p.prefs.language),
		AudioPick:           pickAudio(streams, p.prefs.language, p.prefs.targetChannels),
		DirectPlayCandidate: directPlayable(firstNonEmpty(part.Container, media.Container), media.VideoCodec, media.AudioCodec),
	}, nil
}

func (p *plexResolver) metadataURL(ratingKey string) string {
	q := url.Values{}
	if p.token != "" {
		q.Set("X-Plex-Token", p.token)
	}
	return p.base + "/library/metadata/" + url.PathEscape(ratingKey) + "?" + q.Encode()
}

// partURL turns a part key from the container into an absolute stream URL.
func (p *plexResolver) partURL(key string) string {
	u := p.base + key
	if p.token == "" {
		return u
	}
	sep := "?"
	if strings.Contains(key, "?") {
		sep = "&"
	}
	return u + sep + "X-Plex-Token=" + url.QueryEscape(p.token)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
