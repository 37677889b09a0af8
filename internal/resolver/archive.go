package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/exstreamtv/exstreamtv/internal/httpclient"
)

const defaultArchiveBaseURL = "https://archive.org"

// Download formats in preference order. Earlier entries need less work to
// stream; anything not listed is not considered playable.
var archiveFormatRank = []string{
	"h.264",
	"MPEG4",
	"512Kb MPEG4",
	"Matroska",
	"MPEG2",
	"WebM",
	"Ogg Video",
}

// archiveResolver serves Archive.org items. The handle is an identifier,
// optionally with an explicit filename ("identifier/file.mp4"); without one
// the best-ranked playable file in the item wins.
type archiveResolver struct {
	base   string
	client *httpclient.Client
}

func newArchiveResolver(cfg ArchiveConfig, log *slog.Logger) *archiveResolver {
	client := cfg.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Logger = log
		client = httpclient.New(hc)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultArchiveBaseURL
	}
	return &archiveResolver{
		base:   strings.TrimSuffix(base, "/"),
		client: client,
	}
}

type archiveMetadata struct {
	Files []archiveFile `json:"files"`
}

type archiveFile struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Length string `json:"length"`
}

func (a *archiveResolver) resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	identifier, filename, _ := strings.Cut(ref.Handle, "/")
	if identifier == "" {
		return nil, newError(KindNotFound, ref, fmt.Errorf("empty identifier"))
	}

	resp, err := a.client.Get(ctx, a.base+"/metadata/"+url.PathEscape(identifier))
	if err != nil {
		return nil, newError(KindUnreachable, ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(ref, resp.StatusCode)
	}

	var meta archiveMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, newError(KindUnreachable, ref, fmt.Errorf("decoding metadata: %w", err))
	}
	// The metadata endpoint answers 200 with an empty object for unknown
	// identifiers.
	if len(meta.Files) == 0 {
		return nil, newError(KindNotFound, ref, fmt.Errorf("item has no files"))
	}

	var file *archiveFile
	if filename != "" {
		for i := range meta.Files {
			if meta.Files[i].Name == filename {
				file = &meta.Files[i]
				break
			}
		}
		if file == nil {
			return nil, newError(KindNotFound, ref, fmt.Errorf("file %q not in item", filename))
		}
	} else {
		file = bestArchiveFile(meta.Files)
		if file == nil {
			return nil, newError(KindAmbiguous, ref, fmt.Errorf("no playable format in item"))
		}
	}

	duration := parseArchiveLength(file.Length)
	container := containerFromPath(file.Name)
	videoCodec := archiveFormatCodec(file.Format)
	return &ResolvedSource{
		PrimaryURI:          a.base + "/download/" + url.PathEscape(identifier) + "/" + escapePathSegments(file.Name),
		Kind:                ref.Kind,
		Duration:            duration,
		DurationKnown:       duration > 0,
		ContainerHint:       container,
		VideoCodecHint:      videoCodec,
		DirectPlayCandidate: videoCodec != "" && directPlayable(container, videoCodec, ""),
	}, nil
}

// archiveFormatCodec infers the video codec from the archive format label.
// Only h.264 maps cleanly; "MPEG4" on archive.org is usually MPEG-4 part 2.
func archiveFormatCodec(format string) string {
	if strings.EqualFold(format, "h.264") {
		return "h264"
	}
	return ""
}

func bestArchiveFile(files []archiveFile) *archiveFile {
	bestRank := len(archiveFormatRank)
	var best *archiveFile
	for i := range files {
		for rank, format := range archiveFormatRank {
			if strings.EqualFold(files[i].Format, format) && rank < bestRank {
				bestRank = rank
				best = &files[i]
			}
		}
	}
	return best
}

// parseArchiveLength reads the metadata length field, which is either
// seconds ("123.45") or a clock string ("1:23:45"). Zero when absent or
// unparseable.
func parseArchiveLength(s string) time.Duration {
	if s == "" {
		return 0
	}
	if !strings.Contains(s, ":") {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	parts := strings.Split(s, ":")
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		total = total*60 + v
	}
	return time.Duration(total * float64(time.Second))
}

// escapePathSegments escapes a filename that may itself contain slashes.
func escapePathSegments(name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
