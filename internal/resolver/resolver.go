// Package resolver turns media items into concrete playable sources. Each
// source kind (local file, Plex, Jellyfin, Emby, Archive.org, YouTube) has
// its own resolver behind one front door that validates the ref, caches
// short-lived results, deduplicates concurrent lookups and classifies
// failures so callers can tell a missing item from an expired credential.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/httpclient"
	"github.com/exstreamtv/exstreamtv/internal/models"
)

// DefaultCacheTTL bounds how long a resolved source is reused. Provider
// URLs are short-lived; five minutes stays comfortably inside their
// validity window.
const DefaultCacheTTL = 5 * time.Minute

// MediaRef names one playable thing: a source kind plus the opaque handle
// the provider understands. The streaming core never interprets handles.
type MediaRef struct {
	Kind   models.MediaKind
	Handle string
}

func (r MediaRef) key() string {
	return string(r.Kind) + ":" + r.Handle
}

// StreamPick identifies one elementary stream chosen for playback.
type StreamPick struct {
	// Index is the stream index within the container.
	Index int

	Codec    string
	Language string
	Forced   bool

	// External marks sidecar streams (e.g. an .srt next to the file).
	External bool

	// Downmix is set on audio picks whose channel count exceeds the
	// configured target layout.
	Downmix bool
}

// ResolvedSource is the playable form of a media ref.
type ResolvedSource struct {
	// PrimaryURI is what ffmpeg opens: a filesystem path or an HTTP URL.
	PrimaryURI string

	Kind models.MediaKind

	// Duration is the provider-reported runtime; valid when DurationKnown.
	Duration      time.Duration
	DurationKnown bool

	ContainerHint  string
	VideoCodecHint string
	AudioCodecHint string

	SubtitlePick *StreamPick
	AudioPick    *StreamPick

	// DirectPlayCandidate marks sources whose streams can be copied into
	// MPEG-TS without re-encoding.
	DirectPlayCandidate bool
}

// ResolveErrorKind classifies why a resolution failed.
type ResolveErrorKind string

const (
	// KindNotFound means the provider does not know the handle.
	KindNotFound ResolveErrorKind = "not_found"
	// KindAuthExpired means the provider rejected our credentials.
	KindAuthExpired ResolveErrorKind = "auth_expired"
	// KindUnreachable means the provider could not be reached or answered
	// with a server error.
	KindUnreachable ResolveErrorKind = "unreachable"
	// KindAmbiguous means the provider answered but no single playable
	// source could be chosen.
	KindAmbiguous ResolveErrorKind = "ambiguous"
)

// ResolveError is the classified failure returned by Resolve.
type ResolveError struct {
	Kind ResolveErrorKind
	Ref  MediaRef
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving %s %q (%s): %v", e.Ref.Kind, e.Ref.Handle, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolving %s %q: %s", e.Ref.Kind, e.Ref.Handle, e.Kind)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// KindOf extracts the classification from a resolve error, or empty when
// err is not a ResolveError.
func KindOf(err error) ResolveErrorKind {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func newError(kind ResolveErrorKind, ref MediaRef, err error) *ResolveError {
	return &ResolveError{Kind: kind, Ref: ref, Err: err}
}

// classifyStatus maps a provider HTTP status to a resolve error. 401/403
// mean our credentials are stale, 404 means the item is gone, anything else
// unexpected counts as the provider being broken.
func classifyStatus(ref MediaRef, status int) *ResolveError {
	err := fmt.Errorf("provider returned status %d", status)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return newError(KindAuthExpired, ref, err)
	case http.StatusNotFound:
		return newError(KindNotFound, ref, err)
	default:
		return newError(KindUnreachable, ref, err)
	}
}

// kindResolver resolves one source kind.
type kindResolver interface {
	resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error)
}

// pickPrefs carries the stream selection preferences shared by the
// provider resolvers.
type pickPrefs struct {
	language       string
	targetChannels int
}

// PlexConfig carries Plex connectivity settings. An empty BaseURL leaves
// the kind unregistered.
type PlexConfig struct {
	BaseURL string
	Token   string

	// Client overrides the provider HTTP client, mainly for tests.
	Client *httpclient.Client
}

// MediaServerConfig carries Jellyfin or Emby connectivity settings.
type MediaServerConfig struct {
	BaseURL string
	APIKey  string
	Client  *httpclient.Client
}

// ArchiveConfig carries Archive.org settings. BaseURL defaults to the
// public service.
type ArchiveConfig struct {
	BaseURL string
	Client  *httpclient.Client
}

// YouTubeConfig names the metadata helper binary used for YouTube
// resolution. The helper is the only process executed outside the pool; it
// is a short-lived metadata lookup, not a transcoder.
type YouTubeConfig struct {
	HelperPath string
	Timeout    time.Duration
	Runner     CommandRunner
}

// Config holds resolver settings.
type Config struct {
	// CacheTTL bounds reuse of resolved sources. Defaults to
	// DefaultCacheTTL.
	CacheTTL time.Duration

	// PreferredLanguage is the ISO language preferred for subtitle and
	// audio picks. Defaults to "eng".
	PreferredLanguage string

	// TargetAudioChannels is the playback layout; audio picks above it
	// request a downmix. Zero disables downmixing. Defaults to 2.
	TargetAudioChannels int

	Plex     PlexConfig
	Jellyfin MediaServerConfig
	Emby     MediaServerConfig
	Archive  ArchiveConfig
	YouTube  YouTubeConfig

	Clock  clock.Clock
	Logger *slog.Logger
}

// Resolver is the front door over the per-kind resolvers.
type Resolver struct {
	kinds map[models.MediaKind]kindResolver
	ttl   time.Duration
	clk   clock.Clock
	log   *slog.Logger

	flight singleflight.Group

	mu        sync.Mutex
	cache     map[string]cacheEntry
	lastSweep time.Time
}

type cacheEntry struct {
	src     ResolvedSource
	expires time.Time
}

// New creates a resolver. Provider kinds with no base URL configured stay
// unregistered and resolve to an unreachable error.
func New(cfg Config) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.PreferredLanguage == "" {
		cfg.PreferredLanguage = "eng"
	}
	if cfg.TargetAudioChannels == 0 {
		cfg.TargetAudioChannels = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With(slog.String("component", "resolver"))
	prefs := pickPrefs{language: cfg.PreferredLanguage, targetChannels: cfg.TargetAudioChannels}

	kinds := map[models.MediaKind]kindResolver{
		models.MediaKindLocalFile: localResolver{},
	}
	if cfg.Plex.BaseURL != "" {
		kinds[models.MediaKindPlex] = newPlexResolver(cfg.Plex, prefs, log)
	}
	if cfg.Jellyfin.BaseURL != "" {
		kinds[models.MediaKindJellyfin] = newMediaServerResolver(models.MediaKindJellyfin, cfg.Jellyfin, prefs, log)
	}
	if cfg.Emby.BaseURL != "" {
		kinds[models.MediaKindEmby] = newMediaServerResolver(models.MediaKindEmby, cfg.Emby, prefs, log)
	}
	kinds[models.MediaKindArchiveOrg] = newArchiveResolver(cfg.Archive, log)
	kinds[models.MediaKindYouTube] = newYouTubeResolver(cfg.YouTube)

	return &Resolver{
		kinds: kinds,
		ttl:   cfg.CacheTTL,
		clk:   cfg.Clock,
		log:   log,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns the playable source for a ref, from cache when fresh.
// Concurrent calls for the same ref share one provider lookup, and a lookup
// that comes back with expired credentials is retried exactly once before
// the failure is reported.
func (r *Resolver) Resolve(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	kr, ok := r.kinds[ref.Kind]
	if !ok {
		if !models.ValidMediaKind(ref.Kind) {
			return nil, newError(KindAmbiguous, ref, fmt.Errorf("unknown source kind"))
		}
		return nil, newError(KindUnreachable, ref, fmt.Errorf("provider not configured"))
	}
	if src, ok := r.cached(ref); ok {
		return src, nil
	}
	v, err, _ := r.flight.Do(ref.key(), func() (any, error) {
		src, err := kr.resolve(ctx, ref)
		if err != nil && KindOf(err) == KindAuthExpired {
			r.log.Warn("credentials rejected, retrying resolution once",
				slog.String("kind", string(ref.Kind)),
				slog.String("handle", ref.Handle))
			src, err = kr.resolve(ctx, ref)
		}
		if err != nil {
			return nil, err
		}
		r.store(ref, src)
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	src := *v.(*ResolvedSource)
	return &src, nil
}

// Refresh drops any cached result for the ref and resolves it again.
// Playback retries use it when a previously resolved URL stops working.
func (r *Resolver) Refresh(ctx context.Context, ref MediaRef) (*ResolvedSource, error) {
	r.Invalidate(ref)
	return r.Resolve(ctx, ref)
}

// Invalidate drops any cached result for the ref.
func (r *Resolver) Invalidate(ref MediaRef) {
	r.mu.Lock()
	delete(r.cache, ref.key())
	r.mu.Unlock()
}

func (r *Resolver) cached(ref MediaRef) (*ResolvedSource, bool) {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	e, ok := r.cache[ref.key()]
	if !ok {
		return nil, false
	}
	if now.After(e.expires) {
		delete(r.cache, ref.key())
		return nil, false
	}
	src := e.src
	return &src, true
}

func (r *Resolver) store(ref MediaRef, src *ResolvedSource) {
	now := r.clk.Now()
	r.mu.Lock()
	r.cache[ref.key()] = cacheEntry{src: *src, expires: now.Add(r.ttl)}
	r.mu.Unlock()
}

// sweepLocked drops expired entries. It runs at most once per TTL so a busy
// cache does not rescan itself on every read.
func (r *Resolver) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.ttl {
		return
	}
	for key, e := range r.cache {
		if now.After(e.expires) {
			delete(r.cache, key)
		}
	}
	r.lastSweep = now
}
