package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/models"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// stubKind is a scriptable kindResolver. fn receives the 1-based call
// number so tests can change behaviour between calls.
type stubKind struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*ResolvedSource, error)

	entered chan struct{}
	release chan struct{}
}

func (s *stubKind) resolve(_ context.Context, _ MediaRef) (*ResolvedSource, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fn(n)
}

func (s *stubKind) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newStubbedResolver(clk clock.Clock, ttl time.Duration, stub kindResolver) *Resolver {
	return &Resolver{
		kinds: map[models.MediaKind]kindResolver{models.MediaKindLocalFile: stub},
		ttl:   ttl,
		clk:   clk,
		log:   newTestLogger(),
		cache: make(map[string]cacheEntry),
	}
}

var stubRef = MediaRef{Kind: models.MediaKindLocalFile, Handle: "/media/item.mkv"}

func TestResolveCachesWithinTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubKind{fn: func(call int) (*ResolvedSource, error) {
		return &ResolvedSource{PrimaryURI: fmt.Sprintf("uri-%d", call)}, nil
	}}
	r := newStubbedResolver(clk, 5*time.Minute, stub)

	src, err := r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-1", src.PrimaryURI)

	clk.Advance(4 * time.Minute)
	src, err = r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-1", src.PrimaryURI, "fresh entry should be served from cache")
	assert.Equal(t, 1, stub.callCount())

	clk.Advance(2 * time.Minute)
	src, err = r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-2", src.PrimaryURI, "expired entry should be resolved again")
	assert.Equal(t, 2, stub.callCount())
}

func TestResolveReturnsCopies(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubKind{fn: func(int) (*ResolvedSource, error) {
		return &ResolvedSource{PrimaryURI: "original"}, nil
	}}
	r := newStubbedResolver(clk, 5*time.Minute, stub)

	first, err := r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	first.PrimaryURI = "mutated"

	second, err := r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "original", second.PrimaryURI, "callers must not share cache memory")
}

func TestInvalidateAndRefresh(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubKind{fn: func(call int) (*ResolvedSource, error) {
		return &ResolvedSource{PrimaryURI: fmt.Sprintf("uri-%d", call)}, nil
	}}
	r := newStubbedResolver(clk, 5*time.Minute, stub)

	src, err := r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-1", src.PrimaryURI)

	r.Invalidate(stubRef)
	src, err = r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-2", src.PrimaryURI)

	src, err = r.Refresh(context.Background(), stubRef)
	require.NoError(t, err)
	assert.Equal(t, "uri-3", src.PrimaryURI, "Refresh must bypass the fresh cache entry")
}

func TestAuthExpiredRetriesExactlyOnce(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	t.Run("second attempt recovers", func(t *testing.T) {
		stub := &stubKind{fn: func(call int) (*ResolvedSource, error) {
			if call == 1 {
				return nil, newError(KindAuthExpired, stubRef, errors.New("token rejected"))
			}
			return &ResolvedSource{PrimaryURI: "recovered"}, nil
		}}
		r := newStubbedResolver(clk, 5*time.Minute, stub)

		src, err := r.Resolve(context.Background(), stubRef)
		require.NoError(t, err)
		assert.Equal(t, "recovered", src.PrimaryURI)
		assert.Equal(t, 2, stub.callCount())
	})

	t.Run("persistent failure reported after one retry", func(t *testing.T) {
		stub := &stubKind{fn: func(int) (*ResolvedSource, error) {
			return nil, newError(KindAuthExpired, stubRef, errors.New("token rejected"))
		}}
		r := newStubbedResolver(clk, 5*time.Minute, stub)

		_, err := r.Resolve(context.Background(), stubRef)
		require.Error(t, err)
		assert.Equal(t, KindAuthExpired, KindOf(err))
		assert.Equal(t, 2, stub.callCount())
	})

	t.Run("other failures are not retried", func(t *testing.T) {
		stub := &stubKind{fn: func(int) (*ResolvedSource, error) {
			return nil, newError(KindNotFound, stubRef, errors.New("gone"))
		}}
		r := newStubbedResolver(clk, 5*time.Minute, stub)

		_, err := r.Resolve(context.Background(), stubRef)
		require.Error(t, err)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Equal(t, 1, stub.callCount())
	})
}

func TestConcurrentResolvesShareOneLookup(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubKind{
		fn: func(int) (*ResolvedSource, error) {
			return &ResolvedSource{PrimaryURI: "shared"}, nil
		},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r := newStubbedResolver(clk, 5*time.Minute, stub)

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			src, err := r.Resolve(context.Background(), stubRef)
			if err != nil {
				results <- err.Error()
				return
			}
			results <- src.PrimaryURI
		}()
	}

	// First caller is inside the provider lookup; give the second caller
	// time to join the flight before letting the lookup finish.
	<-stub.entered
	time.Sleep(100 * time.Millisecond)
	close(stub.release)

	assert.Equal(t, "shared", <-results)
	assert.Equal(t, "shared", <-results)
	assert.Equal(t, 1, stub.callCount(), "concurrent callers should share one lookup")
}

func TestResolveUnknownKind(t *testing.T) {
	r := New(Config{Logger: newTestLogger()})

	_, err := r.Resolve(context.Background(), MediaRef{Kind: "betamax", Handle: "x"})
	require.Error(t, err)
	assert.Equal(t, KindAmbiguous, KindOf(err))
}

func TestResolveUnconfiguredProvider(t *testing.T) {
	r := New(Config{Logger: newTestLogger()})

	_, err := r.Resolve(context.Background(), MediaRef{Kind: models.MediaKindPlex, Handle: "42"})
	require.Error(t, err)
	assert.Equal(t, KindUnreachable, KindOf(err))
	assert.Contains(t, err.Error(), "provider not configured")
}

func TestNewRegistersConfiguredKinds(t *testing.T) {
	r := New(Config{Logger: newTestLogger()})
	assert.Contains(t, r.kinds, models.MediaKindLocalFile)
	assert.Contains(t, r.kinds, models.MediaKindArchiveOrg)
	assert.Contains(t, r.kinds, models.MediaKindYouTube)
	assert.NotContains(t, r.kinds, models.MediaKindPlex)
	assert.NotContains(t, r.kinds, models.MediaKindJellyfin)
	assert.NotContains(t, r.kinds, models.MediaKindEmby)

	r = New(Config{
		Logger:   newTestLogger(),
		Plex:     PlexConfig{BaseURL: "http://plex.local:32400", Token: "t"},
		Jellyfin: MediaServerConfig{BaseURL: "http://jf.local:8096", APIKey: "k"},
		Emby:     MediaServerConfig{BaseURL: "http://emby.local:8096", APIKey: "k"},
	})
	assert.Contains(t, r.kinds, models.MediaKindPlex)
	assert.Contains(t, r.kinds, models.MediaKindJellyfin)
	assert.Contains(t, r.kinds, models.MediaKindEmby)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stub := &stubKind{fn: func(int) (*ResolvedSource, error) {
		return &ResolvedSource{PrimaryURI: "u"}, nil
	}}
	r := newStubbedResolver(clk, 5*time.Minute, stub)

	refB := MediaRef{Kind: models.MediaKindLocalFile, Handle: "/media/other.mkv"}
	_, err := r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), refB)
	require.NoError(t, err)
	assert.Len(t, r.cache, 2)

	// Reading one key past the TTL sweeps the whole map, including the
	// entry that was never asked for again.
	clk.Advance(6 * time.Minute)
	_, err = r.Resolve(context.Background(), stubRef)
	require.NoError(t, err)
	assert.NotContains(t, r.cache, refB.key())
}

func TestKindOf(t *testing.T) {
	err := newError(KindNotFound, stubRef, errors.New("gone"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("resolving item: %w", err)))
	assert.Equal(t, ResolveErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ResolveErrorKind(""), KindOf(nil))
}

func TestResolveErrorMessage(t *testing.T) {
	err := newError(KindAuthExpired, MediaRef{Kind: models.MediaKindPlex, Handle: "42"}, errors.New("status 401"))
	assert.Equal(t, `resolving plex "42" (auth_expired): status 401`, err.Error())

	bare := &ResolveError{Kind: KindNotFound, Ref: MediaRef{Kind: models.MediaKindPlex, Handle: "42"}}
	assert.Equal(t, `resolving plex "42": not_found`, bare.Error())
}
