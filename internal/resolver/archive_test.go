package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

const archiveItemFixture = `{
	"files": [
		{"name": "night_of_the_living_dead_meta.xml", "format": "Metadata"},
		{"name": "night_of_the_living_dead.ogv", "format": "Ogg Video", "length": "5715"},
		{"name": "night_of_the_living_dead.mp4", "format": "h.264", "length": "1:35:15"}
	]
}`

func newTestArchiveResolver(t *testing.T, handler http.HandlerFunc) *archiveResolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newArchiveResolver(ArchiveConfig{
		BaseURL: srv.URL,
		Client:  testHTTPClient(),
	}, newTestLogger())
}

func TestArchiveResolveBestFormat(t *testing.T) {
	var gotPath string
	a := newTestArchiveResolver(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(archiveItemFixture))
	})

	src, err := a.resolve(context.Background(), MediaRef{Kind: models.MediaKindArchiveOrg, Handle: "night_of_the_living_dead"})
	require.NoError(t, err)

	assert.Equal(t, "/metadata/night_of_the_living_dead", gotPath)
	assert.Equal(t, a.base+"/download/night_of_the_living_dead/night_of_the_living_dead.mp4", src.PrimaryURI,
		"h.264 outranks Ogg Video")
	assert.Equal(t, 95*time.Minute+15*time.Second, src.Duration)
	assert.True(t, src.DurationKnown)
	assert.Equal(t, "mp4", src.ContainerHint)
	assert.Equal(t, "h264", src.VideoCodecHint)
	assert.True(t, src.DirectPlayCandidate)
}

func TestArchiveResolveExplicitFile(t *testing.T) {
	a := newTestArchiveResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(archiveItemFixture))
	})

	src, err := a.resolve(context.Background(), MediaRef{
		Kind:   models.MediaKindArchiveOrg,
		Handle: "night_of_the_living_dead/night_of_the_living_dead.ogv",
	})
	require.NoError(t, err)
	assert.Equal(t, a.base+"/download/night_of_the_living_dead/night_of_the_living_dead.ogv", src.PrimaryURI)
	assert.Equal(t, 5715*time.Second, src.Duration)

	_, err = a.resolve(context.Background(), MediaRef{
		Kind:   models.MediaKindArchiveOrg,
		Handle: "night_of_the_living_dead/missing.mp4",
	})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestArchiveResolveErrors(t *testing.T) {
	t.Run("unknown identifier answers empty object", func(t *testing.T) {
		a := newTestArchiveResolver(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		_, err := a.resolve(context.Background(), MediaRef{Kind: models.MediaKindArchiveOrg, Handle: "nope"})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("no playable format", func(t *testing.T) {
		a := newTestArchiveResolver(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"files": [{"name": "m.xml", "format": "Metadata"}]}`))
		})
		_, err := a.resolve(context.Background(), MediaRef{Kind: models.MediaKindArchiveOrg, Handle: "textonly"})
		assert.Equal(t, KindAmbiguous, KindOf(err))
	})

	t.Run("empty identifier", func(t *testing.T) {
		a := newTestArchiveResolver(t, func(w http.ResponseWriter, _ *http.Request) {
			t.Error("no request expected")
		})
		_, err := a.resolve(context.Background(), MediaRef{Kind: models.MediaKindArchiveOrg, Handle: ""})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("server error", func(t *testing.T) {
		a := newTestArchiveResolver(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := a.resolve(context.Background(), MediaRef{Kind: models.MediaKindArchiveOrg, Handle: "broken"})
		assert.Equal(t, KindUnreachable, KindOf(err))
	})
}

func TestParseArchiveLength(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"95.5", 95*time.Second + 500*time.Millisecond},
		{"5715", 5715 * time.Second},
		{"1:35:15", 95*time.Minute + 15*time.Second},
		{"02:15", 135 * time.Second},
		{"", 0},
		{"abc", 0},
		{"1:xx", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseArchiveLength(tc.in), "length %q", tc.in)
	}
}

func TestEscapePathSegments(t *testing.T) {
	assert.Equal(t, "disc1/track%2001.mp4", escapePathSegments("disc1/track 01.mp4"))
	assert.Equal(t, "plain.mp4", escapePathSegments("plain.mp4"))
}
