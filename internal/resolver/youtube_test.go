package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

type fakeRunner struct {
	out []byte
	err error

	name        string
	args        []string
	hadDeadline bool
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	_, f.hadDeadline = ctx.Deadline()
	return f.out, f.err
}

func newTestYouTubeResolver(runner *fakeRunner) *youtubeResolver {
	return newYouTubeResolver(YouTubeConfig{Runner: runner})
}

func TestYouTubeResolve(t *testing.T) {
	runner := &fakeRunner{out: []byte("https://cdn.example.com/videoplayback?id=42\n")}
	y := newTestYouTubeResolver(runner)

	src, err := y.resolve(context.Background(), MediaRef{Kind: models.MediaKindYouTube, Handle: "dQw4w9WgXcQ"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/videoplayback?id=42", src.PrimaryURI)
	assert.Equal(t, models.MediaKindYouTube, src.Kind)
	assert.False(t, src.DurationKnown, "the URL lookup carries no runtime")

	assert.Equal(t, "yt-dlp", runner.name)
	assert.Equal(t, []string{"--no-warnings", "--no-playlist", "-f", "best", "-g", "dQw4w9WgXcQ"}, runner.args)
	assert.True(t, runner.hadDeadline, "helper invocations must be bounded")
}

func TestYouTubeResolveCustomHelper(t *testing.T) {
	runner := &fakeRunner{out: []byte("https://cdn.example.com/v\n")}
	y := newYouTubeResolver(YouTubeConfig{HelperPath: "/opt/yt/yt-dlp", Runner: runner})

	_, err := y.resolve(context.Background(), MediaRef{Kind: models.MediaKindYouTube, Handle: "x"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/yt/yt-dlp", runner.name)
}

func TestYouTubeResolveURLCount(t *testing.T) {
	t.Run("no URL", func(t *testing.T) {
		y := newTestYouTubeResolver(&fakeRunner{out: []byte("\n\n")})
		_, err := y.resolve(context.Background(), MediaRef{Kind: models.MediaKindYouTube, Handle: "x"})
		assert.Equal(t, KindAmbiguous, KindOf(err))
	})

	t.Run("separate video and audio URLs", func(t *testing.T) {
		y := newTestYouTubeResolver(&fakeRunner{
			out: []byte("https://cdn.example.com/video\nhttps://cdn.example.com/audio\n"),
		})
		_, err := y.resolve(context.Background(), MediaRef{Kind: models.MediaKindYouTube, Handle: "x"})
		assert.Equal(t, KindAmbiguous, KindOf(err))
	})
}

func TestYouTubeErrorClassification(t *testing.T) {
	cases := []struct {
		stderr string
		kind   ResolveErrorKind
	}{
		{"ERROR: Video unavailable", KindNotFound},
		{"ERROR: This video is not available in your country", KindNotFound},
		{"ERROR: HTTP Error 404: Not Found", KindNotFound},
		{"ERROR: Sign in to confirm your age", KindAuthExpired},
		{"ERROR: Private video", KindAuthExpired},
		{"ERROR: This video is age-restricted", KindAuthExpired},
		{"ERROR: Unable to download webpage: timed out", KindUnreachable},
		{"exit status 1", KindUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.stderr, func(t *testing.T) {
			y := newTestYouTubeResolver(&fakeRunner{err: errors.New(tc.stderr)})
			_, err := y.resolve(context.Background(), MediaRef{Kind: models.MediaKindYouTube, Handle: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}
