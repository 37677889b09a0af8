package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

func TestLocalResolve(t *testing.T) {
	dir := t.TempDir()
	mkv := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(mkv, []byte("x"), 0o644))
	ts := filepath.Join(dir, "capture.ts")
	require.NoError(t, os.WriteFile(ts, []byte("x"), 0o644))

	var r localResolver

	t.Run("existing file", func(t *testing.T) {
		src, err := r.resolve(context.Background(), MediaRef{Kind: models.MediaKindLocalFile, Handle: mkv})
		require.NoError(t, err)
		assert.Equal(t, mkv, src.PrimaryURI)
		assert.Equal(t, "matroska", src.ContainerHint)
		assert.False(t, src.DirectPlayCandidate)
		assert.False(t, src.DurationKnown)
	})

	t.Run("transport stream is a direct play candidate", func(t *testing.T) {
		src, err := r.resolve(context.Background(), MediaRef{Kind: models.MediaKindLocalFile, Handle: ts})
		require.NoError(t, err)
		assert.Equal(t, "mpegts", src.ContainerHint)
		assert.True(t, src.DirectPlayCandidate)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := r.resolve(context.Background(), MediaRef{Kind: models.MediaKindLocalFile, Handle: filepath.Join(dir, "gone.mkv")})
		require.Error(t, err)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("directory handle", func(t *testing.T) {
		_, err := r.resolve(context.Background(), MediaRef{Kind: models.MediaKindLocalFile, Handle: dir})
		require.Error(t, err)
		assert.Equal(t, KindAmbiguous, KindOf(err))
	})
}

func TestContainerFromPath(t *testing.T) {
	assert.Equal(t, "matroska", containerFromPath("/media/a.MKV"))
	assert.Equal(t, "mp4", containerFromPath("/media/b.m4v"))
	assert.Equal(t, "mpegts", containerFromPath("/media/c.m2ts"))
	assert.Equal(t, "", containerFromPath("/media/unknown.bin"))
	assert.Equal(t, "", containerFromPath("noext"))
}
