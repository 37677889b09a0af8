package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidMediaKind(t *testing.T) {
	for _, k := range []MediaKind{
		MediaKindLocalFile, MediaKindPlex, MediaKindJellyfin,
		MediaKindEmby, MediaKindArchiveOrg, MediaKindYouTube,
	} {
		assert.True(t, ValidMediaKind(k), string(k))
	}
	assert.False(t, ValidMediaKind("dvd"))
	assert.False(t, ValidMediaKind(""))
}

func TestMediaItem_Validate(t *testing.T) {
	valid := func() MediaItem {
		return MediaItem{
			Kind:            MediaKindLocalFile,
			Handle:          "/media/movies/film.mkv",
			DurationSeconds: 5400,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*MediaItem)
		wantErr error
	}{
		{"valid", func(m *MediaItem) {}, nil},
		{"unknown duration allowed", func(m *MediaItem) { m.DurationSeconds = 0 }, nil},
		{"missing handle", func(m *MediaItem) { m.Handle = " " }, ErrHandleRequired},
		{"bad kind", func(m *MediaItem) { m.Kind = "vhs" }, ErrInvalidMediaKind},
		{"negative duration", func(m *MediaItem) { m.DurationSeconds = -1 }, ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMediaItem_Usable(t *testing.T) {
	now := time.Now()

	m := MediaItem{}
	assert.True(t, m.Usable(now), "no marker means usable")

	m.MarkUnusable(now.Add(time.Hour))
	assert.False(t, m.Usable(now))
	assert.True(t, m.Usable(now.Add(2*time.Hour)), "usable again once the window passes")
	assert.True(t, m.Usable(now.Add(time.Hour)), "boundary is inclusive")
}

func TestMediaItem_Duration(t *testing.T) {
	m := MediaItem{DurationSeconds: 90.5}
	assert.Equal(t, 90*time.Second+500*time.Millisecond, m.Duration())
}

func TestMediaCollection_Validate(t *testing.T) {
	valid := MediaCollection{Name: "Cartoons"}
	assert.NoError(t, valid.Validate())

	empty := MediaCollection{Name: "   "}
	assert.ErrorIs(t, empty.Validate(), ErrNameRequired)
}

func TestPlayoutAnchor_Validate(t *testing.T) {
	valid := PlayoutAnchor{ChannelID: NewULID()}
	assert.NoError(t, valid.Validate())

	missing := PlayoutAnchor{}
	assert.ErrorIs(t, missing.Validate(), ErrChannelIDRequired)
}

func TestLeaseRecord_MarkReleased(t *testing.T) {
	r := LeaseRecord{
		ChannelID:  NewULID(),
		PID:        4242,
		AcquiredAt: Now(),
	}
	require.NoError(t, r.Validate())
	assert.Nil(t, r.ReleasedAt)

	code := 0
	at := Now()
	r.MarkReleased(at, &code, "long_run")

	require.NotNil(t, r.ReleasedAt)
	assert.Equal(t, at, *r.ReleasedAt)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 0, *r.ExitCode)
	assert.Equal(t, "long_run", r.RevokeReason)
}

func TestSessionAudit_Validate(t *testing.T) {
	valid := SessionAudit{SessionID: "3c9edbcf-0a52-4dc8-8e5c-1ba76e9d6c2f", ChannelID: NewULID()}
	assert.NoError(t, valid.Validate())

	assert.ErrorIs(t, (&SessionAudit{ChannelID: NewULID()}).Validate(), ErrSessionIDRequired)
	assert.ErrorIs(t, (&SessionAudit{SessionID: "x"}).Validate(), ErrChannelIDRequired)
}
