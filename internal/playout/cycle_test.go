package playout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

func mediaItem(title string, durationSeconds float64) *models.MediaItem {
	return &models.MediaItem{
		BaseModel:       models.BaseModel{ID: models.NewULID()},
		Kind:            models.MediaKindLocalFile,
		Title:           title,
		Handle:          "/media/" + title + ".mkv",
		DurationSeconds: durationSeconds,
	}
}

func TestFromScheduleItems(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("trims in point from known duration", func(t *testing.T) {
		entries := []models.ScheduleItem{{
			MediaItem:      mediaItem("movie", 120),
			InPointSeconds: 10,
		}}
		items := FromScheduleItems(entries, now)
		require.Len(t, items, 1)
		assert.Equal(t, 110*time.Second, items[0].Duration)
		assert.Equal(t, 10*time.Second, items[0].InPoint)
	})

	t.Run("out point wins over media duration", func(t *testing.T) {
		entries := []models.ScheduleItem{{
			MediaItem:       mediaItem("movie", 7200),
			InPointSeconds:  10,
			OutPointSeconds: 40,
		}}
		items := FromScheduleItems(entries, now)
		require.Len(t, items, 1)
		assert.Equal(t, 30*time.Second, items[0].Duration)
	})

	t.Run("unknown runtime falls back to the default", func(t *testing.T) {
		entries := []models.ScheduleItem{{MediaItem: mediaItem("mystery", 0)}}
		items := FromScheduleItems(entries, now)
		require.Len(t, items, 1)
		assert.Equal(t, DefaultItemDuration, items[0].Duration)
	})

	t.Run("drops unusable and unloaded media", func(t *testing.T) {
		until := now.Add(time.Hour)
		bad := mediaItem("broken", 60)
		bad.UnusableUntil = &until
		entries := []models.ScheduleItem{
			{MediaItem: bad},
			{MediaItem: nil},
			{MediaItem: mediaItem("good", 60)},
		}
		items := FromScheduleItems(entries, now)
		require.Len(t, items, 1)
		assert.Equal(t, "good", items[0].Title)
	})

	t.Run("copies guide and codec fields", func(t *testing.T) {
		mi := mediaItem("show", 1800)
		mi.Description = "a synopsis"
		mi.EpisodeNum = "1.3."
		mi.DirectPlay = true
		mi.ContainerHint = "mpegts"
		mi.VideoCodecHint = "h264"
		mi.AudioCodecHint = "aac"
		entries := []models.ScheduleItem{{
			MediaItem:      mi,
			MediaItemID:    mi.ID,
			MultiPartGroup: "show-s01e03",
			FillerKind:     models.FillerKindPreRoll,
		}}
		items := FromScheduleItems(entries, now)
		require.Len(t, items, 1)
		it := items[0]
		assert.Equal(t, mi.ID, it.MediaItemID)
		assert.Equal(t, "a synopsis", it.Description)
		assert.Equal(t, "1.3.", it.EpisodeNum)
		assert.True(t, it.DirectPlay)
		assert.Equal(t, "mpegts", it.ContainerHint)
		assert.Equal(t, "h264", it.VideoCodecHint)
		assert.Equal(t, "aac", it.AudioCodecHint)
		assert.Equal(t, "show-s01e03", it.MultiPartGroup)
		assert.True(t, it.IsFiller())
	})
}

func flatItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Title: string(rune('a' + i)), Duration: 10 * time.Minute}
	}
	return items
}

func isPermutation(t *testing.T, order []int, n int) {
	t.Helper()
	require.Len(t, order, n)
	seen := make(map[int]bool, n)
	for _, idx := range order {
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, n)
		require.False(t, seen[idx], "index %d appears twice", idx)
		seen[idx] = true
	}
}

func TestBuildOrder(t *testing.T) {
	t.Run("no shuffle is stored order", func(t *testing.T) {
		order := buildOrder(flatItems(5), true, false, 42)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("same seed reproduces the permutation", func(t *testing.T) {
		base := flatItems(8)
		first := buildOrder(base, true, true, 1234)
		second := buildOrder(base, true, true, 1234)
		assert.Equal(t, first, second)
		isPermutation(t, first, 8)
	})

	t.Run("seeds produce distinct permutations", func(t *testing.T) {
		base := flatItems(8)
		distinct := make(map[string]bool)
		for seed := int64(0); seed < 20; seed++ {
			order := buildOrder(base, true, true, seed)
			isPermutation(t, order, 8)
			key := ""
			for _, idx := range order {
				key += string(rune('0' + idx))
			}
			distinct[key] = true
		}
		assert.Greater(t, len(distinct), 1)
	})

	t.Run("multi part groups stay contiguous under shuffle", func(t *testing.T) {
		base := flatItems(8)
		base[2].MultiPartGroup = "ep"
		base[3].MultiPartGroup = "ep"
		base[4].MultiPartGroup = "ep"
		for seed := int64(0); seed < 50; seed++ {
			order := buildOrder(base, true, true, seed)
			isPermutation(t, order, 8)
			at := -1
			for pos, idx := range order {
				if idx == 2 {
					at = pos
					break
				}
			}
			require.NotEqual(t, -1, at)
			require.Less(t, at+2, len(order))
			assert.Equal(t, []int{2, 3, 4}, order[at:at+3], "seed %d split the group", seed)
		}
	})

	t.Run("groups shuffle independently when not kept", func(t *testing.T) {
		base := flatItems(8)
		base[2].MultiPartGroup = "ep"
		base[3].MultiPartGroup = "ep"
		split := false
		for seed := int64(0); seed < 50 && !split; seed++ {
			order := buildOrder(base, false, true, seed)
			isPermutation(t, order, 8)
			for pos, idx := range order {
				if idx == 2 && (pos+1 >= len(order) || order[pos+1] != 3) {
					split = true
				}
			}
		}
		assert.True(t, split, "50 seeds never separated the pair")
	})
}

func TestUnitStart(t *testing.T) {
	base := flatItems(5)
	base[1].MultiPartGroup = "g"
	base[2].MultiPartGroup = "g"
	base[3].MultiPartGroup = "g"
	order := []int{0, 1, 2, 3, 4}

	assert.Equal(t, 0, unitStart(base, order, 0))
	assert.Equal(t, 1, unitStart(base, order, 1))
	assert.Equal(t, 1, unitStart(base, order, 2))
	assert.Equal(t, 1, unitStart(base, order, 3))
	assert.Equal(t, 4, unitStart(base, order, 4))
}

func TestCycleSeed(t *testing.T) {
	id := models.NewULID()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, cycleSeed(id, at), cycleSeed(id, at))
	assert.NotEqual(t, cycleSeed(id, at), cycleSeed(id, at.Add(time.Second)))
	assert.NotEqual(t, cycleSeed(id, at), cycleSeed(models.NewULID(), at))
}
