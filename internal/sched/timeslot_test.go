package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

func newTimeSlotStrategy(t *testing.T, slots []models.TimeSlot, filler *models.ULID, collections map[models.ULID][]*models.MediaItem) *TimeSlotStrategy {
	t.Helper()
	reader := &fakeReader{collections: collections}
	states := newTestStore(t, repository.NewFakePickerStateRepository())
	return NewTimeSlot(slots, filler, reader, states)
}

func TestTimeSlot_PicksFromActiveSlot(t *testing.T) {
	ctx := context.Background()
	morningColl := models.NewULID()
	afternoonColl := models.NewULID()
	strategy := newTimeSlotStrategy(t, []models.TimeSlot{
		{StartMinute: 480, DurationMinutes: 240, CollectionID: morningColl, DaysOfWeekMask: models.DayEveryDay},
		{StartMinute: 720, DurationMinutes: 360, CollectionID: afternoonColl, DaysOfWeekMask: models.DayEveryDay},
	}, nil, map[models.ULID][]*models.MediaItem{
		morningColl:   {collItem("cartoon", 25)},
		afternoonColl: {collItem("matinee", 90)},
	})

	pick, err := strategy.PickNext(ctx, pickEpoch.Add(-3*time.Hour)) // 09:00
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "cartoon", pick.Item.Title)
	require.NotNil(t, pick.Slot)
	assert.Equal(t, morningColl, pick.Slot.CollectionID)
	assert.True(t, pick.BoundaryAt.Equal(pickEpoch), "boundary should be the slot end, got %s", pick.BoundaryAt)

	// Noon is the first minute of the afternoon slot, not the last of the
	// morning one.
	pick, err = strategy.PickNext(ctx, pickEpoch)
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "matinee", pick.Item.Title)
	assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(6*time.Hour)))
}

func TestTimeSlot_DayMaskGovernsActivity(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()
	strategy := newTimeSlotStrategy(t, []models.TimeSlot{
		{StartMinute: 480, DurationMinutes: 120, CollectionID: collID, DaysOfWeekMask: models.DaySunday},
	}, nil, map[models.ULID][]*models.MediaItem{
		collID: {collItem("service", 120)},
	})

	// Saturday 09:00 is inside the slot's minutes but not its days: dead
	// air until the Sunday occurrence.
	pick, err := strategy.PickNext(ctx, pickEpoch.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.True(t, pick.DeadAir())
	sunday8 := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	assert.True(t, pick.BoundaryAt.Equal(sunday8), "expected boundary %s, got %s", sunday8, pick.BoundaryAt)

	pick, err = strategy.PickNext(ctx, sunday8.Add(30*time.Minute))
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "service", pick.Item.Title)
}

func TestTimeSlot_MidnightWrapChecksStartDay(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()
	strategy := newTimeSlotStrategy(t, []models.TimeSlot{
		// Saturdays 23:00 to 01:00.
		{StartMinute: 1380, DurationMinutes: 120, CollectionID: collID, DaysOfWeekMask: models.DaySaturday},
	}, nil, map[models.ULID][]*models.MediaItem{
		collID: {collItem("late-show", 110)},
	})

	// Sunday 00:30 belongs to the occurrence that started Saturday.
	pick, err := strategy.PickNext(ctx, time.Date(2024, 6, 2, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "late-show", pick.Item.Title)
	assert.True(t, pick.BoundaryAt.Equal(time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)))

	// Sunday 23:30 matches the minutes but would be a Sunday occurrence,
	// which the mask rules out. The next occurrence is a week off.
	pick, err = strategy.PickNext(ctx, time.Date(2024, 6, 2, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, pick.DeadAir())
	nextSat := time.Date(2024, 6, 8, 23, 0, 0, 0, time.UTC)
	assert.True(t, pick.BoundaryAt.Equal(nextSat), "expected boundary %s, got %s", nextSat, pick.BoundaryAt)
}

func TestTimeSlot_GapFillerPadding(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()
	fillerColl := models.NewULID()
	collections := map[models.ULID][]*models.MediaItem{
		collID:     {collItem("feature", 55)},
		fillerColl: {collItem("bumper", 2)},
	}
	slots := []models.TimeSlot{
		{StartMinute: 840, DurationMinutes: 60, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeFiller},
	}

	t.Run("filler configured", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, slots, &fillerColl, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch) // noon, slot starts 14:00
		require.NoError(t, err)
		require.False(t, pick.DeadAir())
		assert.Equal(t, "bumper", pick.Item.Title)
		assert.Equal(t, models.FillerKindFallback, pick.FillerKind)
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(2*time.Hour)))
	})

	t.Run("no filler collection", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, slots, nil, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch)
		require.NoError(t, err)
		assert.True(t, pick.DeadAir())
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(2*time.Hour)))
	})
}

func TestTimeSlot_GapNextStartsEarly(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()
	strategy := newTimeSlotStrategy(t, []models.TimeSlot{
		{StartMinute: 840, DurationMinutes: 60, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeNext},
	}, nil, map[models.ULID][]*models.MediaItem{
		collID: {collItem("news", 30)},
	})

	pick, err := strategy.PickNext(ctx, pickEpoch) // noon, slot starts 14:00
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "news", pick.Item.Title)
	// Starting early does not shift the scheduled end.
	assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(3*time.Hour)))
}

func TestTimeSlot_GapLoopRewindsCursor(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()
	reader := &fakeReader{collections: map[models.ULID][]*models.MediaItem{
		collID: {collItem("a", 10), collItem("b", 10), collItem("c", 10)},
	}}
	states := newTestStore(t, repository.NewFakePickerStateRepository())
	for i := 0; i < 2; i++ {
		_, err := states.PickCollection(ctx, reader, collID, models.OrderModeOrdered, pickEpoch.Add(time.Duration(i-60)*time.Minute), 0)
		require.NoError(t, err)
	}

	strategy := NewTimeSlot([]models.TimeSlot{
		{StartMinute: 840, DurationMinutes: 60, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeLoop},
	}, nil, reader, states)

	pick, err := strategy.PickNext(ctx, pickEpoch)
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "a", pick.Item.Title, "loop padding replays from the top")
	assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(3*time.Hour)))
}

func TestTimeSlot_EmptySlotFallsToPadding(t *testing.T) {
	ctx := context.Background()
	emptyColl := models.NewULID()
	nextColl := models.NewULID()
	fillerColl := models.NewULID()
	collections := map[models.ULID][]*models.MediaItem{
		nextColl:   {collItem("backup", 45)},
		fillerColl: {collItem("bumper", 2)},
	}

	t.Run("none means dead air to slot end", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 720, DurationMinutes: 60, CollectionID: emptyColl, DaysOfWeekMask: models.DayEveryDay},
		}, nil, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.True(t, pick.DeadAir())
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(time.Hour)))
	})

	t.Run("filler fills the remainder", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 720, DurationMinutes: 60, CollectionID: emptyColl, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeFiller},
		}, &fillerColl, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(30*time.Minute))
		require.NoError(t, err)
		require.False(t, pick.DeadAir())
		assert.Equal(t, "bumper", pick.Item.Title)
		assert.Equal(t, models.FillerKindFallback, pick.FillerKind)
	})

	t.Run("next hops to the following slot", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 720, DurationMinutes: 60, CollectionID: emptyColl, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeNext},
			{StartMinute: 780, DurationMinutes: 60, CollectionID: nextColl, DaysOfWeekMask: models.DayEveryDay},
		}, nil, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(30*time.Minute))
		require.NoError(t, err)
		require.False(t, pick.DeadAir())
		assert.Equal(t, "backup", pick.Item.Title)
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(2*time.Hour)))
	})

	t.Run("loop on an empty collection stays dead", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 720, DurationMinutes: 60, CollectionID: emptyColl, DaysOfWeekMask: models.DayEveryDay, PaddingMode: models.PaddingModeLoop},
		}, nil, collections)
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.True(t, pick.DeadAir())
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch.Add(time.Hour)))
	})
}

func TestTimeSlot_OverlapMostRecentStartWins(t *testing.T) {
	ctx := context.Background()
	baseColl := models.NewULID()
	overlayColl := models.NewULID()
	strategy := newTimeSlotStrategy(t, []models.TimeSlot{
		{StartMinute: 480, DurationMinutes: 480, CollectionID: baseColl, DaysOfWeekMask: models.DayEveryDay},
		{StartMinute: 720, DurationMinutes: 240, CollectionID: overlayColl, DaysOfWeekMask: models.DayEveryDay},
	}, nil, map[models.ULID][]*models.MediaItem{
		baseColl:    {collItem("base", 30)},
		overlayColl: {collItem("overlay", 30)},
	})

	pick, err := strategy.PickNext(ctx, pickEpoch.Add(time.Hour)) // 13:00
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "overlay", pick.Item.Title)

	pick, err = strategy.PickNext(ctx, pickEpoch.Add(-2*time.Hour)) // 10:00
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "base", pick.Item.Title)
}

func TestTimeSlot_CompressPicksWhatFits(t *testing.T) {
	ctx := context.Background()
	collID := models.NewULID()

	t.Run("fitting item chosen", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 660, DurationMinutes: 60, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay, FlexMode: models.FlexModeCompress},
		}, nil, map[models.ULID][]*models.MediaItem{
			collID: {collItem("long", 45), collItem("short", 8)},
		})
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(-10*time.Minute)) // 11:50
		require.NoError(t, err)
		require.False(t, pick.DeadAir())
		assert.Equal(t, "short", pick.Item.Title)
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch))
	})

	t.Run("nothing fits falls to padding", func(t *testing.T) {
		strategy := newTimeSlotStrategy(t, []models.TimeSlot{
			{StartMinute: 660, DurationMinutes: 60, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay, FlexMode: models.FlexModeCompress},
		}, nil, map[models.ULID][]*models.MediaItem{
			collID: {collItem("long", 45)},
		})
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(-10*time.Minute))
		require.NoError(t, err)
		assert.True(t, pick.DeadAir())
		assert.True(t, pick.BoundaryAt.Equal(pickEpoch))
	})
}

func TestTimeSlot_CursorSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewFakePickerStateRepository()
	channelID := models.NewULID()
	collID := models.NewULID()
	reader := &fakeReader{collections: map[models.ULID][]*models.MediaItem{
		collID: {collItem("a", 10), collItem("b", 10), collItem("c", 10)},
	}}
	slots := []models.TimeSlot{
		{StartMinute: 720, DurationMinutes: 360, CollectionID: collID, DaysOfWeekMask: models.DayEveryDay},
	}

	states := NewStateStore(channelID, repo, newTestLogger())
	require.NoError(t, states.Load(ctx))
	strategy := NewTimeSlot(slots, nil, reader, states)
	for i, want := range []string{"a", "b"} {
		pick, err := strategy.PickNext(ctx, pickEpoch.Add(time.Duration(i*10)*time.Minute))
		require.NoError(t, err)
		require.False(t, pick.DeadAir())
		assert.Equal(t, want, pick.Item.Title)
	}

	restarted := NewStateStore(channelID, repo, newTestLogger())
	require.NoError(t, restarted.Load(ctx))
	strategy = NewTimeSlot(slots, nil, reader, restarted)
	pick, err := strategy.PickNext(ctx, pickEpoch.Add(20*time.Minute))
	require.NoError(t, err)
	require.False(t, pick.DeadAir())
	assert.Equal(t, "c", pick.Item.Title)
}

func TestTimeSlot_NoSlots(t *testing.T) {
	strategy := newTimeSlotStrategy(t, nil, nil, nil)
	pick, err := strategy.PickNext(context.Background(), pickEpoch)
	require.NoError(t, err)
	assert.True(t, pick.DeadAir())
	assert.True(t, pick.BoundaryAt.IsZero())
}
