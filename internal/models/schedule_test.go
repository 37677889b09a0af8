package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeekdayBit(t *testing.T) {
	assert.Equal(t, DaySunday, WeekdayBit(time.Sunday))
	assert.Equal(t, DayMonday, WeekdayBit(time.Monday))
	assert.Equal(t, DaySaturday, WeekdayBit(time.Saturday))
	assert.Equal(t, 64, DaySaturday)
}

func TestTimeSlot_ActiveOn(t *testing.T) {
	weekdays := DayMonday | DayTuesday | DayWednesday | DayThursday | DayFriday
	slot := TimeSlot{DaysOfWeekMask: weekdays}

	assert.True(t, slot.ActiveOn(time.Monday))
	assert.True(t, slot.ActiveOn(time.Friday))
	assert.False(t, slot.ActiveOn(time.Saturday))
	assert.False(t, slot.ActiveOn(time.Sunday))

	every := TimeSlot{DaysOfWeekMask: DayEveryDay}
	assert.True(t, every.ActiveOn(time.Sunday))
	assert.True(t, every.ActiveOn(time.Saturday))
}

func TestTimeSlot_Contains(t *testing.T) {
	tests := []struct {
		name     string
		slot     TimeSlot
		minute   int
		expected bool
	}{
		{"inside", TimeSlot{StartMinute: 600, DurationMinutes: 120}, 660, true},
		{"at start", TimeSlot{StartMinute: 600, DurationMinutes: 120}, 600, true},
		{"at end is exclusive", TimeSlot{StartMinute: 600, DurationMinutes: 120}, 720, false},
		{"before", TimeSlot{StartMinute: 600, DurationMinutes: 120}, 599, false},
		{"wrap before midnight", TimeSlot{StartMinute: 1380, DurationMinutes: 120}, 1400, true},
		{"wrap after midnight", TimeSlot{StartMinute: 1380, DurationMinutes: 120}, 30, true},
		{"wrap outside", TimeSlot{StartMinute: 1380, DurationMinutes: 120}, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.slot.Contains(tt.minute))
		})
	}
}

func TestTimeSlot_EffectiveModes(t *testing.T) {
	var empty TimeSlot
	assert.Equal(t, OrderModeOrdered, empty.Order())
	assert.Equal(t, PaddingModeNone, empty.Padding())
	assert.Equal(t, FlexModeNone, empty.Flex())

	set := TimeSlot{
		OrderMode:   OrderModeRandom,
		PaddingMode: PaddingModeNext,
		FlexMode:    FlexModeCompress,
	}
	assert.Equal(t, OrderModeRandom, set.Order())
	assert.Equal(t, PaddingModeNext, set.Padding())
	assert.Equal(t, FlexModeCompress, set.Flex())
}

func TestTimeSlot_Validate(t *testing.T) {
	valid := func() TimeSlot {
		return TimeSlot{
			StartMinute:     600,
			DurationMinutes: 120,
			CollectionID:    NewULID(),
			OrderMode:       OrderModeShuffle,
			PaddingMode:     PaddingModeFiller,
			FlexMode:        FlexModeNone,
			DaysOfWeekMask:  DayEveryDay,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*TimeSlot)
		wantErr error
	}{
		{"valid", func(s *TimeSlot) {}, nil},
		{"negative start", func(s *TimeSlot) { s.StartMinute = -1 }, ErrInvalidSlotStart},
		{"start past day", func(s *TimeSlot) { s.StartMinute = 1440 }, ErrInvalidSlotStart},
		{"zero duration", func(s *TimeSlot) { s.DurationMinutes = 0 }, ErrInvalidSlotDuration},
		{"missing collection", func(s *TimeSlot) { s.CollectionID = ULID{} }, ErrCollectionIDRequired},
		{"bad order mode", func(s *TimeSlot) { s.OrderMode = "alphabetical" }, ErrInvalidOrderMode},
		{"bad padding mode", func(s *TimeSlot) { s.PaddingMode = "repeat" }, ErrInvalidPaddingMode},
		{"bad flex mode", func(s *TimeSlot) { s.FlexMode = "stretch" }, ErrInvalidFlexMode},
		{"unset modes are valid", func(s *TimeSlot) {
			s.OrderMode = ""
			s.PaddingMode = ""
			s.FlexMode = ""
		}, nil},
		{"zero days mask", func(s *TimeSlot) { s.DaysOfWeekMask = 0 }, ErrInvalidDaysMask},
		{"days mask overflow", func(s *TimeSlot) { s.DaysOfWeekMask = 128 }, ErrInvalidDaysMask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBalanceSource_Validate(t *testing.T) {
	valid := BalanceSource{CollectionID: NewULID(), Weight: 2.5}
	assert.NoError(t, valid.Validate())

	missing := BalanceSource{Weight: 1}
	assert.ErrorIs(t, missing.Validate(), ErrCollectionIDRequired)

	zeroWeight := BalanceSource{CollectionID: NewULID()}
	assert.ErrorIs(t, zeroWeight.Validate(), ErrInvalidWeight)
}

func TestProgramSchedule_Validate(t *testing.T) {
	channelID := NewULID()
	slot := TimeSlot{
		StartMinute:     0,
		DurationMinutes: 60,
		CollectionID:    NewULID(),
		OrderMode:       OrderModeOrdered,
		PaddingMode:     PaddingModeNone,
		FlexMode:        FlexModeNone,
		DaysOfWeekMask:  DayEveryDay,
	}

	tests := []struct {
		name     string
		schedule ProgramSchedule
		wantErr  error
	}{
		{
			name:     "valid ordered",
			schedule: ProgramSchedule{ChannelID: channelID, Strategy: StrategyOrdered},
			wantErr:  nil,
		},
		{
			name: "valid timeslot",
			schedule: ProgramSchedule{
				ChannelID: channelID,
				Strategy:  StrategyTimeSlot,
				Slots:     []TimeSlot{slot},
			},
			wantErr: nil,
		},
		{
			name: "valid balance",
			schedule: ProgramSchedule{
				ChannelID:      channelID,
				Strategy:       StrategyBalance,
				BalanceSources: []BalanceSource{{CollectionID: NewULID(), Weight: 1}},
			},
			wantErr: nil,
		},
		{
			name:     "missing channel",
			schedule: ProgramSchedule{Strategy: StrategyOrdered},
			wantErr:  ErrChannelIDRequired,
		},
		{
			name:     "bad strategy",
			schedule: ProgramSchedule{ChannelID: channelID, Strategy: "roundrobin"},
			wantErr:  ErrInvalidStrategy,
		},
		{
			name:     "timeslot without slots",
			schedule: ProgramSchedule{ChannelID: channelID, Strategy: StrategyTimeSlot},
			wantErr:  ErrSlotsRequired,
		},
		{
			name:     "balance without sources",
			schedule: ProgramSchedule{ChannelID: channelID, Strategy: StrategyBalance},
			wantErr:  ErrBalanceSourcesRequired,
		},
		{
			name: "invalid slot rejected",
			schedule: ProgramSchedule{
				ChannelID: channelID,
				Strategy:  StrategyTimeSlot,
				Slots:     []TimeSlot{{StartMinute: 0, DurationMinutes: 0}},
			},
			wantErr: ErrInvalidSlotDuration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduleItem_Validate(t *testing.T) {
	valid := func() ScheduleItem {
		return ScheduleItem{
			ScheduleID:  NewULID(),
			MediaItemID: NewULID(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ScheduleItem)
		wantErr error
	}{
		{"valid", func(i *ScheduleItem) {}, nil},
		{"valid clip range", func(i *ScheduleItem) { i.InPointSeconds = 10; i.OutPointSeconds = 90 }, nil},
		{"missing schedule", func(i *ScheduleItem) { i.ScheduleID = ULID{} }, ErrScheduleIDRequired},
		{"missing media", func(i *ScheduleItem) { i.MediaItemID = ULID{} }, ErrMediaItemIDRequired},
		{"negative in point", func(i *ScheduleItem) { i.InPointSeconds = -1 }, ErrInvalidDuration},
		{"out before in", func(i *ScheduleItem) { i.InPointSeconds = 90; i.OutPointSeconds = 10 }, ErrInvalidClipRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := valid()
			tt.mutate(&item)
			err := item.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProgramSchedule_SlotsSurviveJSONColumn(t *testing.T) {
	// Slots and balance sources ride in serializer:json columns, so their
	// JSON tags are part of the storage contract.
	ps := ProgramSchedule{
		ChannelID: NewULID(),
		Strategy:  StrategyTimeSlot,
		Slots: []TimeSlot{{
			StartMinute:     1380,
			DurationMinutes: 120,
			CollectionID:    NewULID(),
			OrderMode:       OrderModeShuffle,
			PaddingMode:     PaddingModeLoop,
			FlexMode:        FlexModeExtend,
			DaysOfWeekMask:  DaySaturday | DaySunday,
		}},
	}
	require.NoError(t, ps.Validate())
	assert.True(t, ps.Slots[0].ActiveOn(time.Saturday))
	assert.True(t, ps.Slots[0].Contains(30))
}
