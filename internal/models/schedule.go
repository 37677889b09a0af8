package models

import (
	"time"

	"gorm.io/gorm"
)

// StrategyKind selects how a channel's playout cycle is assembled.
type StrategyKind string

const (
	// StrategyOrdered plays the schedule items in stored order, subject to
	// the shuffle and random-start flags.
	StrategyOrdered StrategyKind = "ordered"
	// StrategyTimeSlot picks items from the collection bound to the active
	// time slot.
	StrategyTimeSlot StrategyKind = "timeslot"
	// StrategyBalance picks items from weighted content sources with
	// cooldown and consecutive-pick constraints.
	StrategyBalance StrategyKind = "balance"
)

// OrderMode controls item ordering within a time slot.
type OrderMode string

const (
	// OrderModeOrdered plays the collection in its stored order.
	OrderModeOrdered OrderMode = "ordered"
	// OrderModeShuffle plays a reproducible per-cycle permutation.
	OrderModeShuffle OrderMode = "shuffle"
	// OrderModeRandom picks independently at random on each selection.
	OrderModeRandom OrderMode = "random"
)

// PaddingMode controls what fills the remainder of a slot when its content
// runs short.
type PaddingMode string

const (
	// PaddingModeNone leaves the gap unfilled; the runtime falls back to
	// the error screen for dead air.
	PaddingModeNone PaddingMode = "none"
	// PaddingModeFiller fills the gap from the channel's filler collection.
	PaddingModeFiller PaddingMode = "filler"
	// PaddingModeLoop replays the slot content from the beginning.
	PaddingModeLoop PaddingMode = "loop"
	// PaddingModeNext starts the next slot early.
	PaddingModeNext PaddingMode = "next"
)

// FlexMode controls what happens to an item that straddles a slot boundary.
type FlexMode string

const (
	// FlexModeNone cuts the current item at the slot boundary.
	FlexModeNone FlexMode = "none"
	// FlexModeExtend lets the item overflow and compresses later slots.
	FlexModeExtend FlexMode = "extend"
	// FlexModeCompress skips items so the slot content fits. A multi-part
	// group is never skipped mid-way.
	FlexModeCompress FlexMode = "compress"
)

// Days-of-week mask bits. Sunday is bit 0 to match the wire value 1.
const (
	DaySunday    = 1 << 0
	DayMonday    = 1 << 1
	DayTuesday   = 1 << 2
	DayWednesday = 1 << 3
	DayThursday  = 1 << 4
	DayFriday    = 1 << 5
	DaySaturday  = 1 << 6
	DayEveryDay  = 127
)

// WeekdayBit returns the mask bit for a time.Weekday.
func WeekdayBit(d time.Weekday) int {
	return 1 << int(d)
}

// FillerKind classifies a schedule item's role in the lineup.
type FillerKind string

const (
	// FillerKindNone marks regular program content.
	FillerKindNone FillerKind = ""
	// FillerKindPreRoll marks filler inserted before an item.
	FillerKindPreRoll FillerKind = "preroll"
	// FillerKindMidRoll marks filler inserted between items.
	FillerKindMidRoll FillerKind = "midroll"
	// FillerKindPostRoll marks filler inserted after an item.
	FillerKindPostRoll FillerKind = "postroll"
	// FillerKindFallback marks padding chosen to fill a slot remainder.
	FillerKindFallback FillerKind = "fallback"
)

// TimeSlot describes one recurring window of a timeslot schedule. Slots are
// stored as a JSON column on the schedule row.
type TimeSlot struct {
	// StartMinute is minutes after local midnight, 0..1439.
	StartMinute int `json:"start_minute"`

	// DurationMinutes is the slot length.
	DurationMinutes int `json:"duration_minutes"`

	// CollectionID is the collection the slot draws items from.
	CollectionID ULID `json:"collection_id"`

	OrderMode   OrderMode   `json:"order_mode"`
	PaddingMode PaddingMode `json:"padding_mode"`
	FlexMode    FlexMode    `json:"flex_mode"`

	// DaysOfWeekMask is a 7-bit field, Sunday=1 through Saturday=64.
	DaysOfWeekMask int `json:"days_of_week_mask"`
}

// ActiveOn reports whether the slot runs on the given weekday.
func (s TimeSlot) ActiveOn(d time.Weekday) bool {
	return s.DaysOfWeekMask&WeekdayBit(d) != 0
}

// Order returns the slot's order mode, defaulting to ordered when unset.
func (s TimeSlot) Order() OrderMode {
	if s.OrderMode == "" {
		return OrderModeOrdered
	}
	return s.OrderMode
}

// Padding returns the slot's padding mode, defaulting to none when unset.
func (s TimeSlot) Padding() PaddingMode {
	if s.PaddingMode == "" {
		return PaddingModeNone
	}
	return s.PaddingMode
}

// Flex returns the slot's flex mode, defaulting to none when unset.
func (s TimeSlot) Flex() FlexMode {
	if s.FlexMode == "" {
		return FlexModeNone
	}
	return s.FlexMode
}

// Contains reports whether the given minute-of-day falls inside the slot
// interval. Slots that run past midnight wrap into the next day.
func (s TimeSlot) Contains(minuteOfDay int) bool {
	end := s.StartMinute + s.DurationMinutes
	if end <= 1440 {
		return minuteOfDay >= s.StartMinute && minuteOfDay < end
	}
	// Wrapping slot: [start, 1440) plus [0, end-1440).
	return minuteOfDay >= s.StartMinute || minuteOfDay < end-1440
}

// Validate checks slot fields.
func (s TimeSlot) Validate() error {
	if s.StartMinute < 0 || s.StartMinute > 1439 {
		return ErrInvalidSlotStart
	}
	if s.DurationMinutes < 1 {
		return ErrInvalidSlotDuration
	}
	if s.CollectionID.IsZero() {
		return ErrCollectionIDRequired
	}
	switch s.OrderMode {
	case "", OrderModeOrdered, OrderModeShuffle, OrderModeRandom:
	default:
		return ErrInvalidOrderMode
	}
	switch s.PaddingMode {
	case "", PaddingModeNone, PaddingModeFiller, PaddingModeLoop, PaddingModeNext:
	default:
		return ErrInvalidPaddingMode
	}
	switch s.FlexMode {
	case "", FlexModeNone, FlexModeExtend, FlexModeCompress:
	default:
		return ErrInvalidFlexMode
	}
	if s.DaysOfWeekMask < 1 || s.DaysOfWeekMask > DayEveryDay {
		return ErrInvalidDaysMask
	}
	return nil
}

// BalanceSource describes one weighted content source of a balance schedule.
// Sources are stored as a JSON column on the schedule row.
type BalanceSource struct {
	// CollectionID is the collection the source draws items from.
	CollectionID ULID `json:"collection_id"`

	// Weight is the relative selection probability. Must be positive.
	Weight float64 `json:"weight"`

	// CooldownMinutes is the minimum gap between picks from this source.
	CooldownMinutes int `json:"cooldown_minutes"`

	// MaxConsecutive caps back-to-back picks from this source.
	// Zero means unlimited.
	MaxConsecutive int `json:"max_consecutive"`
}

// Validate checks balance source fields.
func (b BalanceSource) Validate() error {
	if b.CollectionID.IsZero() {
		return ErrCollectionIDRequired
	}
	if b.Weight <= 0 {
		return ErrInvalidWeight
	}
	return nil
}

// ProgramSchedule is the per-channel lineup definition. Exactly one schedule
// exists per channel. The streaming core reads schedules; it never writes
// them.
type ProgramSchedule struct {
	BaseModel

	// ChannelID is the owning channel. One schedule per channel.
	ChannelID ULID `gorm:"type:varchar(26);not null;uniqueIndex" json:"channel_id"`

	// Strategy selects how the next item is chosen.
	Strategy StrategyKind `gorm:"not null;default:'ordered';size:20" json:"strategy"`

	// KeepMultiPartEpisodes keeps items sharing a multi-part group key
	// contiguous across shuffles and restarts.
	KeepMultiPartEpisodes bool `gorm:"default:false" json:"keep_multi_part_episodes"`

	// Shuffle plays a reproducible per-cycle permutation of the items.
	Shuffle bool `gorm:"default:false" json:"shuffle"`

	// RandomStartPoint starts the first cycle at a random item. Applied at
	// cycle creation only, never at mid-cycle restart.
	RandomStartPoint bool `gorm:"default:false" json:"random_start_point"`

	// Slots configures the timeslot strategy.
	Slots []TimeSlot `gorm:"type:text;serializer:json" json:"slots,omitempty"`

	// BalanceSources configures the balance strategy.
	BalanceSources []BalanceSource `gorm:"type:text;serializer:json" json:"balance_sources,omitempty"`

	// Items is the ordered lineup used by the ordered strategy.
	Items []ScheduleItem `gorm:"foreignKey:ScheduleID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName returns the table name for ProgramSchedule.
func (ProgramSchedule) TableName() string {
	return "program_schedules"
}

// Validate performs basic validation on the schedule.
func (ps *ProgramSchedule) Validate() error {
	if ps.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	switch ps.Strategy {
	case StrategyOrdered, StrategyTimeSlot, StrategyBalance:
	default:
		return ErrInvalidStrategy
	}
	if ps.Strategy == StrategyTimeSlot && len(ps.Slots) == 0 {
		return ErrSlotsRequired
	}
	if ps.Strategy == StrategyBalance && len(ps.BalanceSources) == 0 {
		return ErrBalanceSourcesRequired
	}
	for _, slot := range ps.Slots {
		if err := slot.Validate(); err != nil {
			return err
		}
	}
	for _, src := range ps.BalanceSources {
		if err := src.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the schedule and generates ULID.
// An unset strategy falls back to ordered, matching the column default.
func (ps *ProgramSchedule) BeforeCreate(tx *gorm.DB) error {
	if err := ps.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if ps.Strategy == "" {
		ps.Strategy = StrategyOrdered
	}
	return ps.Validate()
}

// BeforeUpdate is a GORM hook that validates the schedule before update.
func (ps *ProgramSchedule) BeforeUpdate(tx *gorm.DB) error {
	return ps.Validate()
}

// ScheduleItem is one entry in an ordered lineup.
type ScheduleItem struct {
	BaseModel

	// ScheduleID is the foreign key to the owning schedule.
	ScheduleID ULID `gorm:"type:varchar(26);not null;index" json:"schedule_id"`

	// Position orders items within the schedule.
	Position int `gorm:"not null;index" json:"position"`

	// MediaItemID is the media this entry plays.
	MediaItemID ULID `gorm:"type:varchar(26);not null" json:"media_item_id"`

	// InPointSeconds trims the start of the media. Zero plays from the top.
	InPointSeconds float64 `gorm:"default:0" json:"in_point_seconds,omitempty"`

	// OutPointSeconds trims the end of the media. Zero plays to the end.
	OutPointSeconds float64 `gorm:"default:0" json:"out_point_seconds,omitempty"`

	// MultiPartGroup keys items that form a single multi-part episode.
	// Empty means standalone.
	MultiPartGroup string `gorm:"size:255;index" json:"multi_part_group,omitempty"`

	// FillerKind classifies filler entries; empty for program content.
	FillerKind FillerKind `gorm:"size:20" json:"filler_kind,omitempty"`

	// MediaItem is the relationship to the referenced media.
	MediaItem *MediaItem `gorm:"foreignKey:MediaItemID" json:"media_item,omitempty"`
}

// TableName returns the table name for ScheduleItem.
func (ScheduleItem) TableName() string {
	return "schedule_items"
}

// Validate performs basic validation on the schedule item.
func (si *ScheduleItem) Validate() error {
	if si.ScheduleID.IsZero() {
		return ErrScheduleIDRequired
	}
	if si.MediaItemID.IsZero() {
		return ErrMediaItemIDRequired
	}
	if si.InPointSeconds < 0 || si.OutPointSeconds < 0 {
		return ErrInvalidDuration
	}
	if si.OutPointSeconds > 0 && si.OutPointSeconds <= si.InPointSeconds {
		return ErrInvalidClipRange
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the item and generates ULID.
func (si *ScheduleItem) BeforeCreate(tx *gorm.DB) error {
	if err := si.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return si.Validate()
}

// BeforeUpdate is a GORM hook that validates the item before update.
func (si *ScheduleItem) BeforeUpdate(tx *gorm.DB) error {
	return si.Validate()
}
