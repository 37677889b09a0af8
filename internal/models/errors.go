package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrChannelNumberInvalid indicates a channel number outside 1..9999.
	ErrChannelNumberInvalid = errors.New("channel number must be between 1 and 9999")

	// ErrInvalidStreamingMode indicates an invalid streaming mode.
	ErrInvalidStreamingMode = errors.New("invalid streaming mode: must be 'iptv', 'hdhomerun' or 'both'")

	// ErrInvalidDeviceSlot indicates a device slot that is not 8 hex characters.
	ErrInvalidDeviceSlot = errors.New("device slot must be exactly 8 hexadecimal characters")

	// ErrInvalidThrottleMode indicates an invalid throttle mode override.
	ErrInvalidThrottleMode = errors.New("invalid throttle mode: must be 'realtime', 'burst', 'adaptive' or 'disabled'")

	// ErrChannelIDRequired indicates a required channel ID field is zero.
	ErrChannelIDRequired = errors.New("channel_id is required")

	// ErrScheduleIDRequired indicates a required schedule ID field is zero.
	ErrScheduleIDRequired = errors.New("schedule_id is required")

	// ErrMediaItemIDRequired indicates a required media item ID field is zero.
	ErrMediaItemIDRequired = errors.New("media_item_id is required")

	// ErrCollectionIDRequired indicates a required collection ID field is zero.
	ErrCollectionIDRequired = errors.New("collection_id is required")

	// ErrSourceKeyRequired indicates an empty picker state source key.
	ErrSourceKeyRequired = errors.New("source_key is required")

	// ErrHandleRequired indicates a required resolver handle field is empty.
	ErrHandleRequired = errors.New("handle is required")

	// ErrInvalidMediaKind indicates an unknown media source kind.
	ErrInvalidMediaKind = errors.New("invalid media kind")

	// ErrInvalidDuration indicates a negative duration value.
	ErrInvalidDuration = errors.New("duration must not be negative")

	// ErrInvalidClipRange indicates an out point at or before the in point.
	ErrInvalidClipRange = errors.New("out point must be after in point")

	// ErrInvalidStrategy indicates an unknown schedule strategy.
	ErrInvalidStrategy = errors.New("invalid strategy: must be 'ordered', 'timeslot' or 'balance'")

	// ErrSlotsRequired indicates a timeslot schedule without slots.
	ErrSlotsRequired = errors.New("timeslot strategy requires at least one slot")

	// ErrBalanceSourcesRequired indicates a balance schedule without sources.
	ErrBalanceSourcesRequired = errors.New("balance strategy requires at least one content source")

	// ErrInvalidSlotStart indicates a slot start outside the day.
	ErrInvalidSlotStart = errors.New("slot start must be between 0 and 1439 minutes")

	// ErrInvalidSlotDuration indicates a non-positive slot duration.
	ErrInvalidSlotDuration = errors.New("slot duration must be positive")

	// ErrInvalidOrderMode indicates an unknown slot order mode.
	ErrInvalidOrderMode = errors.New("invalid order mode: must be 'ordered', 'shuffle' or 'random'")

	// ErrInvalidPaddingMode indicates an unknown slot padding mode.
	ErrInvalidPaddingMode = errors.New("invalid padding mode: must be 'none', 'filler', 'loop' or 'next'")

	// ErrInvalidFlexMode indicates an unknown slot flex mode.
	ErrInvalidFlexMode = errors.New("invalid flex mode: must be 'none', 'extend' or 'compress'")

	// ErrInvalidDaysMask indicates a days-of-week mask outside the 7-bit range.
	ErrInvalidDaysMask = errors.New("days of week mask must be between 1 and 127")

	// ErrInvalidWeight indicates a non-positive balance source weight.
	ErrInvalidWeight = errors.New("weight must be positive")

	// ErrPIDRequired indicates a required process ID field is zero.
	ErrPIDRequired = errors.New("pid is required")

	// ErrSessionIDRequired indicates a required session ID field is empty.
	ErrSessionIDRequired = errors.New("session_id is required")
)
