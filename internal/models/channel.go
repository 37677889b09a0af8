package models

import (
	"regexp"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// StreamingMode controls which boundary surfaces advertise a channel.
type StreamingMode string

const (
	// StreamingModeIPTV advertises the channel in the M3U playlist only.
	StreamingModeIPTV StreamingMode = "iptv"
	// StreamingModeHDHomeRun advertises the channel in the tuner lineup only.
	StreamingModeHDHomeRun StreamingMode = "hdhomerun"
	// StreamingModeBoth advertises the channel on both surfaces.
	StreamingModeBoth StreamingMode = "both"
)

// ThrottleMode selects how channel output bytes are paced.
// An empty value on a channel inherits the server default.
type ThrottleMode string

const (
	// ThrottleModeRealtime paces output at exactly the target bitrate.
	ThrottleModeRealtime ThrottleMode = "realtime"
	// ThrottleModeBurst allows bounded bursting above the target before
	// settling to realtime pacing.
	ThrottleModeBurst ThrottleMode = "burst"
	// ThrottleModeAdaptive reacts to downstream backpressure.
	ThrottleModeAdaptive ThrottleMode = "adaptive"
	// ThrottleModeDisabled passes bytes through unpaced.
	ThrottleModeDisabled ThrottleMode = "disabled"
)

// deviceSlotPattern is the 8-hex identifier HDHomeRun clients key tuners on.
var deviceSlotPattern = regexp.MustCompile(`^[0-9A-Fa-f]{8}$`)

// Channel represents one virtual TV channel. Channels are created and edited
// through the admin surface; the streaming core only reads them.
type Channel struct {
	BaseModel

	// Number is the display channel number, unique across all channels.
	Number int `gorm:"uniqueIndex;not null" json:"number"`

	// Name is the display name shown in playlists and the guide.
	Name string `gorm:"not null;size:512" json:"name"`

	// GroupTitle is the playlist group this channel is sorted under.
	GroupTitle string `gorm:"size:255" json:"group_title,omitempty"`

	// IconURL is an optional channel artwork URL.
	IconURL string `gorm:"size:2048" json:"icon_url,omitempty"`

	// Enabled controls whether the channel runs and is advertised.
	// Pointer distinguishes "not set" (nil, defaults true) from explicit false.
	Enabled *bool `gorm:"default:true" json:"enabled"`

	// StreamingMode selects which boundary surfaces list the channel.
	StreamingMode StreamingMode `gorm:"not null;default:'both';size:20" json:"streaming_mode"`

	// DeviceSlot is the 8-hex identifier used by HDHomeRun clients.
	// Empty means derive from the channel number at render time.
	DeviceSlot string `gorm:"size:8" json:"device_slot,omitempty"`

	// TranscodeProfile names the encoding profile applied when the source
	// cannot be stream-copied. Empty selects the server default profile.
	TranscodeProfile string `gorm:"size:255" json:"transcode_profile,omitempty"`

	// FallbackFillerID points at the collection used for filler padding and
	// dead-air avoidance. Nil means no filler is configured.
	FallbackFillerID *ULID `gorm:"type:varchar(26)" json:"fallback_filler_id,omitempty"`

	// AlwaysOn keeps the channel runtime producing even with no subscribers.
	AlwaysOn bool `gorm:"default:false" json:"always_on"`

	// ThrottleMode overrides the server throttle mode for this channel.
	ThrottleMode ThrottleMode `gorm:"size:20" json:"throttle_mode,omitempty"`

	// ThrottleBitrateBps overrides the target delivery bitrate.
	// Zero inherits the server default.
	ThrottleBitrateBps int64 `gorm:"default:0" json:"throttle_bitrate_bps,omitempty"`

	// Schedule is the relationship to this channel's program schedule.
	Schedule *ProgramSchedule `gorm:"foreignKey:ChannelID" json:"schedule,omitempty"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// IsEnabled reports whether the channel should run.
func (c *Channel) IsEnabled() bool {
	return BoolVal(c.Enabled)
}

// TvgID returns the stable guide identifier shared by the M3U playlist and
// the XMLTV document. Both artifacts must agree on this value.
func (c *Channel) TvgID() string {
	return "exstream-" + c.ID.String()
}

// GuideNumber returns the channel number formatted for lineup responses.
func (c *Channel) GuideNumber() string {
	return strconv.Itoa(c.Number)
}

// OnIPTV reports whether the channel appears in the M3U playlist.
func (c *Channel) OnIPTV() bool {
	return c.StreamingMode == StreamingModeIPTV || c.StreamingMode == StreamingModeBoth
}

// OnHDHomeRun reports whether the channel appears in the tuner lineup.
func (c *Channel) OnHDHomeRun() bool {
	return c.StreamingMode == StreamingModeHDHomeRun || c.StreamingMode == StreamingModeBoth
}

// Sanitize trims whitespace from user-provided fields.
func (c *Channel) Sanitize() {
	c.Name = strings.TrimSpace(c.Name)
	c.GroupTitle = strings.TrimSpace(c.GroupTitle)
	c.DeviceSlot = strings.TrimSpace(c.DeviceSlot)
}

// Validate performs basic validation on the channel.
func (c *Channel) Validate() error {
	c.Sanitize()

	if c.Name == "" {
		return ErrNameRequired
	}
	if c.Number < 1 || c.Number > 9999 {
		return ErrChannelNumberInvalid
	}
	switch c.StreamingMode {
	case StreamingModeIPTV, StreamingModeHDHomeRun, StreamingModeBoth:
	default:
		return ErrInvalidStreamingMode
	}
	if c.DeviceSlot != "" && !deviceSlotPattern.MatchString(c.DeviceSlot) {
		return ErrInvalidDeviceSlot
	}
	switch c.ThrottleMode {
	case "", ThrottleModeRealtime, ThrottleModeBurst, ThrottleModeAdaptive, ThrottleModeDisabled:
	default:
		return ErrInvalidThrottleMode
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the channel and generates ULID.
func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return c.Validate()
}

// BeforeUpdate is a GORM hook that validates the channel before update.
func (c *Channel) BeforeUpdate(tx *gorm.DB) error {
	return c.Validate()
}
