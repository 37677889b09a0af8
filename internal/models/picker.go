package models

import "gorm.io/gorm"

// PickerState persists scheduler selection state for one content source of a
// channel: balance cooldowns, consecutive-pick counts and the collection
// cursor used for shuffle-without-repeats. Keeping it in the database means
// a restart does not reset cooldowns or replay the same episodes.
type PickerState struct {
	BaseModel

	// ChannelID is the owning channel.
	ChannelID ULID `gorm:"type:varchar(26);not null;uniqueIndex:idx_picker_channel_source" json:"channel_id"`

	// SourceKey identifies the content source within the channel, normally
	// the collection ULID.
	SourceKey string `gorm:"size:64;not null;uniqueIndex:idx_picker_channel_source" json:"source_key"`

	// LastPickedAt is when this source last produced an item. Nil means
	// never.
	LastPickedAt *Time `json:"last_picked_at,omitempty"`

	// ConsecutiveCount is the current run of back-to-back picks.
	ConsecutiveCount int `gorm:"not null;default:0" json:"consecutive_count"`

	// CycleSeed seeds the current shuffle permutation of the collection.
	CycleSeed int64 `gorm:"not null;default:0" json:"cycle_seed"`

	// CyclePosition is the cursor into the current permutation.
	CyclePosition int `gorm:"not null;default:0" json:"cycle_position"`
}

// TableName returns the table name for PickerState.
func (PickerState) TableName() string {
	return "picker_states"
}

// Validate checks picker state fields.
func (p *PickerState) Validate() error {
	if p.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	if p.SourceKey == "" {
		return ErrSourceKeyRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the row and generates ULID.
func (p *PickerState) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return p.Validate()
}
