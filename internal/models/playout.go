package models

import (
	"gorm.io/gorm"
)

// PlayoutAnchor is the per-channel authoritative record of where playback
// stands. The channel runtime is its only writer. The EPG and every resume
// computation derive from this row; nothing else keeps an independent
// timeline.
type PlayoutAnchor struct {
	BaseModel

	// ChannelID is the owning channel. One anchor per channel.
	ChannelID ULID `gorm:"type:varchar(26);not null;uniqueIndex" json:"channel_id"`

	// CycleStartTime is the wall-clock start of the current playout cycle.
	CycleStartTime Time `gorm:"not null" json:"cycle_start_time"`

	// CurrentItemStartTime is the wall-clock start of the playing item.
	CurrentItemStartTime Time `gorm:"not null" json:"current_item_start_time"`

	// ElapsedInItemSeconds is seconds consumed of the current item.
	// Monotonically increasing while a source is active.
	ElapsedInItemSeconds float64 `gorm:"not null;default:0" json:"elapsed_in_item_seconds"`

	// ItemIndex is the index into the cycle's ordered playout-item list.
	ItemIndex int `gorm:"not null;default:0" json:"item_index"`

	// Revision increases on every anchor mutation. Persistence is
	// at-least-once; saves carrying a revision at or below the stored one
	// are ignored so duplicate and late writes cannot rewind playback.
	Revision int64 `gorm:"not null;default:0" json:"revision"`

	// CycleSeed seeds the shuffle permutation so a restart rebuilds the
	// same order for the cycle.
	CycleSeed int64 `gorm:"not null;default:0" json:"cycle_seed"`
}

// TableName returns the table name for PlayoutAnchor.
func (PlayoutAnchor) TableName() string {
	return "playout_anchors"
}

// Validate performs basic validation on the anchor.
func (a *PlayoutAnchor) Validate() error {
	if a.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the anchor and generates ULID.
func (a *PlayoutAnchor) BeforeCreate(tx *gorm.DB) error {
	if err := a.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return a.Validate()
}
