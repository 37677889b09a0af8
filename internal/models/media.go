package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// MediaKind identifies the backing source of a media item. The streaming
// core never interprets the handle itself; it routes resolution by kind.
type MediaKind string

const (
	// MediaKindLocalFile is a file on a mounted filesystem.
	MediaKindLocalFile MediaKind = "local_file"
	// MediaKindPlex is an item in a Plex library.
	MediaKindPlex MediaKind = "plex"
	// MediaKindJellyfin is an item in a Jellyfin library.
	MediaKindJellyfin MediaKind = "jellyfin"
	// MediaKindEmby is an item in an Emby library.
	MediaKindEmby MediaKind = "emby"
	// MediaKindArchiveOrg is an Archive.org download URL.
	MediaKindArchiveOrg MediaKind = "archive_org"
	// MediaKindYouTube is a YouTube video resolved through the helper binary.
	MediaKindYouTube MediaKind = "youtube"
)

// ValidMediaKind reports whether k is a known media kind.
func ValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaKindLocalFile, MediaKindPlex, MediaKindJellyfin,
		MediaKindEmby, MediaKindArchiveOrg, MediaKindYouTube:
		return true
	}
	return false
}

// MediaCollection groups media items for schedule slots, balance sources and
// filler presets.
type MediaCollection struct {
	BaseModel

	// Name is a user-friendly unique collection name.
	Name string `gorm:"uniqueIndex;not null;size:255" json:"name"`

	// Items is the relationship to the collection members.
	Items []MediaItem `gorm:"foreignKey:CollectionID" json:"items,omitempty"`
}

// TableName returns the table name for MediaCollection.
func (MediaCollection) TableName() string {
	return "media_collections"
}

// Validate performs basic validation on the collection.
func (mc *MediaCollection) Validate() error {
	mc.Name = strings.TrimSpace(mc.Name)
	if mc.Name == "" {
		return ErrNameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the collection and generates ULID.
func (mc *MediaCollection) BeforeCreate(tx *gorm.DB) error {
	if err := mc.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return mc.Validate()
}

// MediaItem is one playable piece of media. Library scanning populates these
// rows; the streaming core reads them and only writes the unusable marker.
type MediaItem struct {
	BaseModel

	// CollectionID is the collection this item belongs to. Zero for items
	// referenced directly by schedule entries.
	CollectionID ULID `gorm:"type:varchar(26);index" json:"collection_id,omitempty"`

	// Kind identifies the backing source.
	Kind MediaKind `gorm:"not null;size:20;index" json:"kind"`

	// Title is the display title used in the guide.
	Title string `gorm:"size:512" json:"title,omitempty"`

	// Description is the guide synopsis. Capped at render time, not here.
	Description string `gorm:"type:text" json:"description,omitempty"`

	// EpisodeNum is the xmltv_ns episode number where known.
	EpisodeNum string `gorm:"size:50" json:"episode_num,omitempty"`

	// Handle is the opaque resolver handle: a path for local files, a
	// rating key for Plex, an item id for Jellyfin/Emby, a URL otherwise.
	Handle string `gorm:"not null;size:4096" json:"handle"`

	// DurationSeconds is the known runtime. Zero means unknown.
	DurationSeconds float64 `gorm:"default:0" json:"duration_seconds"`

	// ContainerHint is the probed container format, if known.
	ContainerHint string `gorm:"size:50" json:"container_hint,omitempty"`

	// VideoCodecHint is the probed video codec, if known.
	VideoCodecHint string `gorm:"size:50" json:"video_codec_hint,omitempty"`

	// AudioCodecHint is the probed audio codec, if known.
	AudioCodecHint string `gorm:"size:50" json:"audio_codec_hint,omitempty"`

	// DirectPlay marks items whose streams can be copied into MPEG-TS
	// without re-encoding.
	DirectPlay bool `gorm:"default:false" json:"direct_play"`

	// UnusableUntil is set when a source-level failure sidelines the item.
	// The item is skipped until the window passes.
	UnusableUntil *Time `json:"unusable_until,omitempty"`
}

// TableName returns the table name for MediaItem.
func (MediaItem) TableName() string {
	return "media_items"
}

// Usable reports whether the item may be scheduled at the given time.
func (mi *MediaItem) Usable(now time.Time) bool {
	return mi.UnusableUntil == nil || !now.Before(*mi.UnusableUntil)
}

// MarkUnusable sidelines the item until the given time.
func (mi *MediaItem) MarkUnusable(until time.Time) {
	mi.UnusableUntil = &until
}

// Duration returns the item runtime as a time.Duration.
func (mi *MediaItem) Duration() time.Duration {
	return time.Duration(mi.DurationSeconds * float64(time.Second))
}

// Validate performs basic validation on the media item.
func (mi *MediaItem) Validate() error {
	mi.Handle = strings.TrimSpace(mi.Handle)
	if mi.Handle == "" {
		return ErrHandleRequired
	}
	if !ValidMediaKind(mi.Kind) {
		return ErrInvalidMediaKind
	}
	if mi.DurationSeconds < 0 {
		return ErrInvalidDuration
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the item and generates ULID.
func (mi *MediaItem) BeforeCreate(tx *gorm.DB) error {
	if err := mi.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return mi.Validate()
}

// BeforeUpdate is a GORM hook that validates the item before update.
func (mi *MediaItem) BeforeUpdate(tx *gorm.DB) error {
	return mi.Validate()
}
