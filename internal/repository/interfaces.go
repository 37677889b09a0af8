// Package repository defines data access interfaces for exstreamtv entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching. The streaming core only reads channels,
// schedules and media; it writes anchors and audit rows.
package repository

import (
	"context"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// ChannelRepository defines operations for channel persistence.
type ChannelRepository interface {
	// Create creates a new channel.
	Create(ctx context.Context, channel *models.Channel) error
	// GetByID retrieves a channel by ID. Returns (nil, nil) when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
	// GetByNumber retrieves a channel by display number. Returns (nil, nil)
	// when absent.
	GetByNumber(ctx context.Context, number int) (*models.Channel, error)
	// GetEnabled retrieves all enabled channels ordered by number.
	GetEnabled(ctx context.Context) ([]*models.Channel, error)
	// GetAll retrieves all channels ordered by number.
	GetAll(ctx context.Context) ([]*models.Channel, error)
	// Update updates an existing channel.
	Update(ctx context.Context, channel *models.Channel) error
	// Delete deletes a channel by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// ScheduleRepository defines operations for program schedule persistence.
type ScheduleRepository interface {
	// Create creates a schedule with its items.
	Create(ctx context.Context, schedule *models.ProgramSchedule) error
	// GetByChannelID retrieves the schedule for a channel with items ordered
	// by position and their media preloaded. Returns (nil, nil) when absent.
	GetByChannelID(ctx context.Context, channelID models.ULID) (*models.ProgramSchedule, error)
}

// MediaRepository defines operations for media item persistence.
type MediaRepository interface {
	// CreateCollection creates a media collection.
	CreateCollection(ctx context.Context, collection *models.MediaCollection) error
	// CreateItem creates a media item.
	CreateItem(ctx context.Context, item *models.MediaItem) error
	// GetItem retrieves a media item by ID. Returns (nil, nil) when absent.
	GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error)
	// GetCollectionItems retrieves all items of a collection in insertion
	// order. Unusable items are included; callers filter by time.
	GetCollectionItems(ctx context.Context, collectionID models.ULID) ([]*models.MediaItem, error)
	// MarkUnusable sidelines an item until the given time.
	MarkUnusable(ctx context.Context, id models.ULID, until time.Time) error
}

// AnchorRepository defines operations for playout anchor persistence.
type AnchorRepository interface {
	// Get retrieves the anchor for a channel. Returns (nil, nil) when absent.
	Get(ctx context.Context, channelID models.ULID) (*models.PlayoutAnchor, error)
	// Save persists an anchor. Writes are at-least-once: a save whose
	// revision is at or below the stored revision is silently ignored so
	// duplicate and out-of-order writes cannot rewind playback.
	Save(ctx context.Context, anchor *models.PlayoutAnchor) error
}

// PickerStateRepository defines operations for scheduler picker state.
type PickerStateRepository interface {
	// GetAll retrieves every picker state row for a channel, keyed by
	// source.
	GetAll(ctx context.Context, channelID models.ULID) (map[string]*models.PickerState, error)
	// Save upserts a picker state row by (channel, source).
	Save(ctx context.Context, state *models.PickerState) error
}

// AuditRepository defines operations for lease and session audit rows.
type AuditRepository interface {
	// RecordLease writes a lease audit row at acquisition.
	RecordLease(ctx context.Context, record *models.LeaseRecord) error
	// CloseLease updates a lease row on release.
	CloseLease(ctx context.Context, id models.ULID, at time.Time, exitCode *int, revokeReason string) error
	// RecordSession writes a session summary row at close.
	RecordSession(ctx context.Context, audit *models.SessionAudit) error
	// TrimBefore deletes audit rows older than the cutoff. Returns the
	// number of rows removed.
	TrimBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
