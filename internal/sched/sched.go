// Package sched selects what a channel plays next when its schedule is not
// a fixed lineup. Two strategies exist: timeslot, which binds collections to
// recurring windows of the day, and balance, which draws from weighted
// sources under cooldown and consecutive-pick constraints. Decisions are
// deterministic over (configuration, persisted picker state, instant), so
// the same inputs always produce the same pick and the guide can simulate
// ahead on a forked state copy.
package sched

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// CollectionReader supplies collection membership. The media repository
// satisfies it directly.
type CollectionReader interface {
	// GetCollectionItems retrieves all items of a collection in insertion
	// order. Unusable items are included; callers filter by time.
	GetCollectionItems(ctx context.Context, collectionID models.ULID) ([]*models.MediaItem, error)
}

// Pick is one scheduling decision.
type Pick struct {
	// Item is what plays next. Nil means the scheduler has nothing: dead
	// air until BoundaryAt, or indefinitely when BoundaryAt is zero.
	Item *models.MediaItem

	// FillerKind is set when the pick pads a gap rather than playing
	// program content.
	FillerKind models.FillerKind

	// Slot is the slot that produced a timeslot pick, nil for balance.
	// The runtime reads its flex mode to decide boundary behavior.
	Slot *models.TimeSlot

	// BoundaryAt is when this decision expires: the slot end for in-slot
	// picks, the upcoming slot start for gap picks. Zero for balance
	// picks, which have no boundaries.
	BoundaryAt time.Time
}

// DeadAir reports whether the pick carries nothing to play.
func (p *Pick) DeadAir() bool {
	return p == nil || p.Item == nil
}

// Strategy picks the next item for one channel.
type Strategy interface {
	PickNext(ctx context.Context, at time.Time) (*Pick, error)
}

// ForSchedule returns the dynamic strategy for a schedule, or nil for
// ordered schedules, which the playout timeline handles by itself.
func ForSchedule(schedule *models.ProgramSchedule, fillerID *models.ULID, reader CollectionReader, states *StateStore) Strategy {
	switch schedule.Strategy {
	case models.StrategyTimeSlot:
		return NewTimeSlot(schedule.Slots, fillerID, reader, states)
	case models.StrategyBalance:
		return NewBalance(schedule.BalanceSources, reader, states)
	default:
		return nil
	}
}

// hashKey folds a string into a seed component.
func hashKey(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
