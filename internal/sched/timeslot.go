package sched

import (
	"context"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// TimeSlotStrategy picks from the collection bound to whichever slot is
// active at the asked instant. Gaps between slots fall to the upcoming
// slot's padding mode.
type TimeSlotStrategy struct {
	slots  []models.TimeSlot
	filler *models.ULID
	reader CollectionReader
	states *StateStore

	mu sync.Mutex
}

// NewTimeSlot creates a timeslot strategy. filler is the channel's fallback
// filler collection, nil when none is configured.
func NewTimeSlot(slots []models.TimeSlot, filler *models.ULID, reader CollectionReader, states *StateStore) *TimeSlotStrategy {
	return &TimeSlotStrategy{
		slots:  slots,
		filler: filler,
		reader: reader,
		states: states,
	}
}

// slotWindow is one concrete occurrence of a slot on the wall clock.
type slotWindow struct {
	start time.Time
	end   time.Time
}

// PickNext selects what plays at the given instant.
func (t *TimeSlotStrategy) PickNext(ctx context.Context, at time.Time) (*Pick, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot, window, ok := activeSlot(t.slots, at); ok {
		return t.pickInSlot(ctx, slot, window, at, true)
	}

	next, window, ok := upcomingSlot(t.slots, at)
	if !ok {
		return &Pick{}, nil
	}
	switch next.Padding() {
	case models.PaddingModeNext:
		// Start the upcoming slot early; it still ends on schedule.
		return t.pickInSlot(ctx, next, window, at, false)
	case models.PaddingModeLoop:
		t.states.ResetCursor(ctx, next.CollectionID)
		return t.pickInSlot(ctx, next, window, at, false)
	case models.PaddingModeFiller:
		return t.fillerPick(ctx, at, window.start)
	default:
		return &Pick{BoundaryAt: window.start}, nil
	}
}

// pickInSlot draws the next item for one slot occurrence. When the slot has
// nothing playable its padding mode decides what happens; hop guards the
// padding-next chain from recursing across empty slots.
func (t *TimeSlotStrategy) pickInSlot(ctx context.Context, slot models.TimeSlot, window slotWindow, at time.Time, hop bool) (*Pick, error) {
	var remaining time.Duration
	if slot.Flex() == models.FlexModeCompress {
		remaining = window.end.Sub(at)
	}
	item, err := t.states.PickCollection(ctx, t.reader, slot.CollectionID, slot.Order(), at, remaining)
	if err != nil {
		return nil, err
	}
	if item != nil {
		s := slot
		return &Pick{Item: item, Slot: &s, BoundaryAt: window.end}, nil
	}

	switch slot.Padding() {
	case models.PaddingModeFiller:
		return t.fillerPick(ctx, at, window.end)
	case models.PaddingModeLoop:
		// Replay from the top, ignoring any fit constraint.
		t.states.ResetCursor(ctx, slot.CollectionID)
		item, err = t.states.PickCollection(ctx, t.reader, slot.CollectionID, slot.Order(), at, 0)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return &Pick{BoundaryAt: window.end}, nil
		}
		s := slot
		return &Pick{Item: item, Slot: &s, BoundaryAt: window.end}, nil
	case models.PaddingModeNext:
		if !hop {
			return &Pick{BoundaryAt: window.end}, nil
		}
		next, nextWindow, ok := upcomingSlot(t.slots, window.end.Add(-time.Minute))
		if !ok {
			return &Pick{BoundaryAt: window.end}, nil
		}
		return t.pickInSlot(ctx, next, nextWindow, at, false)
	default:
		return &Pick{BoundaryAt: window.end}, nil
	}
}

func (t *TimeSlotStrategy) fillerPick(ctx context.Context, at time.Time, boundary time.Time) (*Pick, error) {
	if t.filler == nil {
		return &Pick{BoundaryAt: boundary}, nil
	}
	item, err := t.states.PickCollection(ctx, t.reader, *t.filler, models.OrderModeShuffle, at, 0)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return &Pick{BoundaryAt: boundary}, nil
	}
	return &Pick{Item: item, FillerKind: models.FillerKindFallback, BoundaryAt: boundary}, nil
}

// activeSlot finds the slot whose occurrence contains at. When occurrences
// overlap, the most recently started one wins. Slots that wrapped past
// midnight are checked against the day they started on.
func activeSlot(slots []models.TimeSlot, at time.Time) (models.TimeSlot, slotWindow, bool) {
	minute := at.Hour()*60 + at.Minute()
	best := -1
	bestAgo := 0
	for i, s := range slots {
		if !s.Contains(minute) {
			continue
		}
		ago := minute - s.StartMinute
		day := at.Weekday()
		if ago < 0 {
			ago += 1440
			day = time.Weekday((int(day) + 6) % 7)
		}
		if !s.ActiveOn(day) {
			continue
		}
		if best == -1 || ago < bestAgo {
			best, bestAgo = i, ago
		}
	}
	if best == -1 {
		return models.TimeSlot{}, slotWindow{}, false
	}
	s := slots[best]
	start := dayStart(at).Add(time.Duration(s.StartMinute) * time.Minute)
	if minute < s.StartMinute {
		start = start.Add(-24 * time.Hour)
	}
	return s, slotWindow{start: start, end: start.Add(time.Duration(s.DurationMinutes) * time.Minute)}, true
}

// upcomingSlot finds the next occurrence strictly after at, scanning up to a
// week ahead. Every valid mask has at least one day bit set, so a week
// always suffices.
func upcomingSlot(slots []models.TimeSlot, at time.Time) (models.TimeSlot, slotWindow, bool) {
	best := -1
	var bestStart time.Time
	for i, s := range slots {
		for dayOffset := 0; dayOffset <= 7; dayOffset++ {
			day := dayStart(at).AddDate(0, 0, dayOffset)
			if !s.ActiveOn(day.Weekday()) {
				continue
			}
			start := day.Add(time.Duration(s.StartMinute) * time.Minute)
			if !start.After(at) {
				continue
			}
			if best == -1 || start.Before(bestStart) {
				best, bestStart = i, start
			}
			break
		}
	}
	if best == -1 {
		return models.TimeSlot{}, slotWindow{}, false
	}
	s := slots[best]
	return s, slotWindow{start: bestStart, end: bestStart.Add(time.Duration(s.DurationMinutes) * time.Minute)}, true
}

func dayStart(at time.Time) time.Time {
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
}
