package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/playout"
	"github.com/exstreamtv/exstreamtv/internal/repository"
	"github.com/exstreamtv/exstreamtv/internal/sched"
)

// OnAir is what a channel should be emitting right now.
type OnAir struct {
	// Item is the playing entry. Meaningless while DeadAir is set.
	Item playout.Item

	// Offset is how far into the item playback starts.
	Offset time.Duration

	// Boundary, when non-zero, is when the item must stop regardless of
	// remaining runtime: the slot end for non-extending timeslot picks,
	// the next slot start for gaps.
	Boundary time.Time

	// DeadAir marks a scheduling gap: nothing to play until Boundary.
	// The runtime covers it with the error screen.
	DeadAir bool
}

// Remaining returns how long the entry runs from the given instant, capped
// by the boundary. Zero means unbounded (play to natural end).
func (o OnAir) Remaining(now time.Time) time.Duration {
	var rem time.Duration
	if !o.DeadAir && o.Item.Duration > 0 {
		rem = o.Item.Duration - o.Offset
		if rem < 0 {
			rem = 0
		}
	}
	if !o.Boundary.IsZero() {
		toBoundary := o.Boundary.Sub(now)
		if toBoundary < 0 {
			toBoundary = 0
		}
		if rem == 0 || toBoundary < rem {
			rem = toBoundary
		}
	}
	return rem
}

// Program is the runtime's view of a channel's what-plays-when. The ordered
// implementation wraps the playout timeline; the dynamic one wraps a
// scheduling strategy. Both keep the persisted anchor authoritative so the
// guide and resume math always agree with the byte stream.
type Program interface {
	// Start loads persisted state and returns what is on air now.
	Start(ctx context.Context, now time.Time) (OnAir, error)

	// Resume re-anchors after a failed source without advancing: the
	// channel kept running in wall time while the process was down.
	Resume(ctx context.Context, now time.Time) (OnAir, error)

	// Advance moves past a finished entry at a planned transition.
	Advance(ctx context.Context, now time.Time) (OnAir, error)

	// Checkpoint persists elapsed progress on the flush cadence.
	Checkpoint(ctx context.Context, now time.Time) error

	// Programmes projects guide entries covering [from, from+window).
	// Gaps appear as entries with empty titles; the guide generator
	// counts and suppresses them.
	Programmes(ctx context.Context, from time.Time, window time.Duration) ([]playout.Programme, error)
}

// orderedProgram drives a channel whose schedule plays in stored (possibly
// shuffled) order. All state lives in the playout timeline.
type orderedProgram struct {
	timeline *playout.Timeline
	base     []playout.Item
}

// NewOrderedProgram wraps a playout timeline as a Program.
func NewOrderedProgram(timeline *playout.Timeline, base []playout.Item) Program {
	return &orderedProgram{timeline: timeline, base: base}
}

func (p *orderedProgram) Start(ctx context.Context, now time.Time) (OnAir, error) {
	if err := p.timeline.Start(ctx, p.base, now); err != nil {
		return OnAir{}, err
	}
	return p.Resume(ctx, now)
}

func (p *orderedProgram) Resume(ctx context.Context, now time.Time) (OnAir, error) {
	item, off, err := p.timeline.ResumeOffset(ctx, now)
	if err != nil {
		return OnAir{}, err
	}
	return OnAir{Item: item, Offset: off}, nil
}

func (p *orderedProgram) Advance(ctx context.Context, now time.Time) (OnAir, error) {
	item, _, err := p.timeline.Advance(ctx, now)
	if err != nil {
		return OnAir{}, err
	}
	return OnAir{Item: item}, nil
}

func (p *orderedProgram) Checkpoint(ctx context.Context, now time.Time) error {
	return p.timeline.Progress(ctx, now)
}

func (p *orderedProgram) Programmes(_ context.Context, from time.Time, window time.Duration) ([]playout.Programme, error) {
	return p.timeline.Snapshot(from, window), nil
}

// dynamicProgram drives a channel whose next item comes from a scheduling
// strategy (timeslot or balance). Picks are deterministic over (config,
// persisted picker state, instant), so the same strategy run against a
// forked state store reproduces the on-air item for resume and projects the
// guide without consuming real picker cursors.
type dynamicProgram struct {
	channelID models.ULID
	schedule  *models.ProgramSchedule
	fillerID  *models.ULID
	reader    sched.CollectionReader
	states    *sched.StateStore
	store     repository.AnchorRepository
	log       *slog.Logger

	current  OnAir
	pickedAt time.Time
	anchor   models.PlayoutAnchor
}

// NewDynamicProgram builds a Program over a timeslot or balance schedule.
func NewDynamicProgram(
	schedule *models.ProgramSchedule,
	fillerID *models.ULID,
	reader sched.CollectionReader,
	states *sched.StateStore,
	store repository.AnchorRepository,
	log *slog.Logger,
) Program {
	return &dynamicProgram{
		channelID: schedule.ChannelID,
		schedule:  schedule,
		fillerID:  fillerID,
		reader:    reader,
		states:    states,
		store:     store,
		log:       log.With(slog.String("component", "program")),
	}
}

func (p *dynamicProgram) strategy(states *sched.StateStore) sched.Strategy {
	return sched.ForSchedule(p.schedule, p.fillerID, p.reader, states)
}

func (p *dynamicProgram) Start(ctx context.Context, now time.Time) (OnAir, error) {
	if err := p.states.Load(ctx); err != nil {
		return OnAir{}, err
	}
	stored, err := p.store.Get(ctx, p.channelID)
	if err == nil && stored != nil {
		p.anchor = *stored
		// Replay the pick that was on air against a forked state so
		// real cursors do not double-advance. If the walk still lands
		// inside that item, resume it mid-way.
		start := stored.CurrentItemStartTime
		if pick, perr := p.strategy(p.states.Fork()).PickNext(ctx, start); perr == nil && !pick.DeadAir() {
			on := onAirFromPick(pick, start)
			off := now.Sub(start)
			if off >= 0 && (on.Item.Duration == 0 || off < on.Item.Duration) &&
				(on.Boundary.IsZero() || now.Before(on.Boundary)) {
				on.Offset = off
				p.current = on
				p.pickedAt = start
				return on, nil
			}
		}
	}
	return p.Advance(ctx, now)
}

func (p *dynamicProgram) Resume(ctx context.Context, now time.Time) (OnAir, error) {
	if !p.pickedAt.IsZero() && !p.current.DeadAir {
		off := now.Sub(p.pickedAt)
		within := p.current.Item.Duration == 0 || off < p.current.Item.Duration
		beforeBoundary := p.current.Boundary.IsZero() || now.Before(p.current.Boundary)
		if off >= 0 && within && beforeBoundary {
			on := p.current
			on.Offset = off
			p.touchAnchor(ctx, off)
			return on, nil
		}
	}
	return p.Advance(ctx, now)
}

func (p *dynamicProgram) Advance(ctx context.Context, now time.Time) (OnAir, error) {
	pick, err := p.strategy(p.states).PickNext(ctx, now)
	if err != nil {
		return OnAir{}, err
	}
	on := onAirFromPick(pick, now)
	p.current = on
	p.pickedAt = now

	if p.anchor.ChannelID.IsZero() {
		p.anchor.ChannelID = p.channelID
		p.anchor.CycleStartTime = now
	}
	p.anchor.CurrentItemStartTime = now
	p.anchor.ElapsedInItemSeconds = 0
	p.anchor.ItemIndex++
	p.anchor.Revision++
	p.save(ctx)

	if on.DeadAir {
		p.log.Info("scheduled dead air", slog.Time("until", on.Boundary))
	} else {
		p.log.Info("picked next item", slog.String("title", on.Item.Title))
	}
	return on, nil
}

func (p *dynamicProgram) Checkpoint(ctx context.Context, now time.Time) error {
	if p.pickedAt.IsZero() {
		return nil
	}
	p.touchAnchor(ctx, now.Sub(p.pickedAt))
	return nil
}

func (p *dynamicProgram) touchAnchor(ctx context.Context, elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	p.anchor.ElapsedInItemSeconds = elapsed.Seconds()
	p.anchor.Revision++
	p.save(ctx)
}

func (p *dynamicProgram) save(ctx context.Context) {
	a := p.anchor
	if err := p.store.Save(ctx, &a); err != nil {
		p.log.Warn("anchor save failed", slog.String("error", err.Error()))
	}
}

// Programmes simulates the strategy forward on forked picker state. The
// simulation is bounded; a pathological schedule ends the projection early
// rather than spinning.
func (p *dynamicProgram) Programmes(ctx context.Context, from time.Time, window time.Duration) ([]playout.Programme, error) {
	const maxEntries = 500

	sim := p.strategy(p.states.Fork())
	end := from.Add(window)

	at := from
	var progs []playout.Programme

	// Open with the item currently on air, if any.
	if !p.pickedAt.IsZero() && !from.Before(p.pickedAt) {
		on := p.current
		stop := entryStop(on, p.pickedAt)
		if stop.After(from) {
			progs = append(progs, programmeFor(on, len(progs), p.pickedAt, stop))
			at = stop
		}
	}

	for at.Before(end) && len(progs) < maxEntries {
		pick, err := sim.PickNext(ctx, at)
		if err != nil {
			return progs, err
		}
		on := onAirFromPick(pick, at)
		stop := entryStop(on, at)
		if !stop.After(at) {
			// Zero-length decision; step past it to avoid spinning.
			at = at.Add(time.Minute)
			continue
		}
		progs = append(progs, programmeFor(on, len(progs), at, stop))
		at = stop
	}
	return progs, nil
}

func entryStop(on OnAir, start time.Time) time.Time {
	d := on.Item.Duration
	if on.DeadAir || d <= 0 {
		d = playout.DefaultItemDuration
	}
	stop := start.Add(d)
	if !on.Boundary.IsZero() && on.Boundary.Before(stop) {
		stop = on.Boundary
	}
	return stop
}

func programmeFor(on OnAir, index int, start, stop time.Time) playout.Programme {
	prog := playout.Programme{
		ItemIndex: index,
		Start:     start,
		Stop:      stop,
	}
	if !on.DeadAir {
		prog.Title = on.Item.Title
		prog.Description = on.Item.Description
		prog.EpisodeNum = on.Item.EpisodeNum
	}
	return prog
}

// onAirFromPick flattens a scheduling decision into the runtime's on-air
// form. Extending slots drop the boundary so the item plays out whole.
func onAirFromPick(pick *sched.Pick, at time.Time) OnAir {
	if pick.DeadAir() {
		return OnAir{DeadAir: true, Boundary: pick.BoundaryAt}
	}
	m := pick.Item
	item := playout.Item{
		MediaItemID:    m.ID,
		Kind:           m.Kind,
		Handle:         m.Handle,
		Title:          m.Title,
		Description:    m.Description,
		EpisodeNum:     m.EpisodeNum,
		Duration:       m.Duration(),
		FillerKind:     pick.FillerKind,
		DirectPlay:     m.DirectPlay,
		ContainerHint:  m.ContainerHint,
		VideoCodecHint: m.VideoCodecHint,
		AudioCodecHint: m.AudioCodecHint,
	}
	if item.Duration <= 0 {
		item.Duration = playout.DefaultItemDuration
	}
	boundary := pick.BoundaryAt
	if pick.Slot != nil && pick.Slot.Flex() == models.FlexModeExtend {
		boundary = time.Time{}
	}
	return OnAir{Item: item, Boundary: boundary}
}
