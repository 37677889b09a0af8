// Package playout turns a channel's schedule into an anchored wall-clock
// timeline: which item is on air right now, how far into it playback is, and
// what the guide shows next. All math runs off the persisted PlayoutAnchor,
// so a server restarted mid-item lands back where a continuously running one
// would be. The channel keeps "playing" in wall time even while the process
// is down, the way a broadcast channel would.
package playout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

// ErrNoItems means the schedule produced nothing playable. The runtime falls
// back to the error screen when it sees this.
var ErrNoItems = errors.New("playout: no playable items")

// Programme is one guide entry derived from the timeline. The XMLTV
// generator consumes these and nothing else, so the guide can never disagree
// with what the channel actually plays.
type Programme struct {
	ItemIndex   int
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
	EpisodeNum  string
}

// Options configure a Timeline. Store and Log are required. Every method
// takes the current instant explicitly, so there is no clock here; callers
// decide what "now" means and tests stay deterministic for free.
type Options struct {
	ChannelID     models.ULID
	ChannelNumber int

	// Shuffle, RandomStartPoint and KeepMultiPartEpisodes mirror the
	// owning schedule's flags.
	Shuffle               bool
	RandomStartPoint      bool
	KeepMultiPartEpisodes bool

	Store repository.AnchorRepository
	Log   *slog.Logger
}

// Timeline anchors one channel's playout. Methods are safe for concurrent
// use; the channel runtime advances it while guide and status handlers read
// from it.
type Timeline struct {
	channelID     models.ULID
	channelNumber int
	shuffle       bool
	randomStart   bool
	keepGroups    bool

	store repository.AnchorRepository
	log   *slog.Logger

	mu     sync.Mutex
	base   []Item
	order  []int
	anchor models.PlayoutAnchor
}

// NewTimeline creates an empty timeline. Start must run before any other
// method.
func NewTimeline(opts Options) *Timeline {
	return &Timeline{
		channelID:     opts.ChannelID,
		channelNumber: opts.ChannelNumber,
		shuffle:       opts.Shuffle,
		randomStart:   opts.RandomStartPoint,
		keepGroups:    opts.KeepMultiPartEpisodes,
		store:         opts.Store,
		log: opts.Log.With(
			slog.String("component", "playout"),
			slog.Int("channel", opts.ChannelNumber),
		),
	}
}

// Start loads the persisted anchor and rebuilds the cycle it describes, or
// creates a fresh cycle when no anchor exists yet. A fresh cycle is the only
// place the random start point applies; restarts always resume the stored
// position.
func (t *Timeline) Start(ctx context.Context, base []Item, now time.Time) error {
	if len(base) == 0 {
		return ErrNoItems
	}
	stored, err := t.store.Get(ctx, t.channelID)
	if err != nil {
		return fmt.Errorf("loading playout anchor: %w", err)
	}

	t.mu.Lock()
	t.base = base
	switch {
	case stored == nil:
		t.anchor = models.PlayoutAnchor{ChannelID: t.channelID, Revision: 1}
		t.newCycleLocked(now, t.randomStart)
		t.log.Info("starting fresh playout cycle",
			slog.Int("items", len(t.order)),
			slog.Int("item_index", t.anchor.ItemIndex))
	default:
		t.anchor = *stored
		t.order = buildOrder(t.base, t.keepGroups, t.shuffle, stored.CycleSeed)
		if t.anchor.ItemIndex < 0 || t.anchor.ItemIndex >= len(t.order) {
			// The schedule shrank underneath the anchor. The stored
			// position no longer names a real item, so begin over.
			t.log.Warn("anchor index out of range, starting a new cycle",
				slog.Int("item_index", t.anchor.ItemIndex),
				slog.Int("items", len(t.order)))
			t.newCycleLocked(now, false)
		}
		t.anchor.Revision++
	}
	anchor := t.anchor
	t.mu.Unlock()

	return t.save(ctx, anchor)
}

// Rebuild replaces the cycle after a schedule edit. Playback restarts at the
// top of a new cycle; a monotonic revision bump keeps any in-flight write of
// the old anchor from resurrecting it.
func (t *Timeline) Rebuild(ctx context.Context, base []Item, now time.Time) error {
	if len(base) == 0 {
		return ErrNoItems
	}
	t.mu.Lock()
	t.base = base
	t.newCycleLocked(now, false)
	t.anchor.Revision++
	anchor := t.anchor
	t.mu.Unlock()

	t.log.Info("rebuilt playout cycle", slog.Int("items", len(base)))
	return t.save(ctx, anchor)
}

// Current returns the item the anchor points at.
func (t *Timeline) Current() Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.itemAtLocked(t.anchor.ItemIndex)
}

// Len returns the number of items in the current cycle.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Anchor returns a copy of the current anchor, for status reporting.
func (t *Timeline) Anchor() models.PlayoutAnchor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchor
}

// Locate resolves which cycle position is on air at the given instant and
// the offset into it. It never mutates the anchor, so the guide can project
// freely. Instants before the anchored item clamp to its start.
func (t *Timeline) Locate(at time.Time) (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return -1, 0
	}
	return t.walkLocked(at)
}

// Advance moves the anchor to the next item at a planned transition. When
// the cycle is exhausted it starts a new one: new wall-clock start, new
// shuffle seed, new permutation. Returns the item now on air and whether a
// new cycle began. The in-memory anchor advances even if the save fails;
// persistence is at-least-once and the next checkpoint retries.
func (t *Timeline) Advance(ctx context.Context, now time.Time) (Item, bool, error) {
	t.mu.Lock()
	next := t.anchor.ItemIndex + 1
	wrapped := next >= len(t.order)
	if wrapped {
		t.newCycleLocked(now, false)
	} else {
		t.anchor.ItemIndex = next
		t.anchor.CurrentItemStartTime = now
		t.anchor.ElapsedInItemSeconds = 0
	}
	t.anchor.Revision++
	item := t.itemAtLocked(t.anchor.ItemIndex)
	anchor := t.anchor
	t.mu.Unlock()

	t.log.Info("advanced playout",
		slog.Int("item_index", anchor.ItemIndex),
		slog.String("title", item.Title),
		slog.Bool("new_cycle", wrapped))
	return item, wrapped, t.save(ctx, anchor)
}

// ResumeOffset re-anchors after an unexpected restart. The channel kept
// running in wall time while the process was down, so the current item is
// wherever the walk from the stored anchor lands. When that walk would drop
// a viewer into the middle of a multi-part episode it had not started, it
// snaps back to the first part so the group plays whole. Returns the item
// now on air and the offset into it.
func (t *Timeline) ResumeOffset(ctx context.Context, now time.Time) (Item, time.Duration, error) {
	t.mu.Lock()
	if len(t.order) == 0 {
		t.mu.Unlock()
		return Item{}, 0, ErrNoItems
	}
	pos, off := t.walkLocked(now)
	if pos != t.anchor.ItemIndex {
		if t.keepGroups && !t.sameGroupLocked(t.anchor.ItemIndex, pos) {
			if start := unitStart(t.base, t.order, pos); start != pos {
				pos = start
				off = 0
			}
		}
		t.anchor.ItemIndex = pos
		t.anchor.CurrentItemStartTime = now.Add(-off)
	}
	t.anchor.ElapsedInItemSeconds = off.Seconds()
	t.anchor.Revision++
	item := t.itemAtLocked(pos)
	anchor := t.anchor
	t.mu.Unlock()

	t.log.Info("resumed playout",
		slog.Int("item_index", anchor.ItemIndex),
		slog.String("title", item.Title),
		slog.Duration("offset", off))
	return item, off, t.save(ctx, anchor)
}

// Progress checkpoints elapsed time into the current item. The runtime calls
// it on the anchor flush cadence so a crash loses at most one interval.
func (t *Timeline) Progress(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	elapsed := now.Sub(t.anchor.CurrentItemStartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	t.anchor.ElapsedInItemSeconds = elapsed.Seconds()
	t.anchor.Revision++
	anchor := t.anchor
	t.mu.Unlock()
	return t.save(ctx, anchor)
}

// Snapshot projects the timeline forward into guide entries covering the
// window. The projection repeats the current permutation past the cycle
// boundary; the reshuffle that actually happens there is unknowable until
// the wrap occurs, and the guide corrects itself on the next generation.
func (t *Timeline) Snapshot(from time.Time, window time.Duration) []Programme {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil
	}
	pos, off := t.walkLocked(from)
	start := from.Add(-off)
	end := from.Add(window)

	var progs []Programme
	for start.Before(end) {
		it := t.itemAtLocked(pos)
		d := t.itemDurLocked(pos)
		progs = append(progs, Programme{
			ItemIndex:   pos,
			Start:       start,
			Stop:        start.Add(d),
			Title:       it.Title,
			Description: it.Description,
			EpisodeNum:  it.EpisodeNum,
		})
		start = start.Add(d)
		pos = (pos + 1) % len(t.order)
	}
	return progs
}

// newCycleLocked resets the anchor onto a fresh cycle starting now. The
// caller owns the revision bump.
func (t *Timeline) newCycleLocked(now time.Time, randomStart bool) {
	seed := cycleSeed(t.channelID, now)
	t.order = buildOrder(t.base, t.keepGroups, t.shuffle, seed)
	t.anchor.CycleStartTime = now
	t.anchor.CurrentItemStartTime = now
	t.anchor.ElapsedInItemSeconds = 0
	t.anchor.CycleSeed = seed
	t.anchor.ItemIndex = 0
	if randomStart && len(t.order) > 1 {
		rng := rand.New(rand.NewSource(seed))
		pos := rng.Intn(len(t.order))
		t.anchor.ItemIndex = unitStart(t.base, t.order, pos)
	}
}

// walkLocked steps forward from the anchor to the instant at. Whole cycles
// are skipped with one modulo so arbitrarily long downtime stays cheap.
func (t *Timeline) walkLocked(at time.Time) (int, time.Duration) {
	start := t.anchor.CurrentItemStartTime
	if !at.After(start) {
		return t.anchor.ItemIndex, 0
	}
	rem := at.Sub(start)
	pos := t.anchor.ItemIndex
	n := len(t.order)
	total := t.cycleDurationLocked()
	for rem >= t.itemDurLocked(pos) {
		rem -= t.itemDurLocked(pos)
		pos = (pos + 1) % n
		if rem >= total {
			rem %= total
		}
	}
	return pos, rem
}

func (t *Timeline) itemAtLocked(pos int) Item {
	if pos < 0 || pos >= len(t.order) {
		return Item{}
	}
	return t.base[t.order[pos]]
}

func (t *Timeline) itemDurLocked(pos int) time.Duration {
	d := t.itemAtLocked(pos).Duration
	if d <= 0 {
		d = DefaultItemDuration
	}
	return d
}

func (t *Timeline) cycleDurationLocked() time.Duration {
	var total time.Duration
	for pos := range t.order {
		total += t.itemDurLocked(pos)
	}
	return total
}

// sameGroupLocked reports whether two order positions belong to the same
// multi-part group.
func (t *Timeline) sameGroupLocked(a, b int) bool {
	if a < 0 || a >= len(t.order) || b < 0 || b >= len(t.order) {
		return false
	}
	ga := t.base[t.order[a]].MultiPartGroup
	gb := t.base[t.order[b]].MultiPartGroup
	return ga != "" && ga == gb
}

func (t *Timeline) save(ctx context.Context, anchor models.PlayoutAnchor) error {
	if err := t.store.Save(ctx, &anchor); err != nil {
		return fmt.Errorf("saving playout anchor: %w", err)
	}
	return nil
}
