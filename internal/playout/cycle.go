package playout

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// DefaultItemDuration stands in for media whose runtime is unknown. The
// guide needs every programme to occupy real time, so an unknown runtime is
// assumed to be a half hour until a probe fills it in.
const DefaultItemDuration = 30 * time.Minute

// Item is one playable entry of a cycle, flattened from a schedule entry and
// its media row so timeline math never touches the database.
type Item struct {
	ScheduleItemID models.ULID
	MediaItemID    models.ULID

	Kind   models.MediaKind
	Handle string

	Title       string
	Description string
	EpisodeNum  string

	// InPoint trims the start of the media. Duration is the effective
	// on-air runtime after trimming.
	InPoint  time.Duration
	Duration time.Duration

	MultiPartGroup string
	FillerKind     models.FillerKind

	DirectPlay     bool
	ContainerHint  string
	VideoCodecHint string
	AudioCodecHint string
}

// IsFiller reports whether the entry is filler rather than program content.
func (it Item) IsFiller() bool { return it.FillerKind != "" }

// FromScheduleItems flattens schedule entries into cycle items, dropping
// entries whose media is missing or marked unusable at build time.
func FromScheduleItems(entries []models.ScheduleItem, now time.Time) []Item {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if e.MediaItem == nil || !e.MediaItem.Usable(now) {
			continue
		}
		items = append(items, fromScheduleItem(e))
	}
	return items
}

func fromScheduleItem(e models.ScheduleItem) Item {
	m := e.MediaItem
	in := time.Duration(e.InPointSeconds * float64(time.Second))
	d := m.Duration()
	switch {
	case e.OutPointSeconds > 0:
		d = time.Duration((e.OutPointSeconds - e.InPointSeconds) * float64(time.Second))
	case d > 0:
		d -= in
	}
	if d <= 0 {
		d = DefaultItemDuration
	}
	return Item{
		ScheduleItemID: e.ID,
		MediaItemID:    e.MediaItemID,
		Kind:           m.Kind,
		Handle:         m.Handle,
		Title:          m.Title,
		Description:    m.Description,
		EpisodeNum:     m.EpisodeNum,
		InPoint:        in,
		Duration:       d,
		MultiPartGroup: e.MultiPartGroup,
		FillerKind:     e.FillerKind,
		DirectPlay:     m.DirectPlay,
		ContainerHint:  m.ContainerHint,
		VideoCodecHint: m.VideoCodecHint,
		AudioCodecHint: m.AudioCodecHint,
	}
}

// cycleSeed derives the shuffle seed for a cycle from the channel identity
// and the cycle's wall-clock start. Rebuilding with the same pair reproduces
// the same permutation, which is what lets a restart mid-cycle resume the
// exact order it was playing.
func cycleSeed(channelID models.ULID, cycleStart time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(channelID.String()))
	return int64(h.Sum64()) ^ cycleStart.Unix()
}

// buildOrder returns the playout order for one cycle as indexes into base.
// Multi-part groups move as single blocks when keepGroups is set, so a
// shuffle can never interleave other items between parts.
func buildOrder(base []Item, keepGroups, shuffle bool, seed int64) []int {
	units := groupUnits(base, keepGroups)
	if shuffle && len(units) > 1 {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(units), func(i, j int) { units[i], units[j] = units[j], units[i] })
	}
	order := make([]int, 0, len(base))
	for _, u := range units {
		order = append(order, u...)
	}
	return order
}

// groupUnits splits base into shuffle units: one unit per multi-part group,
// parts kept in stored order, and one unit per standalone item. Without
// keepGroups every item shuffles independently.
func groupUnits(base []Item, keepGroups bool) [][]int {
	units := make([][]int, 0, len(base))
	if !keepGroups {
		for i := range base {
			units = append(units, []int{i})
		}
		return units
	}
	byGroup := make(map[string]int)
	for i, it := range base {
		if it.MultiPartGroup == "" {
			units = append(units, []int{i})
			continue
		}
		if u, ok := byGroup[it.MultiPartGroup]; ok {
			units[u] = append(units[u], i)
			continue
		}
		byGroup[it.MultiPartGroup] = len(units)
		units = append(units, []int{i})
	}
	return units
}

// unitStart returns the order position of the first part of the group that
// contains order position pos. Standalone items are their own group.
func unitStart(base []Item, order []int, pos int) int {
	group := base[order[pos]].MultiPartGroup
	if group == "" {
		return pos
	}
	start := pos
	for start > 0 && base[order[start-1]].MultiPartGroup == group {
		start--
	}
	return start
}
