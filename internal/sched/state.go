package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
	"github.com/exstreamtv/exstreamtv/internal/repository"
)

// StateStore caches a channel's picker state rows and writes them through to
// the repository. One store exists per channel runtime; strategies share it
// so a balance source and a slot bound to the same collection also share
// their cursor.
type StateStore struct {
	channelID models.ULID
	repo      repository.PickerStateRepository
	log       *slog.Logger

	mu     sync.Mutex
	states map[string]*models.PickerState
}

// NewStateStore creates a store for one channel. Load must run before use.
func NewStateStore(channelID models.ULID, repo repository.PickerStateRepository, log *slog.Logger) *StateStore {
	return &StateStore{
		channelID: channelID,
		repo:      repo,
		log:       log.With(slog.String("component", "sched")),
		states:    make(map[string]*models.PickerState),
	}
}

// Load pulls the channel's persisted rows into the cache.
func (s *StateStore) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	states, err := s.repo.GetAll(ctx, s.channelID)
	if err != nil {
		return fmt.Errorf("loading picker state: %w", err)
	}
	s.mu.Lock()
	s.states = states
	s.mu.Unlock()
	return nil
}

// Fork returns a deep copy that never persists. Guide generation simulates
// future picks on a fork so projecting the schedule ahead cannot disturb the
// live cooldowns and cursors.
func (s *StateStore) Fork() *StateStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]*models.PickerState, len(s.states))
	for key, st := range s.states {
		cp := *st
		copied[key] = &cp
	}
	return &StateStore{
		channelID: s.channelID,
		log:       s.log,
		states:    copied,
	}
}

// stateLocked returns the row for a source key, creating it on first use.
func (s *StateStore) stateLocked(key string) *models.PickerState {
	st, ok := s.states[key]
	if !ok {
		st = &models.PickerState{ChannelID: s.channelID, SourceKey: key}
		s.states[key] = st
	}
	return st
}

// persistLocked writes a row through to the repository. Failures are logged
// and swallowed: the in-memory state stays authoritative and losing a write
// costs at worst one cooldown window after a crash.
func (s *StateStore) persistLocked(ctx context.Context, st *models.PickerState) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, st); err != nil {
		s.log.Warn("persisting picker state failed",
			slog.String("source", st.SourceKey),
			slog.String("error", err.Error()))
	}
}

// balanceSnapshot is a read-only view of one source's balance counters.
type balanceSnapshot struct {
	lastPickedAt     *time.Time
	consecutiveCount int
}

func (s *StateStore) balanceState(key string) balanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(key)
	snap := balanceSnapshot{consecutiveCount: st.ConsecutiveCount}
	if st.LastPickedAt != nil {
		t := *st.LastPickedAt
		snap.lastPickedAt = &t
	}
	return snap
}

// recordBalancePick marks one source as picked at the given instant and
// resets every other source's consecutive run.
func (s *StateStore) recordBalancePick(ctx context.Context, picked string, keys []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		st := s.stateLocked(key)
		switch key {
		case picked:
			t := at
			st.LastPickedAt = &t
			st.ConsecutiveCount++
			s.persistLocked(ctx, st)
		default:
			if st.ConsecutiveCount != 0 {
				st.ConsecutiveCount = 0
				s.persistLocked(ctx, st)
			}
		}
	}
}

// ResetCursor rewinds a collection to the top of a fresh cycle. Loop padding
// uses it to replay slot content from the beginning.
func (s *StateStore) ResetCursor(ctx context.Context, collectionID models.ULID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(collectionID.String())
	if st.CyclePosition == 0 && st.CycleSeed == 0 {
		return
	}
	st.CyclePosition = 0
	st.CycleSeed = 0
	s.persistLocked(ctx, st)
}

// PickCollection selects the next usable item from a collection under an
// order mode, advancing the persisted cursor. A positive remaining puts the
// pick under a fit constraint: whole items (or whole multi-part runs) that
// cannot finish within it are skipped, and nil comes back when nothing fits.
// Nil with no error also means the collection has nothing usable.
func (s *StateStore) PickCollection(ctx context.Context, reader CollectionReader, collectionID models.ULID, mode models.OrderMode, at time.Time, remaining time.Duration) (*models.MediaItem, error) {
	all, err := reader.GetCollectionItems(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("reading collection %s: %w", collectionID, err)
	}
	items := make([]*models.MediaItem, 0, len(all))
	for _, it := range all {
		if it.Usable(at) {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	if mode == models.OrderModeRandom {
		rng := rand.New(rand.NewSource(at.UnixNano() ^ hashKey(collectionID.String())))
		return items[rng.Intn(len(items))], nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(collectionID.String())
	n := len(items)
	if st.CyclePosition < 0 || st.CyclePosition >= n {
		// Cursor from a previous cycle or a resized collection.
		st.CyclePosition = 0
		st.CycleSeed = 0
	}
	order := make([]int, n)
	if mode == models.OrderModeShuffle {
		if st.CycleSeed == 0 {
			st.CycleSeed = at.UnixNano() | 1
		}
		order = rand.New(rand.NewSource(st.CycleSeed)).Perm(n)
	} else {
		for i := range order {
			order[i] = i
		}
	}

	chosen := s.chooseFitting(items, order, st.CyclePosition, remaining)
	if chosen < 0 {
		return nil, nil
	}
	item := items[order[chosen]]
	st.CyclePosition = chosen + 1
	if st.CyclePosition >= n {
		// Cycle complete; the next pick starts a fresh permutation.
		st.CyclePosition = 0
		st.CycleSeed = 0
	}
	s.persistLocked(ctx, st)
	return item, nil
}

// chooseFitting returns the order position to play, honoring the fit
// constraint. A multi-part run is entered only at its first part and, once
// entered, continues regardless of fit.
func (s *StateStore) chooseFitting(items []*models.MediaItem, order []int, pos int, remaining time.Duration) int {
	n := len(items)
	if remaining <= 0 {
		return pos
	}
	// The cursor sitting mid-run means the previous pick started the run;
	// finish it before any skipping.
	if continuesRun(items, order, pos) {
		return pos
	}
	k := pos
	for scanned := 0; scanned < n; {
		i := k % n
		if continuesRun(items, order, i) {
			// Never enter a run mid-way.
			k++
			scanned++
			continue
		}
		length := runLength(items, order, i)
		if d, known := runDuration(items, order, i, length); known && d <= remaining {
			return i
		}
		k += length
		scanned += length
	}
	return -1
}

// continuesRun reports whether the entry at order position i is a later part
// of the multi-part run started at i-1.
func continuesRun(items []*models.MediaItem, order []int, i int) bool {
	if i <= 0 || i >= len(order) {
		return false
	}
	return adjacentParts(items[order[i-1]], items[order[i]])
}

// runLength counts the consecutive multi-part entries starting at order
// position i, staying within the cycle.
func runLength(items []*models.MediaItem, order []int, i int) int {
	length := 1
	for i+length < len(order) && adjacentParts(items[order[i+length-1]], items[order[i+length]]) {
		length++
	}
	return length
}

// runDuration sums the run's runtime. known is false when any part has an
// unknown duration, in which case a fit can never be proven.
func runDuration(items []*models.MediaItem, order []int, i, length int) (time.Duration, bool) {
	var total time.Duration
	for j := i; j < i+length; j++ {
		d := items[order[j]].Duration()
		if d <= 0 {
			return 0, false
		}
		total += d
	}
	return total, true
}
