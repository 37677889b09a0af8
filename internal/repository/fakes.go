package repository

import (
	"context"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// In-memory fakes for unit tests in packages that depend on repositories.
// They honor the same contracts as the GORM implementations, including the
// anchor revision guard.

var (
	_ ChannelRepository     = (*FakeChannelRepository)(nil)
	_ ScheduleRepository    = (*FakeScheduleRepository)(nil)
	_ MediaRepository       = (*FakeMediaRepository)(nil)
	_ AnchorRepository      = (*FakeAnchorRepository)(nil)
	_ PickerStateRepository = (*FakePickerStateRepository)(nil)
	_ AuditRepository       = (*FakeAuditRepository)(nil)
)

// FakeChannelRepository is an in-memory ChannelRepository.
type FakeChannelRepository struct {
	mu       sync.Mutex
	channels map[models.ULID]*models.Channel
}

// NewFakeChannelRepository creates an empty fake.
func NewFakeChannelRepository() *FakeChannelRepository {
	return &FakeChannelRepository{channels: make(map[models.ULID]*models.Channel)}
}

func (f *FakeChannelRepository) Create(_ context.Context, channel *models.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel.ID.IsZero() {
		channel.ID = models.NewULID()
	}
	cp := *channel
	f.channels[channel.ID] = &cp
	return nil
}

func (f *FakeChannelRepository) GetByID(_ context.Context, id models.ULID) (*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (f *FakeChannelRepository) GetByNumber(_ context.Context, number int) (*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.Number == number {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeChannelRepository) GetEnabled(_ context.Context) ([]*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Channel
	for _, ch := range f.channels {
		if ch.IsEnabled() {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sortChannelsByNumber(out)
	return out, nil
}

func (f *FakeChannelRepository) GetAll(_ context.Context) ([]*models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sortChannelsByNumber(out)
	return out, nil
}

func (f *FakeChannelRepository) Update(_ context.Context, channel *models.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *channel
	f.channels[channel.ID] = &cp
	return nil
}

func (f *FakeChannelRepository) Delete(_ context.Context, id models.ULID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
	return nil
}

func sortChannelsByNumber(channels []*models.Channel) {
	for i := 1; i < len(channels); i++ {
		for j := i; j > 0 && channels[j-1].Number > channels[j].Number; j-- {
			channels[j-1], channels[j] = channels[j], channels[j-1]
		}
	}
}

// FakeScheduleRepository is an in-memory ScheduleRepository.
type FakeScheduleRepository struct {
	mu        sync.Mutex
	byChannel map[models.ULID]*models.ProgramSchedule
}

// NewFakeScheduleRepository creates an empty fake.
func NewFakeScheduleRepository() *FakeScheduleRepository {
	return &FakeScheduleRepository{byChannel: make(map[models.ULID]*models.ProgramSchedule)}
}

func (f *FakeScheduleRepository) Create(_ context.Context, schedule *models.ProgramSchedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if schedule.ID.IsZero() {
		schedule.ID = models.NewULID()
	}
	f.byChannel[schedule.ChannelID] = schedule
	return nil
}

func (f *FakeScheduleRepository) GetByChannelID(_ context.Context, channelID models.ULID) (*models.ProgramSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byChannel[channelID]
	if !ok {
		return nil, nil
	}
	return s, nil
}

// FakeMediaRepository is an in-memory MediaRepository.
type FakeMediaRepository struct {
	mu          sync.Mutex
	items       map[models.ULID]*models.MediaItem
	collections map[models.ULID]*models.MediaCollection
	order       map[models.ULID][]models.ULID
}

// NewFakeMediaRepository creates an empty fake.
func NewFakeMediaRepository() *FakeMediaRepository {
	return &FakeMediaRepository{
		items:       make(map[models.ULID]*models.MediaItem),
		collections: make(map[models.ULID]*models.MediaCollection),
		order:       make(map[models.ULID][]models.ULID),
	}
}

func (f *FakeMediaRepository) CreateCollection(_ context.Context, collection *models.MediaCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if collection.ID.IsZero() {
		collection.ID = models.NewULID()
	}
	f.collections[collection.ID] = collection
	return nil
}

func (f *FakeMediaRepository) CreateItem(_ context.Context, item *models.MediaItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID.IsZero() {
		item.ID = models.NewULID()
	}
	cp := *item
	f.items[item.ID] = &cp
	if !item.CollectionID.IsZero() {
		f.order[item.CollectionID] = append(f.order[item.CollectionID], item.ID)
	}
	return nil
}

func (f *FakeMediaRepository) GetItem(_ context.Context, id models.ULID) (*models.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (f *FakeMediaRepository) GetCollectionItems(_ context.Context, collectionID models.ULID) ([]*models.MediaItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.order[collectionID]
	out := make([]*models.MediaItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *FakeMediaRepository) MarkUnusable(_ context.Context, id models.ULID, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[id]; ok {
		item.MarkUnusable(until)
	}
	return nil
}

// FakeAnchorRepository is an in-memory AnchorRepository with the same
// revision guard as the GORM implementation.
type FakeAnchorRepository struct {
	mu      sync.Mutex
	anchors map[models.ULID]*models.PlayoutAnchor

	// SaveCount counts accepted saves, for checkpoint tests.
	SaveCount int
}

// NewFakeAnchorRepository creates an empty fake.
func NewFakeAnchorRepository() *FakeAnchorRepository {
	return &FakeAnchorRepository{anchors: make(map[models.ULID]*models.PlayoutAnchor)}
}

// Saves returns the accepted save count.
func (f *FakeAnchorRepository) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SaveCount
}

func (f *FakeAnchorRepository) Get(_ context.Context, channelID models.ULID) (*models.PlayoutAnchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.anchors[channelID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *FakeAnchorRepository) Save(_ context.Context, anchor *models.PlayoutAnchor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.anchors[anchor.ChannelID]
	if ok && anchor.Revision <= existing.Revision {
		return nil
	}
	cp := *anchor
	if ok {
		cp.ID = existing.ID
	} else if cp.ID.IsZero() {
		cp.ID = models.NewULID()
	}
	f.anchors[anchor.ChannelID] = &cp
	f.SaveCount++
	return nil
}

// FakePickerStateRepository is an in-memory PickerStateRepository.
type FakePickerStateRepository struct {
	mu     sync.Mutex
	states map[models.ULID]map[string]*models.PickerState

	// SaveCount counts accepted saves.
	SaveCount int
}

// NewFakePickerStateRepository creates an empty fake.
func NewFakePickerStateRepository() *FakePickerStateRepository {
	return &FakePickerStateRepository{states: make(map[models.ULID]map[string]*models.PickerState)}
}

func (f *FakePickerStateRepository) GetAll(_ context.Context, channelID models.ULID) (map[string]*models.PickerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*models.PickerState, len(f.states[channelID]))
	for key, st := range f.states[channelID] {
		cp := *st
		out[key] = &cp
	}
	return out, nil
}

func (f *FakePickerStateRepository) Save(_ context.Context, state *models.PickerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byKey, ok := f.states[state.ChannelID]
	if !ok {
		byKey = make(map[string]*models.PickerState)
		f.states[state.ChannelID] = byKey
	}
	cp := *state
	if existing, ok := byKey[state.SourceKey]; ok {
		cp.ID = existing.ID
	} else if cp.ID.IsZero() {
		cp.ID = models.NewULID()
	}
	byKey[state.SourceKey] = &cp
	f.SaveCount++
	return nil
}

// FakeAuditRepository is an in-memory AuditRepository.
type FakeAuditRepository struct {
	mu       sync.Mutex
	Leases   []*models.LeaseRecord
	Sessions []*models.SessionAudit
}

// NewFakeAuditRepository creates an empty fake.
func NewFakeAuditRepository() *FakeAuditRepository {
	return &FakeAuditRepository{}
}

func (f *FakeAuditRepository) RecordLease(_ context.Context, record *models.LeaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.ID.IsZero() {
		record.ID = models.NewULID()
	}
	cp := *record
	f.Leases = append(f.Leases, &cp)
	return nil
}

func (f *FakeAuditRepository) CloseLease(_ context.Context, id models.ULID, at time.Time, exitCode *int, revokeReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Leases {
		if r.ID == id {
			r.MarkReleased(at, exitCode, revokeReason)
			return nil
		}
	}
	return nil
}

func (f *FakeAuditRepository) RecordSession(_ context.Context, audit *models.SessionAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if audit.ID.IsZero() {
		audit.ID = models.NewULID()
	}
	cp := *audit
	f.Sessions = append(f.Sessions, &cp)
	return nil
}

func (f *FakeAuditRepository) TrimBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	keepL := f.Leases[:0]
	for _, r := range f.Leases {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		keepL = append(keepL, r)
	}
	f.Leases = keepL
	keepS := f.Sessions[:0]
	for _, s := range f.Sessions {
		if s.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		keepS = append(keepS, s)
	}
	f.Sessions = keepS
	return removed, nil
}
