package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// scheduleRepo implements ScheduleRepository using GORM.
type scheduleRepo struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

// Create creates a schedule with its items.
func (r *scheduleRepo) Create(ctx context.Context, schedule *models.ProgramSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}
	return nil
}

// GetByChannelID retrieves the schedule for a channel with ordered items and
// their media preloaded.
func (r *scheduleRepo) GetByChannelID(ctx context.Context, channelID models.ULID) (*models.ProgramSchedule, error) {
	var schedule models.ProgramSchedule
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("schedule_items.position ASC")
		}).
		Preload("Items.MediaItem").
		Where("channel_id = ?", channelID).
		First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting schedule by channel: %w", err)
	}
	return &schedule, nil
}
