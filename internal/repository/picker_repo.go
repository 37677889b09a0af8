package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// pickerRepo implements PickerStateRepository using GORM.
type pickerRepo struct {
	db *gorm.DB
}

// NewPickerStateRepository creates a new PickerStateRepository.
func NewPickerStateRepository(db *gorm.DB) PickerStateRepository {
	return &pickerRepo{db: db}
}

// GetAll retrieves every picker state row for a channel, keyed by source.
func (r *pickerRepo) GetAll(ctx context.Context, channelID models.ULID) (map[string]*models.PickerState, error) {
	var rows []*models.PickerState
	if err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("getting picker states: %w", err)
	}
	states := make(map[string]*models.PickerState, len(rows))
	for _, row := range rows {
		states[row.SourceKey] = row
	}
	return states, nil
}

// Save upserts a picker state row by (channel, source).
func (r *pickerRepo) Save(ctx context.Context, state *models.PickerState) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.PickerState
		err := tx.Where("channel_id = ? AND source_key = ?", state.ChannelID, state.SourceKey).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(state).Error
		}
		if err != nil {
			return err
		}
		state.ID = existing.ID
		return tx.Model(&models.PickerState{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"last_picked_at":    state.LastPickedAt,
				"consecutive_count": state.ConsecutiveCount,
				"cycle_seed":        state.CycleSeed,
				"cycle_position":    state.CyclePosition,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("saving picker state: %w", err)
	}
	return nil
}
