package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// anchorRepo implements AnchorRepository using GORM.
type anchorRepo struct {
	db *gorm.DB
}

// NewAnchorRepository creates a new AnchorRepository.
func NewAnchorRepository(db *gorm.DB) AnchorRepository {
	return &anchorRepo{db: db}
}

// Get retrieves the anchor for a channel.
func (r *anchorRepo) Get(ctx context.Context, channelID models.ULID) (*models.PlayoutAnchor, error) {
	var anchor models.PlayoutAnchor
	if err := r.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&anchor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting anchor: %w", err)
	}
	return &anchor, nil
}

// Save persists an anchor, dropping writes whose revision does not advance
// past the stored one. Checkpoints are written at-least-once, so duplicates
// and late arrivals are expected rather than exceptional.
func (r *anchorRepo) Save(ctx context.Context, anchor *models.PlayoutAnchor) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.PlayoutAnchor
		err := tx.Where("channel_id = ?", anchor.ChannelID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(anchor).Error
		}
		if err != nil {
			return err
		}
		if anchor.Revision <= existing.Revision {
			return nil
		}
		anchor.ID = existing.ID
		return tx.Model(&models.PlayoutAnchor{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"cycle_start_time":        anchor.CycleStartTime,
				"current_item_start_time": anchor.CurrentItemStartTime,
				"elapsed_in_item_seconds": anchor.ElapsedInItemSeconds,
				"item_index":              anchor.ItemIndex,
				"revision":                anchor.Revision,
				"cycle_seed":              anchor.CycleSeed,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("saving anchor: %w", err)
	}
	return nil
}
