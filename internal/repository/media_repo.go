package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// mediaRepo implements MediaRepository using GORM.
type mediaRepo struct {
	db *gorm.DB
}

// NewMediaRepository creates a new MediaRepository.
func NewMediaRepository(db *gorm.DB) MediaRepository {
	return &mediaRepo{db: db}
}

// CreateCollection creates a media collection.
func (r *mediaRepo) CreateCollection(ctx context.Context, collection *models.MediaCollection) error {
	if err := r.db.WithContext(ctx).Create(collection).Error; err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// CreateItem creates a media item.
func (r *mediaRepo) CreateItem(ctx context.Context, item *models.MediaItem) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating media item: %w", err)
	}
	return nil
}

// GetItem retrieves a media item by ID.
func (r *mediaRepo) GetItem(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting media item: %w", err)
	}
	return &item, nil
}

// GetCollectionItems retrieves all items of a collection in insertion order.
func (r *mediaRepo) GetCollectionItems(ctx context.Context, collectionID models.ULID) ([]*models.MediaItem, error) {
	var items []*models.MediaItem
	err := r.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("getting collection items: %w", err)
	}
	return items, nil
}

// MarkUnusable sidelines an item until the given time.
func (r *mediaRepo) MarkUnusable(ctx context.Context, id models.ULID, until time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.MediaItem{}).
		Where("id = ?", id).
		Update("unusable_until", until).Error
	if err != nil {
		return fmt.Errorf("marking media unusable: %w", err)
	}
	return nil
}
