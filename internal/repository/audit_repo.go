package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// auditRepo implements AuditRepository using GORM.
type auditRepo struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepo{db: db}
}

// RecordLease writes a lease audit row at acquisition.
func (r *auditRepo) RecordLease(ctx context.Context, record *models.LeaseRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("recording lease: %w", err)
	}
	return nil
}

// CloseLease updates a lease row on release.
func (r *auditRepo) CloseLease(ctx context.Context, id models.ULID, at time.Time, exitCode *int, revokeReason string) error {
	updates := map[string]any{
		"released_at":   at,
		"revoke_reason": revokeReason,
	}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	err := r.db.WithContext(ctx).
		Model(&models.LeaseRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("closing lease record: %w", err)
	}
	return nil
}

// RecordSession writes a session summary row at close.
func (r *auditRepo) RecordSession(ctx context.Context, audit *models.SessionAudit) error {
	if err := r.db.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("recording session audit: %w", err)
	}
	return nil
}

// TrimBefore deletes audit rows created before the cutoff.
func (r *auditRepo) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64

	res := r.db.WithContext(ctx).
		Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.LeaseRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("trimming lease records: %w", res.Error)
	}
	removed += res.RowsAffected

	res = r.db.WithContext(ctx).
		Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.SessionAudit{})
	if res.Error != nil {
		return removed, fmt.Errorf("trimming session audits: %w", res.Error)
	}
	removed += res.RowsAffected

	return removed, nil
}
