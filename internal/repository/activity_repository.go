package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/siteforge/engine/internal/models"
	appErr "github.com/siteforge/engine/pkg/errors"
)

type activityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) ActivityLogRepository {
	return &activityLogRepository{db: db}
}

func (r *activityLogRepository) Append(ctx context.Context, entry *models.ActivityLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "append activity failed")
	}
	return nil
}

func (r *activityLogRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.ActivityLogEntry, error) {
	var out []models.ActivityLogEntry
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("timestamp ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list activity failed")
	}
	return out, nil
}

func (r *activityLogRepository) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.ActivityLogEntry{}).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "delete activity failed")
	}
	return nil
}
