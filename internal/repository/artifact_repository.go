package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/siteforge/engine/internal/models"
	appErr "github.com/siteforge/engine/pkg/errors"
)

type artifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{db: db}
}

func (r *artifactRepository) CreateIfAbsent(ctx context.Context, a *models.Artifact) (*models.Artifact, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return nil, false, appErr.Wrap(res.Error, appErr.CodeInternal, "create artifact failed")
	}
	if res.RowsAffected == 1 {
		return a.Clone(), true, nil
	}
	existing, err := r.GetByProject(ctx, a.ProjectID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *artifactRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	if err := r.db.WithContext(ctx).First(&a, "project_id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.NotFound("artifact")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get artifact failed")
	}
	return &a, nil
}

func (r *artifactRepository) DeleteByProject(ctx context.Context, projectID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.Artifact{}).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "delete artifact failed")
	}
	return nil
}
