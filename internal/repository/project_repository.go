package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/siteforge/engine/internal/models"
	appErr "github.com/siteforge/engine/pkg/errors"
)

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

// NewProjectRepository returns a postgres-backed ProjectRepository. Update
// holds a row lock for the duration of the mutation.
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db, "project"), db: db}
}

func (r *projectRepository) Create(ctx context.Context, p *models.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.BaseRepository.Create(ctx, p)
}

func (r *projectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	if err := r.BaseRepository.GetByID(ctx, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *projectRepository) Update(ctx context.Context, id uuid.UUID, fn Mutation) (*models.Project, error) {
	var out models.Project
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return appErr.NotFound("project")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "lock project failed")
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.ID = id
		if err := tx.Save(&out).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update project failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *projectRepository) List(ctx context.Context, filter ProjectFilter) ([]models.Project, error) {
	q := r.db.WithContext(ctx).Model(&models.Project{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var out []models.Project
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects failed")
	}
	return out, nil
}

func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.BaseRepository.Delete(ctx, id)
}
