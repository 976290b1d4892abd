package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/siteforge/engine/internal/models"
)

// Mutation edits a project in place inside an atomic update. Returning an
// error aborts the update and leaves the stored project untouched.
type Mutation func(p *models.Project) error

// ProjectFilter narrows List results. A zero Limit means no limit.
type ProjectFilter struct {
	Status models.ProjectStatus
	Limit  int
	Offset int
}

// ProjectRepository is the authoritative store of projects. Update calls on the
// same id are serialized; calls on different ids do not block each other.
type ProjectRepository interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, id uuid.UUID, fn Mutation) (*models.Project, error)
	List(ctx context.Context, filter ProjectFilter) ([]models.Project, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ActivityLogRepository stores the append-only activity log.
type ActivityLogRepository interface {
	Append(ctx context.Context, entry *models.ActivityLogEntry) error
	// ListByProject returns entries ordered by timestamp, oldest first.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.ActivityLogEntry, error)
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error
}

// ArtifactRepository stores at most one artifact per project.
type ArtifactRepository interface {
	// CreateIfAbsent stores a unless an artifact already exists for the project.
	// It returns the stored artifact and whether this call created it.
	CreateIfAbsent(ctx context.Context, a *models.Artifact) (*models.Artifact, bool, error)
	GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error)
	DeleteByProject(ctx context.Context, projectID uuid.UUID) error
}

// Stores bundles one backend's repositories.
type Stores struct {
	Projects  ProjectRepository
	Activity  ActivityLogRepository
	Artifacts ArtifactRepository
	// Close releases the backend's connections. Nil for in-process stores.
	Close func() error
}

// NewGormStores wires the postgres-backed repositories over db.
func NewGormStores(db *gorm.DB) *Stores {
	return &Stores{
		Projects:  NewProjectRepository(db),
		Activity:  NewActivityLogRepository(db),
		Artifacts: NewArtifactRepository(db),
		Close: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}
