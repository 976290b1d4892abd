// Package memory implements the repositories on process-local maps. Every
// value crossing the package boundary is cloned.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
)

// NewStores returns a fresh in-memory backend.
func NewStores() *repository.Stores {
	return &repository.Stores{
		Projects:  NewProjectRepository(),
		Activity:  NewActivityLogRepository(),
		Artifacts: NewArtifactRepository(),
	}
}

type projectRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*models.Project
	order []uuid.UUID // insertion order, oldest first
	locks sync.Map    // uuid.UUID -> *sync.Mutex
	now   func() time.Time
}

func NewProjectRepository() repository.ProjectRepository {
	return &projectRepository{
		items: make(map[uuid.UUID]*models.Project),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ repository.ProjectRepository = (*projectRepository)(nil)

func (r *projectRepository) lockFor(id uuid.UUID) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (r *projectRepository) Create(_ context.Context, p *models.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[p.ID]; exists {
		return appErr.New(appErr.CodeAlreadyExists, "project already exists")
	}
	r.items[p.ID] = p.Clone()
	r.order = append(r.order, p.ID)
	return nil
}

func (r *projectRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	if !ok {
		return nil, appErr.NotFound("project")
	}
	return p.Clone(), nil
}

// Update serializes on a per-id mutex so a slow mutation never blocks other
// projects. The map lock is only held to read and swap the record.
func (r *projectRepository) Update(_ context.Context, id uuid.UUID, fn repository.Mutation) (*models.Project, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	current, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.NotFound("project")
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, still := r.items[id]; !still {
		return nil, appErr.NotFound("project")
	}
	r.items[id] = next
	return next.Clone(), nil
}

func (r *projectRepository) List(_ context.Context, filter repository.ProjectFilter) ([]models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Project, 0, len(r.order))
	skipped := 0
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.items[r.order[i]]
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, *p.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *projectRepository) Delete(_ context.Context, id uuid.UUID) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return appErr.NotFound("project")
	}
	delete(r.items, id)
	r.order = slices.DeleteFunc(r.order, func(x uuid.UUID) bool { return x == id })
	r.locks.Delete(id)
	return nil
}

type activityLogRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID][]models.ActivityLogEntry
	seq     atomic.Uint64
}

func NewActivityLogRepository() repository.ActivityLogRepository {
	return &activityLogRepository{entries: make(map[uuid.UUID][]models.ActivityLogEntry)}
}

func (r *activityLogRepository) Append(_ context.Context, entry *models.ActivityLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ID = r.seq.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ProjectID] = append(r.entries[entry.ProjectID], *entry)
	return nil
}

func (r *activityLogRepository) ListByProject(_ context.Context, projectID uuid.UUID) ([]models.ActivityLogEntry, error) {
	r.mu.RLock()
	out := slices.Clone(r.entries[projectID])
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.ActivityLogEntry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if out == nil {
		out = []models.ActivityLogEntry{}
	}
	return out, nil
}

func (r *activityLogRepository) DeleteByProject(_ context.Context, projectID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, projectID)
	return nil
}

type artifactRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*models.Artifact
}

func NewArtifactRepository() repository.ArtifactRepository {
	return &artifactRepository{items: make(map[uuid.UUID]*models.Artifact)}
}

func (r *artifactRepository) CreateIfAbsent(_ context.Context, a *models.Artifact) (*models.Artifact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[a.ProjectID]; ok {
		return existing.Clone(), false, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	r.items[a.ProjectID] = a.Clone()
	return a.Clone(), true, nil
}

func (r *artifactRepository) GetByProject(_ context.Context, projectID uuid.UUID) (*models.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[projectID]
	if !ok {
		return nil, appErr.NotFound("artifact")
	}
	return a.Clone(), nil
}

func (r *artifactRepository) DeleteByProject(_ context.Context, projectID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, projectID)
	return nil
}
