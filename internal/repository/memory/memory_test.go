package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
)

func newProject(name string, status models.ProjectStatus) *models.Project {
	return &models.Project{
		BusinessName: name,
		Email:        "owner@example.com",
		Features:     []string{"contact-form"},
		Budget:       300,
		Status:       status,
	}
}

func TestProjectCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()

	p := newProject("Coffee Corner", models.StatusPending)
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Coffee Corner", got.BusinessName)

	// Returned values never alias stored state.
	got.Features[0] = "changed"
	again, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "contact-form", again.Features[0])
}

func TestProjectGetUnknown(t *testing.T) {
	_, err := NewProjectRepository().GetByID(context.Background(), uuid.New())
	assert.True(t, appErr.IsNotFound(err))
}

func TestProjectUpdateMutationErrorLeavesRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()
	p := newProject("Bakery", models.StatusPending)
	require.NoError(t, repo.Create(ctx, p))

	boom := errors.New("boom")
	_, err := repo.Update(ctx, p.ID, func(p *models.Project) error {
		p.Progress = 50
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestProjectUpdateUnknown(t *testing.T) {
	_, err := NewProjectRepository().Update(context.Background(), uuid.New(), func(*models.Project) error { return nil })
	assert.True(t, appErr.IsNotFound(err))
}

func TestProjectConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()
	p := newProject("Counter Shop", models.StatusPending)
	require.NoError(t, repo.Create(ctx, p))

	const n = 100
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, p.ID, func(p *models.Project) error {
				p.Budget++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 300+n, got.Budget)
}

func TestProjectUpdateDoesNotBlockOtherIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()
	a := newProject("A", models.StatusPending)
	b := newProject("B", models.StatusPending)
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = repo.Update(ctx, a.ID, func(*models.Project) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan error, 1)
	go func() {
		_, err := repo.Update(ctx, b.ID, func(p *models.Project) error {
			p.Progress = 10
			return nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("update of B blocked on A")
	}
	close(release)
}

func TestProjectListNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()
	names := []string{"first", "second", "third"}
	for i, n := range names {
		status := models.StatusPending
		if i == 1 {
			status = models.StatusCompleted
		}
		require.NoError(t, repo.Create(ctx, newProject(n, status)))
	}

	all, err := repo.List(ctx, repository.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].BusinessName)
	assert.Equal(t, "first", all[2].BusinessName)

	pending, err := repo.List(ctx, repository.ProjectFilter{Status: models.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "third", pending[0].BusinessName)

	page, err := repo.List(ctx, repository.ProjectFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "second", page[0].BusinessName)
}

func TestProjectDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository()
	p := newProject("Gone", models.StatusPending)
	require.NoError(t, repo.Create(ctx, p))

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err := repo.GetByID(ctx, p.ID)
	assert.True(t, appErr.IsNotFound(err))
	assert.True(t, appErr.IsNotFound(repo.Delete(ctx, p.ID)))

	list, err := repo.List(ctx, repository.ProjectFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestActivityOrderedAndIsolated(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityLogRepository()
	a, b := uuid.New(), uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(ctx, &models.ActivityLogEntry{ProjectID: a, Phase: "review", Status: models.ActivityStarted, Timestamp: base.Add(2 * time.Second)}))
	require.NoError(t, repo.Append(ctx, &models.ActivityLogEntry{ProjectID: a, Phase: "design", Status: models.ActivityStarted, Timestamp: base}))
	require.NoError(t, repo.Append(ctx, &models.ActivityLogEntry{ProjectID: b, Phase: "design", Status: models.ActivityStarted, Timestamp: base}))
	require.NoError(t, repo.Append(ctx, &models.ActivityLogEntry{ProjectID: a, Phase: "design", Status: models.ActivityCompleted, Timestamp: base}))

	entries, err := repo.ListByProject(ctx, a)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActivityStarted, entries[0].Status)
	assert.Equal(t, models.ActivityCompleted, entries[1].Status)
	assert.Equal(t, "review", entries[2].Phase)
	for _, e := range entries {
		assert.Equal(t, a, e.ProjectID)
	}

	require.NoError(t, repo.DeleteByProject(ctx, a))
	entries, err = repo.ListByProject(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArtifactCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewArtifactRepository()
	id := uuid.New()

	_, err := repo.GetByProject(ctx, id)
	assert.True(t, appErr.IsNotFound(err))

	first, created, err := repo.CreateIfAbsent(ctx, &models.Artifact{ProjectID: id, LiveSiteURL: "https://one.example.com"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.CreateIfAbsent(ctx, &models.Artifact{ProjectID: id, LiveSiteURL: "https://two.example.com"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.LiveSiteURL, second.LiveSiteURL)

	require.NoError(t, repo.DeleteByProject(ctx, id))
	_, err = repo.GetByProject(ctx, id)
	assert.True(t, appErr.IsNotFound(err))
}
