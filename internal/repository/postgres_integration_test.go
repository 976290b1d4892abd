//go:build integration

package repository_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/datatypes"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	"github.com/siteforge/engine/pkg/database"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
)

func openStores(t *testing.T) *repository.Stores {
	t.Helper()
	ctx := context.Background()
	logger.InitNop()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("siteforge"),
		tcpostgres.WithUsername("siteforge"),
		tcpostgres.WithPassword("siteforge"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.OpenPostgres(ctx, dsn, database.Options{})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	// Second run must be a no-op.
	require.NoError(t, repository.Migrate(db))

	stores := repository.NewGormStores(db)
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func TestPostgresStores(t *testing.T) {
	stores := openStores(t)
	ctx := context.Background()

	p := &models.Project{
		BusinessName: "Coffee Corner",
		Email:        "hello@coffeecorner.com",
		Features:     datatypes.JSONSlice[string]{"menu"},
		Budget:       300,
		Status:       models.StatusPending,
	}
	require.NoError(t, stores.Projects.Create(ctx, p))

	t.Run("update serializes", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := stores.Projects.Update(ctx, p.ID, func(p *models.Project) error {
					p.Progress++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := stores.Projects.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, got.Progress)
	})

	t.Run("progress check constraint", func(t *testing.T) {
		_, err := stores.Projects.Update(ctx, p.ID, func(p *models.Project) error {
			p.Progress = 101
			return nil
		})
		assert.Error(t, err)
	})

	t.Run("list filter", func(t *testing.T) {
		list, err := stores.Projects.List(ctx, repository.ProjectFilter{Status: models.StatusPending})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, p.ID, list[0].ID)
	})

	t.Run("activity", func(t *testing.T) {
		require.NoError(t, stores.Activity.Append(ctx, &models.ActivityLogEntry{ProjectID: p.ID, Phase: "design", Status: models.ActivityStarted}))
		require.NoError(t, stores.Activity.Append(ctx, &models.ActivityLogEntry{ProjectID: p.ID, Phase: "design", Status: models.ActivityCompleted}))
		entries, err := stores.Activity.ListByProject(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.ActivityStarted, entries[0].Status)
	})

	t.Run("artifact created once", func(t *testing.T) {
		a := &models.Artifact{
			ProjectID:          p.ID,
			LiveSiteURL:        "https://coffee-corner.siteforge.app",
			DocumentationLinks: datatypes.NewJSONType(map[string]string{models.LinkDocumentation: "https://docs.siteforge.app"}),
			Digest:             "0000000000000000000000000000000000000000000000000000000000000000",
		}
		_, created, err := stores.Artifacts.CreateIfAbsent(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := stores.Artifacts.CreateIfAbsent(ctx, &models.Artifact{ProjectID: p.ID, LiveSiteURL: "https://other", Digest: a.Digest})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, a.LiveSiteURL, again.LiveSiteURL)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := stores.Projects.GetByID(ctx, uuid.New())
		assert.True(t, appErr.IsNotFound(err))
		_, err = stores.Artifacts.GetByProject(ctx, uuid.New())
		assert.True(t, appErr.IsNotFound(err))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, stores.Projects.Delete(ctx, p.ID))
		assert.True(t, appErr.IsNotFound(stores.Projects.Delete(ctx, p.ID)))
	})
}
