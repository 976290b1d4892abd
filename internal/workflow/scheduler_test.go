package workflow

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/siteforge/engine/internal/catalog"
	"github.com/siteforge/engine/internal/events"
	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/publisher"
	"github.com/siteforge/engine/internal/repository"
	"github.com/siteforge/engine/internal/repository/memory"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
)

const (
	testDomain = "siteforge.app"
	fastDwell  = 5 * time.Millisecond
	slowDwell  = time.Hour
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyCompleted(ctx context.Context, p *models.Project, a *models.Artifact) error {
	return m.Called(ctx, p, a).Error(0)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, uuid.UUID) (*models.Artifact, error) {
	return nil, errors.New("cdn unavailable")
}

type fixture struct {
	stores    *repository.Stores
	scheduler *Scheduler
	bus       *events.Bus
}

func newFixture(t *testing.T, dwell time.Duration, opts ...Option) *fixture {
	t.Helper()
	stores := memory.NewStores()
	bus := events.NewBus()
	pub := publisher.New(stores.Projects, stores.Artifacts, testDomain)
	opts = append([]Option{WithEventBus(bus)}, opts...)
	s := New(stores.Projects, stores.Activity, catalog.Default(dwell), pub, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &fixture{stores: stores, scheduler: s, bus: bus}
}

func (f *fixture) create(t *testing.T, name string) *models.Project {
	t.Helper()
	p := &models.Project{
		BusinessName:     name,
		Email:            "hello@coffeecorner.com",
		Features:         []string{"menu"},
		DesignStyle:      "modern",
		Budget:           300,
		PaymentReference: "pi_test",
		Status:           models.StatusPending,
	}
	require.NoError(t, f.stores.Projects.Create(context.Background(), p))
	return p
}

func (f *fixture) waitIdle(t *testing.T, id uuid.UUID) *models.Project {
	t.Helper()
	require.Eventually(t, func() bool { return !f.scheduler.IsRunning(id) }, 5*time.Second, 2*time.Millisecond)
	p, err := f.stores.Projects.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) waitLog(t *testing.T, id uuid.UUID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := f.stores.Activity.ListByProject(context.Background(), id)
		return err == nil && len(entries) >= n
	}, 5*time.Second, 2*time.Millisecond)
}

func (f *fixture) log(t *testing.T, id uuid.UUID) []models.ActivityLogEntry {
	t.Helper()
	entries, err := f.stores.Activity.ListByProject(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func TestRunFollowsCatalogOrder(t *testing.T) {
	f := newFixture(t, fastDwell)
	sub := f.bus.Subscribe()
	p := f.create(t, "Coffee Corner")

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	done := f.waitIdle(t, p.ID)

	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Nil(t, done.CurrentAgent)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, catalog.PhaseDeploy, done.CurrentPhase)

	// Every persisted snapshot follows the catalog mapping.
	var snapshots []*models.Project
	for len(sub) > 0 {
		evt := <-sub
		if evt.Type == events.ProjectUpdated {
			snapshots = append(snapshots, evt.Data.(*models.Project))
		}
	}
	require.Len(t, snapshots, 4)
	wantStatus := []models.ProjectStatus{models.StatusInDevelopment, models.StatusInDevelopment, models.StatusInReview, models.StatusCompleted}
	wantProgress := []int{30, 60, 90, 100}
	wantAgent := []string{"Design Agent", "Development Agent", "QA Agent", ""}
	for i, snap := range snapshots {
		assert.Equal(t, wantStatus[i], snap.Status)
		assert.Equal(t, wantProgress[i], snap.Progress)
		assert.Equal(t, wantAgent[i], snap.Agent())
		assert.Equal(t, snap.Progress == 100, snap.Status == models.StatusCompleted)
	}

	entries := f.log(t, p.ID)
	var phases []string
	for _, e := range entries {
		if e.Status == models.ActivityStarted {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, []string{"design", "development", "review", "deploy"}, phases)
	last := entries[len(entries)-1]
	assert.Equal(t, "Live site published at https://coffee-corner.siteforge.app", last.Message)

	artifact, err := f.stores.Artifacts.GetByProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://coffee-corner.siteforge.app", artifact.LiveSiteURL)
}

func TestDoubleStartRunsOnce(t *testing.T) {
	f := newFixture(t, fastDwell)
	p := f.create(t, "Twice")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.scheduler.Start(context.Background(), p.ID))
		}()
	}
	wg.Wait()
	f.waitIdle(t, p.ID)

	counts := map[string]int{}
	for _, e := range f.log(t, p.ID) {
		if e.Status == models.ActivityStarted {
			counts[e.Phase]++
		}
	}
	assert.Equal(t, map[string]int{"design": 1, "development": 1, "review": 1, "deploy": 1}, counts)
}

func TestConcurrentProjectsAreIndependent(t *testing.T) {
	f := newFixture(t, fastDwell)
	a := f.create(t, "Alpha Books")
	b := f.create(t, "Beta Bikes")

	require.NoError(t, f.scheduler.Start(context.Background(), a.ID))
	require.NoError(t, f.scheduler.Start(context.Background(), b.ID))

	for _, p := range []*models.Project{a, b} {
		done := f.waitIdle(t, p.ID)
		assert.Equal(t, models.StatusCompleted, done.Status)
		for _, e := range f.log(t, p.ID) {
			assert.Equal(t, p.ID, e.ProjectID)
		}
	}
}

func TestCancelAbortsDwell(t *testing.T) {
	f := newFixture(t, slowDwell)
	p := f.create(t, "Slow Site")

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	f.waitLog(t, p.ID, 1)
	assert.True(t, f.scheduler.IsRunning(p.ID))
	assert.Equal(t, []uuid.UUID{p.ID}, f.scheduler.Active())

	start := time.Now()
	assert.True(t, f.scheduler.Cancel(context.Background(), p.ID))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, f.scheduler.IsRunning(p.ID))

	got, err := f.stores.Projects.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, ErrCancelled.Error(), got.FailureReason)
	assert.Equal(t, 0, got.Progress)

	entries := f.log(t, p.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActivityFailed, entries[1].Status)

	assert.False(t, f.scheduler.Cancel(context.Background(), p.ID))
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t, fastDwell)

	err := f.scheduler.Start(context.Background(), uuid.New())
	assert.True(t, appErr.IsNotFound(err))

	done := f.create(t, "Done Already")
	_, err = f.stores.Projects.Update(context.Background(), done.ID, func(p *models.Project) error {
		p.Status = models.StatusCompleted
		p.Progress = 100
		return nil
	})
	require.NoError(t, err)
	err = f.scheduler.Start(context.Background(), done.ID)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalidTransition))
	assert.False(t, f.scheduler.IsRunning(done.ID))
}

func TestRestartFromFailed(t *testing.T) {
	f := newFixture(t, fastDwell)
	p := f.create(t, "Second Chance")
	_, err := f.stores.Projects.Update(context.Background(), p.ID, func(p *models.Project) error {
		agent := "Development Agent"
		p.Status = models.StatusFailed
		p.Progress = 60
		p.CurrentAgent = &agent
		p.CurrentPhase = catalog.PhaseDevelopment
		p.FailureReason = "boom"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	done := f.waitIdle(t, p.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Empty(t, done.FailureReason)

	entries := f.log(t, p.ID)
	assert.Equal(t, "workflow restarted", entries[0].Message)
}

func TestExternalChangeFailsRun(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	p := f.create(t, "Meddled")

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	f.waitLog(t, p.ID, 1)
	_, err := f.stores.Projects.Update(context.Background(), p.ID, func(p *models.Project) error {
		p.Status = models.StatusInReview
		return nil
	})
	require.NoError(t, err)

	done := f.waitIdle(t, p.ID)
	assert.Equal(t, models.StatusFailed, done.Status)
	assert.Contains(t, done.FailureReason, "expected pending")
}

func TestProjectDeletedMidRun(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	p := f.create(t, "Ephemeral")

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	f.waitLog(t, p.ID, 1)
	require.NoError(t, f.stores.Projects.Delete(context.Background(), p.ID))

	require.Eventually(t, func() bool { return !f.scheduler.IsRunning(p.ID) }, 5*time.Second, 2*time.Millisecond)
	_, err := f.stores.Projects.GetByID(context.Background(), p.ID)
	assert.True(t, appErr.IsNotFound(err))
	assert.Empty(t, f.log(t, p.ID))
}

func TestCancelAfterDeleteLeavesNoLog(t *testing.T) {
	f := newFixture(t, slowDwell)
	p := f.create(t, "Gone Soon")
	ctx := context.Background()

	require.NoError(t, f.scheduler.Start(ctx, p.ID))
	f.waitLog(t, p.ID, 1)
	require.NoError(t, f.stores.Projects.Delete(ctx, p.ID))

	assert.True(t, f.scheduler.Cancel(ctx, p.ID))
	assert.False(t, f.scheduler.IsRunning(p.ID))
	assert.Empty(t, f.log(t, p.ID))
}

func TestNotifierCalledOnce(t *testing.T) {
	n := &mockNotifier{}
	n.On("NotifyCompleted", mock.Anything, mock.AnythingOfType("*models.Project"), mock.AnythingOfType("*models.Artifact")).
		Return(nil).Once()
	f := newFixture(t, fastDwell, WithNotifier(n))
	p := f.create(t, "Notify Me")

	require.NoError(t, f.scheduler.Start(context.Background(), p.ID))
	f.waitIdle(t, p.ID)
	n.AssertExpectations(t)
}

func TestPublishFailureKeepsProjectCompleted(t *testing.T) {
	stores := memory.NewStores()
	s := New(stores.Projects, stores.Activity, catalog.Default(fastDwell), failingPublisher{})
	p := &models.Project{BusinessName: "No CDN", Email: "x@example.com", PaymentReference: "pi", Status: models.StatusPending}
	require.NoError(t, stores.Projects.Create(context.Background(), p))

	require.NoError(t, s.Start(context.Background(), p.ID))
	require.Eventually(t, func() bool { return !s.IsRunning(p.ID) }, 5*time.Second, 2*time.Millisecond)

	got, err := stores.Projects.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	entries, err := stores.Activity.ListByProject(context.Background(), p.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActivityFailed, last.Status)
	assert.Contains(t, last.Message, "cdn unavailable")
}

func TestShutdownCancelsRunsAndRejectsNewOnes(t *testing.T) {
	f := newFixture(t, slowDwell)
	a := f.create(t, "One")
	b := f.create(t, "Two")
	require.NoError(t, f.scheduler.Start(context.Background(), a.ID))
	require.NoError(t, f.scheduler.Start(context.Background(), b.ID))
	f.waitLog(t, a.ID, 1)
	f.waitLog(t, b.ID, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.scheduler.Shutdown(ctx))
	assert.Empty(t, f.scheduler.Active())

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, err := f.stores.Projects.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, ErrShutdown.Error(), got.FailureReason)
	}

	c := f.create(t, "Too Late")
	err := f.scheduler.Start(context.Background(), c.ID)
	assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
}

func TestRecoverMarksInterruptedRunsFailed(t *testing.T) {
	f := newFixture(t, fastDwell)
	ctx := context.Background()

	inReview := f.create(t, "Half Done")
	_, err := f.stores.Projects.Update(ctx, inReview.ID, func(p *models.Project) error {
		agent := "QA Agent"
		p.Status, p.Progress, p.CurrentAgent, p.CurrentPhase = models.StatusInReview, 90, &agent, catalog.PhaseReview
		return nil
	})
	require.NoError(t, err)

	waiting := f.create(t, "First Dwell")
	require.NoError(t, f.stores.Activity.Append(ctx, &models.ActivityLogEntry{
		ProjectID: waiting.ID, Phase: catalog.PhaseDesign, Status: models.ActivityStarted, Message: "Design Agent started design",
	}))

	untouched := f.create(t, "Never Started")
	unpaid := &models.Project{BusinessName: "Unpaid", Email: "u@example.com", Status: models.StatusPending}
	require.NoError(t, f.stores.Projects.Create(ctx, unpaid))

	n, err := f.scheduler.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{inReview.ID, waiting.ID} {
		got, err := f.stores.Projects.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, ReasonInterrupted, got.FailureReason)
		assert.Nil(t, got.CurrentAgent)
	}
	for _, id := range []uuid.UUID{untouched.ID, unpaid.ID} {
		got, err := f.stores.Projects.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	}

	// Recovered projects restart from scratch.
	require.NoError(t, f.scheduler.Start(ctx, inReview.ID))
	assert.Equal(t, models.StatusCompleted, f.waitIdle(t, inReview.ID).Status)
}
