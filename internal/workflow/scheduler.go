// Package workflow drives projects through the phase catalog. Each project has
// at most one run, and every run is a goroutine owned by the Scheduler.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteforge/engine/internal/catalog"
	"github.com/siteforge/engine/internal/events"
	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/publisher"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
)

// Cancellation causes recorded as the failure reason of an aborted run.
var (
	ErrCancelled = errors.New("workflow cancelled")
	ErrShutdown  = errors.New("workflow interrupted by shutdown")
)

// Failure reason recorded by Recover.
const ReasonInterrupted = "workflow interrupted by restart"

// failWriteTimeout bounds the bookkeeping done after a run has been cancelled.
const failWriteTimeout = 5 * time.Second

var errAlreadyTerminal = errors.New("project already terminal")

// Notifier is told about completed projects. Failures are logged, never fatal.
type Notifier interface {
	NotifyCompleted(ctx context.Context, project *models.Project, artifact *models.Artifact) error
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler supervises one cancellable run per project.
type Scheduler struct {
	projects  repository.ProjectRepository
	activity  repository.ActivityLogRepository
	catalog   *catalog.Catalog
	publisher publisher.Publisher
	notifier  Notifier
	bus       *events.Bus
	now       func() time.Time

	mu     sync.Mutex
	runs   map[uuid.UUID]*run
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithEventBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock overrides the time source used for log entries and CompletedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(
	projects repository.ProjectRepository,
	activity repository.ActivityLogRepository,
	cat *catalog.Catalog,
	pub publisher.Publisher,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		projects:  projects,
		activity:  activity,
		catalog:   cat,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[uuid.UUID]*run),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the workflow for projectID and returns without waiting for it.
// Starting a project that already has an active run is a no-op. A failed
// project is reset to pending and run again from the first phase.
func (s *Scheduler) Start(ctx context.Context, projectID uuid.UUID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return appErr.New(appErr.CodeUnavailable, "scheduler is shutting down")
	}
	if _, running := s.runs[projectID]; running {
		s.mu.Unlock()
		logger.L().Debug("workflow already running", zap.String("project_id", projectID.String()))
		return nil
	}
	// Reserve the slot before touching the store so concurrent Starts collapse
	// into one run.
	runCtx, cancel := context.WithCancelCause(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[projectID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	project, err := s.prepare(ctx, projectID)
	if err != nil {
		cancel(err)
		s.release(projectID, r)
		close(r.done)
		s.wg.Done()
		return err
	}

	logger.L().Info("workflow started",
		zap.String("project_id", projectID.String()),
		zap.String("business_name", project.BusinessName),
	)
	go s.execute(runCtx, r, project)
	return nil
}

// prepare checks the project can be started and resets it when it failed before.
func (s *Scheduler) prepare(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	switch project.Status {
	case models.StatusPending:
		if project.CurrentPhase != "" {
			return nil, appErr.Newf(appErr.CodeInvalidTransition, "pending project has phase %q", project.CurrentPhase)
		}
		return project, nil
	case models.StatusFailed:
		restarted, err := s.projects.Update(ctx, projectID, func(p *models.Project) error {
			if p.Status != models.StatusFailed {
				return appErr.Newf(appErr.CodeInvalidTransition, "project changed to %s during restart", p.Status)
			}
			p.Status = models.StatusPending
			p.Progress = 0
			p.CurrentAgent = nil
			p.CurrentPhase = ""
			p.FailureReason = ""
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.record(ctx, restarted.ID, "workflow", "", models.ActivityStarted, "workflow restarted")
		s.emit(events.ProjectUpdated, restarted.ID, restarted)
		return restarted, nil
	case models.StatusCompleted:
		return nil, appErr.New(appErr.CodeInvalidTransition, "project is already completed")
	default:
		return nil, appErr.Newf(appErr.CodeInvalidTransition,
			"project is %s without a run in this process", project.Status)
	}
}

func (s *Scheduler) release(projectID uuid.UUID, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[projectID] == r {
		delete(s.runs, projectID)
	}
}

func (s *Scheduler) execute(ctx context.Context, r *run, project *models.Project) {
	defer s.wg.Done()
	defer close(r.done)
	defer s.release(project.ID, r)

	log := logger.Named("workflow").With(zap.String("project_id", project.ID.String()))
	expected := phaseState{status: project.Status, phase: project.CurrentPhase}

	phase := s.catalog.First()
	for {
		updated, err := s.advance(ctx, project.ID, phase, expected)
		if err != nil {
			log.Warn("workflow failed", zap.String("phase", phase.Name), zap.Error(err))
			s.fail(ctx, project.ID, phase, err)
			return
		}
		log.Info("phase completed",
			zap.String("phase", phase.Name),
			zap.String("status", string(updated.Status)),
			zap.Int("progress", updated.Progress),
		)
		if phase.Terminal() {
			s.finish(ctx, updated, phase)
			return
		}
		expected = phaseState{status: updated.Status, phase: updated.CurrentPhase}

		next, ok := s.catalog.Next(phase.Name)
		if !ok {
			s.fail(ctx, project.ID, phase, fmt.Errorf("catalog ends at non-terminal phase %q", phase.Name))
			return
		}
		phase = next
	}
}

type phaseState struct {
	status models.ProjectStatus
	phase  string
}

// advance records the start of phase, waits its dwell and applies it.
func (s *Scheduler) advance(ctx context.Context, projectID uuid.UUID, phase catalog.Phase, expected phaseState) (*models.Project, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if _, err := s.projects.GetByID(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.append(ctx, projectID, phase.Name, phase.Agent, models.ActivityStarted,
		fmt.Sprintf("%s started %s", phase.Agent, phase.Name)); err != nil {
		return nil, err
	}

	if err := s.dwell(ctx, phase.Dwell); err != nil {
		return nil, err
	}

	updated, err := s.projects.Update(ctx, projectID, func(p *models.Project) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if p.Status != expected.status || p.CurrentPhase != expected.phase {
			return appErr.Newf(appErr.CodeInvalidTransition,
				"expected %s after %q before %s, found %s after %q",
				expected.status, expected.phase, phase.Name, p.Status, p.CurrentPhase)
		}
		if phase.Status.Rank() < p.Status.Rank() {
			return appErr.Newf(appErr.CodeInvalidTransition, "phase %s would move %s back to %s", phase.Name, p.Status, phase.Status)
		}
		p.Status = phase.Status
		p.Progress = max(p.Progress, phase.TargetProgress)
		p.CurrentPhase = phase.Name
		if phase.Terminal() {
			p.Progress = 100
			p.CurrentAgent = nil
			if p.CompletedAt == nil {
				at := s.now()
				p.CompletedAt = &at
			}
		} else {
			agent := phase.Agent
			p.CurrentAgent = &agent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.ProjectUpdated, projectID, updated)

	if err := s.append(ctx, projectID, phase.Name, phase.Agent, models.ActivityCompleted,
		fmt.Sprintf("%s completed %s (%d%%)", phase.Agent, phase.Name, updated.Progress)); err != nil {
		if phase.Terminal() {
			// The project is already completed; a missing log line must not fail it.
			logger.L().Error("record terminal phase failed", zap.String("project_id", projectID.String()), zap.Error(err))
			return updated, nil
		}
		return nil, err
	}
	return updated, nil
}

// dwell blocks for d or until the run is cancelled.
func (s *Scheduler) dwell(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// finish publishes the artifact and notifies. The project is already
// completed, so neither step may change its status, and cancellation no
// longer applies.
func (s *Scheduler) finish(ctx context.Context, project *models.Project, phase catalog.Phase) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	log := logger.L().With(zap.String("project_id", project.ID.String()))

	artifact, err := s.publisher.Publish(ctx, project.ID)
	if err != nil {
		if appErr.IsNotFound(err) {
			log.Info("project removed before publication")
			s.dropOrphanedLog(ctx, project.ID)
			return
		}
		log.Error("artifact publication failed", zap.Error(err))
		s.record(ctx, project.ID, phase.Name, phase.Agent, models.ActivityFailed,
			"artifact publication failed: "+err.Error())
		return
	}
	s.record(ctx, project.ID, phase.Name, phase.Agent, models.ActivityCompleted,
		"Live site published at "+artifact.LiveSiteURL)

	if s.notifier != nil {
		if err := s.notifier.NotifyCompleted(ctx, project, artifact); err != nil {
			log.Error("completion notification failed", zap.Error(err))
		}
	}
	log.Info("workflow completed", zap.String("live_site_url", artifact.LiveSiteURL))
}

// fail marks the project failed unless it already reached a terminal status.
func (s *Scheduler) fail(ctx context.Context, projectID uuid.UUID, phase catalog.Phase, cause error) {
	if ctx.Err() != nil {
		cause = context.Cause(ctx)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	reason := cause.Error()

	updated, err := s.projects.Update(ctx, projectID, func(p *models.Project) error {
		if p.Status.Terminal() {
			return errAlreadyTerminal
		}
		p.Status = models.StatusFailed
		p.CurrentAgent = nil
		p.FailureReason = reason
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyTerminal):
		return
	case appErr.IsNotFound(err):
		logger.L().Info("workflow stopped: project removed", zap.String("project_id", projectID.String()))
		s.dropOrphanedLog(ctx, projectID)
		return
	case err != nil:
		logger.L().Error("mark project failed", zap.String("project_id", projectID.String()), zap.Error(err))
		return
	}
	s.emit(events.ProjectUpdated, projectID, updated)
	s.record(ctx, projectID, phase.Name, phase.Agent, models.ActivityFailed, reason)
}

// dropOrphanedLog removes entries this run wrote after its project was deleted.
func (s *Scheduler) dropOrphanedLog(ctx context.Context, projectID uuid.UUID) {
	if err := s.activity.DeleteByProject(ctx, projectID); err != nil {
		logger.L().Error("drop activity of removed project", zap.String("project_id", projectID.String()), zap.Error(err))
	}
}

func (s *Scheduler) append(ctx context.Context, projectID uuid.UUID, phase, agent string, status models.ActivityStatus, msg string) error {
	entry := &models.ActivityLogEntry{
		ProjectID: projectID,
		Phase:     phase,
		Agent:     agent,
		Status:    status,
		Message:   msg,
		Timestamp: s.now(),
	}
	if err := s.activity.Append(ctx, entry); err != nil {
		return err
	}
	s.emit(events.ActivityLogged, projectID, entry)
	return nil
}

// record is append for paths that have nowhere to return an error.
func (s *Scheduler) record(ctx context.Context, projectID uuid.UUID, phase, agent string, status models.ActivityStatus, msg string) {
	if err := s.append(ctx, projectID, phase, agent, status, msg); err != nil {
		logger.L().Error("append activity failed",
			zap.String("project_id", projectID.String()),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) emit(t events.Type, projectID uuid.UUID, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, ProjectID: projectID, Timestamp: s.now(), Data: data})
}

// Cancel aborts the active run of projectID and waits until it has exited or
// ctx is done. It reports whether a run was active.
func (s *Scheduler) Cancel(ctx context.Context, projectID uuid.UUID) bool {
	s.mu.Lock()
	r, ok := s.runs[projectID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(ErrCancelled)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	return true
}

// IsRunning reports whether projectID has an active run.
func (s *Scheduler) IsRunning(projectID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[projectID]
	return ok
}

// Active lists the projects with an active run.
func (s *Scheduler) Active() []uuid.UUID {
	s.mu.Lock()
	out := make([]uuid.UUID, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return out
}

// Shutdown refuses new runs, cancels the active ones and waits for them to
// record their failure, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.runs)
	for _, r := range s.runs {
		r.cancel(ErrShutdown)
	}
	s.mu.Unlock()
	if n > 0 {
		logger.L().Info("cancelling active workflows", zap.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow shutdown: %w", ctx.Err())
	}
}

// Recover marks projects left mid-workflow by a previous process as failed,
// so they are visible and can be restarted explicitly. It must only run while
// no other process drives workflows on the same store.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	var candidates []models.Project
	for _, status := range []models.ProjectStatus{models.StatusInDevelopment, models.StatusInReview, models.StatusPending} {
		list, err := s.projects.List(ctx, repository.ProjectFilter{Status: status})
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, list...)
	}

	recovered := 0
	for _, p := range candidates {
		if s.IsRunning(p.ID) {
			continue
		}
		if p.Status == models.StatusPending {
			// A paid pending project with log entries was waiting out its
			// first dwell when the process stopped.
			if !p.Paid() {
				continue
			}
			entries, err := s.activity.ListByProject(ctx, p.ID)
			if err != nil {
				return recovered, err
			}
			if len(entries) == 0 {
				continue
			}
		}

		seen := p.Status
		updated, err := s.projects.Update(ctx, p.ID, func(cur *models.Project) error {
			if cur.Status != seen {
				return errAlreadyTerminal
			}
			cur.Status = models.StatusFailed
			cur.CurrentAgent = nil
			cur.FailureReason = ReasonInterrupted
			return nil
		})
		if errors.Is(err, errAlreadyTerminal) || appErr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		phase := p.CurrentPhase
		if phase == "" {
			phase = "workflow"
		}
		s.emit(events.ProjectUpdated, p.ID, updated)
		s.record(ctx, p.ID, phase, p.Agent(), models.ActivityFailed, ReasonInterrupted)
		logger.L().Warn("interrupted workflow marked failed",
			zap.String("project_id", p.ID.String()),
			zap.String("phase", p.CurrentPhase),
		)
	}
	return recovered, nil
}
