package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
)

// ProjectStatus is the polling view of a project.
type ProjectStatus struct {
	ProjectID     uuid.UUID                 `json:"project_id"`
	Status        models.ProjectStatus      `json:"status"`
	Progress      int                       `json:"progress"`
	CurrentAgent  *string                   `json:"current_agent"`
	CurrentPhase  string                    `json:"current_phase,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
	Running       bool                      `json:"running"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	ActivityLog   []models.ActivityLogEntry `json:"activity_log"`
}

// StatusService answers read-only queries straight from the store.
type StatusService interface {
	GetStatus(ctx context.Context, projectID uuid.UUID) (*ProjectStatus, error)
	GetArtifact(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error)
}

type statusService struct {
	stores *repository.Stores
	runner WorkflowRunner
}

// NewStatusService returns a StatusService. runner may be nil, in which case
// Running is always false.
func NewStatusService(stores *repository.Stores, runner WorkflowRunner) StatusService {
	return &statusService{stores: stores, runner: runner}
}

var _ StatusService = (*statusService)(nil)

func (s *statusService) GetStatus(ctx context.Context, projectID uuid.UUID) (*ProjectStatus, error) {
	p, err := s.stores.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	entries, err := s.stores.Activity.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.ActivityLogEntry{}
	}
	return &ProjectStatus{
		ProjectID:     p.ID,
		Status:        p.Status,
		Progress:      p.Progress,
		CurrentAgent:  p.CurrentAgent,
		CurrentPhase:  p.CurrentPhase,
		FailureReason: p.FailureReason,
		Running:       s.runner != nil && s.runner.IsRunning(projectID),
		UpdatedAt:     p.UpdatedAt,
		ActivityLog:   entries,
	}, nil
}

// GetArtifact returns not_found both for unknown projects and for projects
// that have not completed yet.
func (s *statusService) GetArtifact(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error) {
	if _, err := s.stores.Projects.GetByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.stores.Artifacts.GetByProject(ctx, projectID)
}
