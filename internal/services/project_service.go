package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
)

// WorkflowRunner is the part of the workflow scheduler the services drive.
type WorkflowRunner interface {
	Start(ctx context.Context, projectID uuid.UUID) error
	Cancel(ctx context.Context, projectID uuid.UUID) bool
	IsRunning(projectID uuid.UUID) bool
}

// ProjectService is the intake and administration surface for projects.
type ProjectService interface {
	CreateProject(ctx context.Context, input *CreateProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, filters *ProjectFilters) ([]models.Project, error)
	ConfirmPayment(ctx context.Context, projectID uuid.UUID, reference string) (*models.Project, error)
	StartWorkflow(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	CancelWorkflow(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	DeleteProject(ctx context.Context, projectID uuid.UUID) error
}

type CreateProjectInput struct {
	BusinessName     string
	Email            string
	WebsiteType      string
	Features         []string
	DesignStyle      string
	Budget           int
	PaymentReference string
}

type ProjectFilters struct {
	Status   models.ProjectStatus
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// EffectivePageSize is the page size ListProjects uses for a requested size:
// the default when unset, capped at the maximum.
func EffectivePageSize(requested int) int {
	if requested <= 0 {
		return defaultPageSize
	}
	return min(requested, maxPageSize)
}

type projectService struct {
	stores   *repository.Stores
	runner   WorkflowRunner
	payments PaymentVerifier
}

func NewProjectService(stores *repository.Stores, runner WorkflowRunner, payments PaymentVerifier) ProjectService {
	return &projectService{stores: stores, runner: runner, payments: payments}
}

// Ensure interfaces are satisfied at compile time
var _ ProjectService = (*projectService)(nil)

// CreateProject stores a pending project. When a payment reference is supplied
// and verifies, the workflow starts right away.
func (s *projectService) CreateProject(ctx context.Context, input *CreateProjectInput) (*models.Project, error) {
	logger.L().Info("create project called",
		zap.String("business_name", input.BusinessName),
		zap.String("email", input.Email),
	)

	ref := strings.TrimSpace(input.PaymentReference)
	if ref != "" {
		if err := s.payments.Verify(ctx, ref); err != nil {
			return nil, err
		}
	}

	p := &models.Project{
		BusinessName:     strings.TrimSpace(input.BusinessName),
		Email:            strings.ToLower(strings.TrimSpace(input.Email)),
		WebsiteType:      input.WebsiteType,
		Features:         datatypes.JSONSlice[string](append([]string(nil), input.Features...)),
		DesignStyle:      input.DesignStyle,
		Budget:           input.Budget,
		PaymentReference: ref,
		Status:           models.StatusPending,
		Progress:         0,
	}
	if err := s.stores.Projects.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.L().Info("project created", zap.String("project_id", p.ID.String()), zap.Bool("paid", p.Paid()))

	if !p.Paid() {
		return p, nil
	}
	if err := s.runner.Start(ctx, p.ID); err != nil {
		// The project exists and is paid; it can be started again explicitly.
		logger.L().Warn("auto-start failed", zap.String("project_id", p.ID.String()), zap.Error(err))
	}
	return p, nil
}

func (s *projectService) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	return s.stores.Projects.GetByID(ctx, projectID)
}

func (s *projectService) ListProjects(ctx context.Context, filters *ProjectFilters) ([]models.Project, error) {
	f := repository.ProjectFilter{Limit: defaultPageSize}
	if filters != nil {
		if filters.Status != "" && !filters.Status.Valid() {
			return nil, appErr.Newf(appErr.CodeInvalid, "unknown status %q", filters.Status)
		}
		f.Status = filters.Status
		f.Limit = EffectivePageSize(filters.PageSize)
		if filters.Page > 1 {
			f.Offset = (filters.Page - 1) * f.Limit
		}
	}
	return s.stores.Projects.List(ctx, f)
}

// ConfirmPayment records reference and starts the workflow. Confirming the
// same reference twice is harmless; a different one is a conflict.
func (s *projectService) ConfirmPayment(ctx context.Context, projectID uuid.UUID, reference string) (*models.Project, error) {
	ref := strings.TrimSpace(reference)
	logger.L().Info("confirm payment", zap.String("project_id", projectID.String()))
	if err := s.payments.Verify(ctx, ref); err != nil {
		return nil, err
	}

	p, err := s.stores.Projects.Update(ctx, projectID, func(p *models.Project) error {
		if p.PaymentReference != "" && p.PaymentReference != ref {
			return appErr.New(appErr.CodeConflict, "project already paid with a different reference")
		}
		p.PaymentReference = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusPending {
		return p, nil
	}
	return s.StartWorkflow(ctx, projectID)
}

func (s *projectService) StartWorkflow(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := s.stores.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Paid() {
		return nil, appErr.New(appErr.CodeInvalid, "project must be paid before starting workflow")
	}
	if err := s.runner.Start(ctx, projectID); err != nil {
		return nil, err
	}
	logger.L().Info("workflow start requested", zap.String("project_id", projectID.String()))
	return s.stores.Projects.GetByID(ctx, projectID)
}

func (s *projectService) CancelWorkflow(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	if _, err := s.stores.Projects.GetByID(ctx, projectID); err != nil {
		return nil, err
	}
	if !s.runner.Cancel(ctx, projectID) {
		return nil, appErr.New(appErr.CodeInvalidTransition, "project has no active workflow")
	}
	logger.L().Info("workflow cancelled", zap.String("project_id", projectID.String()))
	return s.stores.Projects.GetByID(ctx, projectID)
}

// DeleteProject stops any run, then removes the project with its log and artifact.
func (s *projectService) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	logger.L().Info("delete project", zap.String("project_id", projectID.String()))
	if _, err := s.stores.Projects.GetByID(ctx, projectID); err != nil {
		return err
	}
	s.runner.Cancel(ctx, projectID)

	if err := s.stores.Projects.Delete(ctx, projectID); err != nil {
		return err
	}
	// A Start that slipped in before the row went away still owns a run; wait
	// for it to exit so nothing it writes outlives the cleanup below.
	s.runner.Cancel(ctx, projectID)
	if err := s.stores.Artifacts.DeleteByProject(ctx, projectID); err != nil {
		return err
	}
	if err := s.stores.Activity.DeleteByProject(ctx, projectID); err != nil {
		return err
	}
	logger.L().Info("project deleted", zap.String("project_id", projectID.String()))
	return nil
}
