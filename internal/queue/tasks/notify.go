package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
)

const (
	// TypeProjectNotify tells the client their site is live.
	TypeProjectNotify = "project:notify"
	// QueueNotifications is the asynq queue notification tasks are placed on.
	QueueNotifications = "notifications"

	NotificationPhase = "notification"
	NotificationAgent = "Notification Agent"
)

// NotifyPayload is the task payload for TypeProjectNotify.
type NotifyPayload struct {
	ProjectID    string `json:"project_id"`
	Email        string `json:"email"`
	BusinessName string `json:"business_name"`
	LiveSiteURL  string `json:"live_site_url"`
}

// Enqueuer is the subset of *asynq.Client used to schedule tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier hands completion notifications to the worker.
type AsynqNotifier struct {
	client Enqueuer
}

func NewAsynqNotifier(client Enqueuer) *AsynqNotifier {
	return &AsynqNotifier{client: client}
}

// NewNotifyTask builds the notification task for a completed project.
func NewNotifyTask(project *models.Project, artifact *models.Artifact) (*asynq.Task, error) {
	pb, err := json.Marshal(NotifyPayload{
		ProjectID:    project.ID.String(),
		Email:        project.Email,
		BusinessName: project.BusinessName,
		LiveSiteURL:  artifact.LiveSiteURL,
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal notify payload failed")
	}
	return asynq.NewTask(TypeProjectNotify, pb,
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		// One notification per project even if completion is reported twice.
		asynq.TaskID(TypeProjectNotify+":"+project.ID.String()),
		asynq.Retention(24*time.Hour),
	), nil
}

// NotifyCompleted enqueues the notification. A task already queued for the
// project counts as success.
func (n *AsynqNotifier) NotifyCompleted(ctx context.Context, project *models.Project, artifact *models.Artifact) error {
	task, err := NewNotifyTask(project, artifact)
	if err != nil {
		return err
	}
	info, err := n.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.L().Debug("notification already queued", zap.String("project_id", project.ID.String()))
		return nil
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue notification failed")
	}
	logger.L().Info("notification enqueued",
		zap.String("project_id", project.ID.String()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// NotifyTaskHandler runs on the worker and records delivered notifications in
// the project's activity log.
type NotifyTaskHandler struct {
	projects repository.ProjectRepository
	activity repository.ActivityLogRepository
	now      func() time.Time
}

func NewNotifyTaskHandler(projects repository.ProjectRepository, activity repository.ActivityLogRepository) *NotifyTaskHandler {
	return &NotifyTaskHandler{
		projects: projects,
		activity: activity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *NotifyTaskHandler) HandleNotify(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid notify task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.ProjectID)
	if err != nil {
		logger.L().Error("invalid project id in task", zap.String("project_id", p.ProjectID), zap.Error(err))
		return fmt.Errorf("parse project id: %v: %w", err, asynq.SkipRetry)
	}

	project, err := h.projects.GetByID(ctx, id)
	if appErr.IsNotFound(err) {
		logger.L().Warn("notify: project no longer exists", zap.String("project_id", id.String()))
		return fmt.Errorf("project %s: %w", id, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if project.Status != models.StatusCompleted {
		return fmt.Errorf("project %s is %s: %w", id, project.Status, asynq.SkipRetry)
	}

	logger.L().Info("sending completion notification",
		zap.String("project_id", id.String()),
		zap.String("email", p.Email),
		zap.String("live_site_url", p.LiveSiteURL),
	)
	return h.activity.Append(ctx, &models.ActivityLogEntry{
		ProjectID: id,
		Phase:     NotificationPhase,
		Agent:     NotificationAgent,
		Status:    models.ActivityCompleted,
		Message:   fmt.Sprintf("Completion notification sent to %s", p.Email),
		Timestamp: h.now(),
	})
}

// Register installs the task handlers on mux.
func (h *NotifyTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProjectNotify, h.HandleNotify)
}
