// Package publisher derives and stores the deliverable of a completed project.
package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/siteforge/engine/internal/events"
	"github.com/siteforge/engine/internal/models"
	"github.com/siteforge/engine/internal/repository"
	appErr "github.com/siteforge/engine/pkg/errors"
	"github.com/siteforge/engine/pkg/logger"
	"github.com/siteforge/engine/pkg/utils"
)

// Publisher writes exactly one artifact per completed project.
type Publisher interface {
	Publish(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error)
}

type publisher struct {
	projects  repository.ProjectRepository
	artifacts repository.ArtifactRepository
	domain    string
	bus       *events.Bus
}

// Option configures a Publisher.
type Option func(*publisher)

// WithEventBus announces newly created artifacts on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(p *publisher) { p.bus = bus }
}

// New returns a Publisher that places live sites under domain.
func New(projects repository.ProjectRepository, artifacts repository.ArtifactRepository, domain string, opts ...Option) Publisher {
	p := &publisher{projects: projects, artifacts: artifacts, domain: domain}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ Publisher = (*publisher)(nil)

// Publish is idempotent: once an artifact exists it is returned unchanged.
func (p *publisher) Publish(ctx context.Context, projectID uuid.UUID) (*models.Artifact, error) {
	project, err := p.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.StatusCompleted {
		return nil, appErr.Newf(appErr.CodeInvalidTransition,
			"cannot publish project in status %s", project.Status).WithMeta("project_id", projectID)
	}

	stored, created, err := p.artifacts.CreateIfAbsent(ctx, Derive(project, p.domain))
	if err != nil {
		return nil, err
	}
	if !created {
		logger.L().Debug("artifact already published", zap.String("project_id", projectID.String()))
		return stored, nil
	}

	logger.L().Info("artifact published",
		zap.String("project_id", projectID.String()),
		zap.String("live_site_url", stored.LiveSiteURL),
	)
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.ArtifactPublished, ProjectID: projectID, Data: stored})
	}
	return stored, nil
}

// Derive computes the artifact for project. It depends only on the project's
// id and business name, so repeated calls agree.
func Derive(project *models.Project, domain string) *models.Artifact {
	label := Slug(project.BusinessName)
	short := project.ID.String()[:8]
	if label == "" {
		label = "site-" + short
	}
	id := project.ID.String()

	liveURL := fmt.Sprintf("https://%s.%s", label, domain)
	links := map[string]string{
		models.LinkDeploymentDashboard: fmt.Sprintf("https://dashboard.%s/projects/%s", domain, id),
		models.LinkSourceRepository:    fmt.Sprintf("https://git.%s/sites/%s-%s", domain, label, short),
		models.LinkDocumentation:       fmt.Sprintf("https://docs.%s/projects/%s", domain, id),
		models.LinkAnalytics:           fmt.Sprintf("https://analytics.%s/projects/%s", domain, id),
	}
	return &models.Artifact{
		ProjectID:          project.ID,
		LiveSiteURL:        liveURL,
		DocumentationLinks: datatypes.NewJSONType(links),
		Digest:             utils.DigestFields(liveURL, links),
	}
}

// Slug turns name into a DNS label: accents are transliterated, everything
// else outside [a-z0-9] becomes a single dash.
func Slug(name string) string {
	s := strings.ReplaceAll(slug.Make(name), "_", "-")
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '-' }), "-")
}
