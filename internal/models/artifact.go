package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Documentation link keys carried by every artifact.
const (
	LinkDeploymentDashboard = "deployment_dashboard"
	LinkSourceRepository    = "source_repository"
	LinkDocumentation       = "documentation"
	LinkAnalytics           = "analytics"
)

// Artifact is the deliverable of a completed project.
type Artifact struct {
	ProjectID          uuid.UUID                             `gorm:"type:uuid;primaryKey" json:"project_id"`
	LiveSiteURL        string                                `gorm:"not null" json:"live_site_url"`
	DocumentationLinks datatypes.JSONType[map[string]string] `gorm:"type:jsonb" json:"documentation_links"`
	Digest             string                                `gorm:"type:char(64);not null" json:"digest"`
	CreatedAt          time.Time                             `json:"created_at"`
}

// Links returns a copy of the documentation links.
func (a *Artifact) Links() map[string]string {
	return maps.Clone(a.DocumentationLinks.Data())
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.DocumentationLinks = datatypes.NewJSONType(a.Links())
	return &c
}
