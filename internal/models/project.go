package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ProjectStatus is the lifecycle state of a website build.
type ProjectStatus string

const (
	StatusPending       ProjectStatus = "pending"
	StatusInDevelopment ProjectStatus = "in_development"
	StatusInReview      ProjectStatus = "in_review"
	StatusCompleted     ProjectStatus = "completed"
	StatusFailed        ProjectStatus = "failed"
)

// Rank orders the non-failed statuses along the lifecycle. Failed ranks -1.
func (s ProjectStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInDevelopment:
		return 1
	case StatusInReview:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are applied automatically.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ProjectStatus) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// Project is a client's website build request and its workflow state.
type Project struct {
	ID               uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	BusinessName     string                      `gorm:"not null" json:"business_name" validate:"required"`
	Email            string                      `gorm:"not null;index" json:"email" validate:"required,email"`
	WebsiteType      string                      `gorm:"type:varchar(32)" json:"website_type,omitempty"`
	Features         datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"features"`
	DesignStyle      string                      `gorm:"type:varchar(32)" json:"design_style"`
	Budget           int                         `gorm:"not null" json:"budget"`
	PaymentReference string                      `gorm:"type:varchar(128)" json:"payment_reference,omitempty"`
	Status           ProjectStatus               `gorm:"type:varchar(32);index;not null" json:"status"`
	Progress         int                         `gorm:"not null;default:0" json:"progress"`
	CurrentAgent     *string                     `gorm:"type:varchar(64)" json:"current_agent"`
	CurrentPhase     string                      `gorm:"type:varchar(64)" json:"current_phase,omitempty"`
	FailureReason    string                      `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt        time.Time                   `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
	CompletedAt      *time.Time                  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	if p.Features != nil {
		c.Features = append(datatypes.JSONSlice[string](nil), p.Features...)
	}
	if p.CurrentAgent != nil {
		agent := *p.CurrentAgent
		c.CurrentAgent = &agent
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Paid reports whether a payment reference has been confirmed for the project.
func (p *Project) Paid() bool { return p.PaymentReference != "" }

// Agent returns the current agent label or "" when none is responsible.
func (p *Project) Agent() string {
	if p.CurrentAgent == nil {
		return ""
	}
	return *p.CurrentAgent
}
