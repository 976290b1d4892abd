package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityStatus records what happened to a phase.
type ActivityStatus string

const (
	ActivityStarted   ActivityStatus = "started"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// ActivityLogEntry is one append-only line of a project's activity log.
type ActivityLogEntry struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;index:idx_activity_project_ts,priority:1;not null" json:"project_id"`
	Phase     string         `gorm:"type:varchar(64);not null" json:"phase"`
	Agent     string         `gorm:"type:varchar(64)" json:"agent,omitempty"`
	Status    ActivityStatus `gorm:"type:varchar(16);not null" json:"status"`
	Message   string         `gorm:"type:text" json:"message"`
	Timestamp time.Time      `gorm:"index:idx_activity_project_ts,priority:2;not null" json:"timestamp"`
}

// TableName pins the table name used by migrations.
func (ActivityLogEntry) TableName() string { return "activity_log_entries" }
