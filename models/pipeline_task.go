package models

import "time"

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Maintenance task names; stage tasks reuse the stage constants.
const (
	TaskCleanupApprovalLocks = "cleanup-approval-locks"
	TaskCleanupLocationCache = "cleanup-location-cache"
)

// PipelineTask is one unit of work in the DB-backed task queue. Delivery is
// at-least-once: stale running claims are requeued, so handlers must be
// idempotent.
type PipelineTask struct {
	ID          string  `json:"id" gorm:"type:varchar(36);primaryKey"`
	TaskName    string  `json:"task_name" gorm:"type:varchar(32);not null;index"`
	ImportJobID string  `json:"import_job_id,omitempty" gorm:"type:varchar(36);index"`
	Payload     JSONMap `json:"payload,omitempty" gorm:"type:json"`

	Status    string     `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	Attempts  int        `json:"attempts" gorm:"not null;default:0"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	Error     string     `json:"error,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (PipelineTask) TableName() string { return "pipeline_tasks" }
