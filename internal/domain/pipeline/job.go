package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a (video_id, ai_user_id) job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is the State Store's root record for one audio-description run.
// The business key is (VideoID, AIUserID); ID is a surrogate used as the
// foreign key for stage states, module outputs, subscribers and queue
// entries.
type Job struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	VideoID      string         `gorm:"type:text;not null;uniqueIndex:idx_pipeline_jobs_business_key" json:"video_id"`
	AIUserID     string         `gorm:"type:text;not null;uniqueIndex:idx_pipeline_jobs_business_key" json:"ai_user_id"`
	Status       JobStatus      `gorm:"type:text;not null;index" json:"status"`
	CurrentStage string         `gorm:"type:text" json:"current_stage"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	LastError    string         `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	FailedAt     *time.Time     `json:"failed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Job) TableName() string { return "pipeline_jobs" }

// IsTerminal reports whether the job has reached a status from which the
// Stage Runner will no longer schedule further stages.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}
