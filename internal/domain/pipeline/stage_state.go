package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// StageStatus is the lifecycle state of a single stage within a job.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusDone     StageStatus = "done"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageState is the per-(job, stage) row the Stage Runner consults to
// decide whether a stage still needs to run, and to record retry history.
type StageState struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	JobID      uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_stage_states_job_stage" json:"job_id"`
	StageName  string      `gorm:"type:text;not null;uniqueIndex:idx_pipeline_stage_states_job_stage" json:"stage_name"`
	Status     StageStatus `gorm:"type:text;not null;index" json:"status"`
	Attempts   int         `gorm:"not null;default:0" json:"attempts"`
	LastError  string      `gorm:"type:text" json:"last_error,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (StageState) TableName() string { return "pipeline_stage_states" }

// Done reports whether this stage can be skipped by the Stage Runner.
func (s StageState) Done() bool { return s.Status == StageStatusDone || s.Status == StageStatusSkipped }
