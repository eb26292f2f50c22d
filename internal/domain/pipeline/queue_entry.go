package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// QueueName distinguishes the general stage queue from the single-flight
// captioning queue, which the Service Pool serializes against one GPU
// captioning service.
type QueueName string

const (
	QueueGeneral QueueName = "general"
	QueueCaption QueueName = "caption"
)

// QueueEntry is one claimable unit of work: "run this stage for this job".
// Claiming uses SELECT ... FOR UPDATE SKIP LOCKED so multiple worker
// goroutines (or processes) can pull from the same queue without
// contending on the same row.
type QueueEntry struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"job_id"`
	Queue       QueueName  `gorm:"type:text;not null;index:idx_pipeline_queue_entries_claim" json:"queue"`
	StageName   string     `gorm:"type:text;not null" json:"stage_name"`
	AvailableAt time.Time  `gorm:"not null;index:idx_pipeline_queue_entries_claim" json:"available_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedBy    string     `gorm:"type:text" json:"locked_by,omitempty"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (QueueEntry) TableName() string { return "pipeline_queue_entries" }
