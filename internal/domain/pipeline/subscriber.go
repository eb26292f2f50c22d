package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Subscriber records a live channel (SSE topic, websocket id, callback
// token) waiting for job lifecycle events for one job. Unique on
// (job_id, channel) so add_subscriber is idempotent: resubmitting the
// same (video_id, ai_user_id, user_id) while a job is active appends no
// duplicate row.
type Subscriber struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_subscribers_job_channel" json:"job_id"`
	Channel   string    `gorm:"type:text;not null;uniqueIndex:idx_pipeline_subscribers_job_channel" json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

func (Subscriber) TableName() string { return "pipeline_subscribers" }
