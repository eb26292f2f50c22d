package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ModuleOutput persists the JSON result a stage adapter produced, so later
// stages (and a resumed run) can read it back without recomputation.
type ModuleOutput struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_pipeline_module_outputs_job_stage" json:"job_id"`
	StageName string         `gorm:"type:text;not null;uniqueIndex:idx_pipeline_module_outputs_job_stage" json:"stage_name"`
	Output    datatypes.JSON `gorm:"type:jsonb;not null" json:"output"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (ModuleOutput) TableName() string { return "pipeline_module_outputs" }
