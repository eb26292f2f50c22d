package pipeline

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

// JobRepo is the State Store's view over the job root record.
type JobRepo interface {
	// GetOrCreate returns the existing job for (videoID, aiUserID), or
	// creates one in JobStatusPending if none exists yet. Safe to call
	// repeatedly for the same business key.
	GetOrCreate(dc dbctx.Context, videoID, aiUserID string) (*pipeline.Job, error)
	GetByID(dc dbctx.Context, id uuid.UUID) (*pipeline.Job, error)
	GetByBusinessKey(dc dbctx.Context, videoID, aiUserID string) (*pipeline.Job, error)
	UpdateStatus(dc dbctx.Context, id uuid.UUID, status pipeline.JobStatus, currentStage string, lastErr string) error
	Save(dc dbctx.Context, job *pipeline.Job) error
	// ResetForRestart reverts a terminal job (completed, failed, or
	// cancelled) back to a fresh pending run: it drops every prior stage
	// state and module output for the job and clears status, metadata,
	// error, and completion timestamps in one transaction, so the Stage
	// Runner reprocesses the job from the first stage.
	ResetForRestart(dc dbctx.Context, job *pipeline.Job) error
}

type jobRepo struct {
	db *gorm.DB
}

func NewJobRepo(db *gorm.DB) JobRepo {
	return &jobRepo{db: db}
}

func (r *jobRepo) conn(dc dbctx.Context) *gorm.DB {
	if dc.Tx != nil {
		return dc.Tx.WithContext(dc.Ctx)
	}
	return r.db.WithContext(dc.Ctx)
}

func (r *jobRepo) GetOrCreate(dc dbctx.Context, videoID, aiUserID string) (*pipeline.Job, error) {
	existing, err := r.GetByBusinessKey(dc, videoID, aiUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pkgerrors.ErrNotFound) {
		return nil, err
	}

	job := &pipeline.Job{
		ID:       uuid.New(),
		VideoID:  videoID,
		AIUserID: aiUserID,
		Status:   pipeline.JobStatusPending,
	}
	if err := r.conn(dc).Create(job).Error; err != nil {
		// another goroutine may have won the race on the unique
		// business-key index; fall back to reading its row.
		if again, rerr := r.GetByBusinessKey(dc, videoID, aiUserID); rerr == nil {
			return again, nil
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(dc dbctx.Context, id uuid.UUID) (*pipeline.Job, error) {
	var job pipeline.Job
	if err := r.conn(dc).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) GetByBusinessKey(dc dbctx.Context, videoID, aiUserID string) (*pipeline.Job, error) {
	var job pipeline.Job
	err := r.conn(dc).
		Where("video_id = ? AND ai_user_id = ?", videoID, aiUserID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) UpdateStatus(dc dbctx.Context, id uuid.UUID, status pipeline.JobStatus, currentStage string, lastErr string) error {
	updates := map[string]interface{}{
		"status":        status,
		"current_stage": currentStage,
		"last_error":    lastErr,
	}
	return r.conn(dc).Model(&pipeline.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *jobRepo) Save(dc dbctx.Context, job *pipeline.Job) error {
	return r.conn(dc).Save(job).Error
}

func (r *jobRepo) ResetForRestart(dc dbctx.Context, job *pipeline.Job) error {
	return r.conn(dc).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", job.ID).Delete(&pipeline.StageState{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", job.ID).Delete(&pipeline.ModuleOutput{}).Error; err != nil {
			return err
		}

		job.Status = pipeline.JobStatusPending
		job.CurrentStage = ""
		job.Metadata = nil
		job.LastError = ""
		job.CompletedAt = nil
		job.FailedAt = nil
		return tx.Save(job).Error
	})
}
