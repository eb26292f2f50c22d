package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

// StageRepo is the State Store's view over per-stage progress rows.
type StageRepo interface {
	GetOrCreate(dc dbctx.Context, jobID uuid.UUID, stageName string) (*pipeline.StageState, error)
	ListByJob(dc dbctx.Context, jobID uuid.UUID) ([]pipeline.StageState, error)
	MarkRunning(dc dbctx.Context, jobID uuid.UUID, stageName string) error
	MarkDone(dc dbctx.Context, jobID uuid.UUID, stageName string) error
	MarkFailed(dc dbctx.Context, jobID uuid.UUID, stageName string, errMsg string) error
	IncrementAttempts(dc dbctx.Context, jobID uuid.UUID, stageName string) (int, error)
}

type stageRepo struct {
	db *gorm.DB
}

func NewStageRepo(db *gorm.DB) StageRepo {
	return &stageRepo{db: db}
}

func (r *stageRepo) conn(dc dbctx.Context) *gorm.DB {
	if dc.Tx != nil {
		return dc.Tx.WithContext(dc.Ctx)
	}
	return r.db.WithContext(dc.Ctx)
}

func (r *stageRepo) GetOrCreate(dc dbctx.Context, jobID uuid.UUID, stageName string) (*pipeline.StageState, error) {
	var st pipeline.StageState
	err := r.conn(dc).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		First(&st).Error
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	st = pipeline.StageState{
		ID:        uuid.New(),
		JobID:     jobID,
		StageName: stageName,
		Status:    pipeline.StageStatusPending,
	}
	if err := r.conn(dc).Create(&st).Error; err != nil {
		// lost the create race against another claimer; read back.
		if again, rerr := r.GetOrCreate(dc, jobID, stageName); rerr == nil {
			return again, nil
		}
		return nil, err
	}
	return &st, nil
}

func (r *stageRepo) ListByJob(dc dbctx.Context, jobID uuid.UUID) ([]pipeline.StageState, error) {
	var states []pipeline.StageState
	if err := r.conn(dc).Where("job_id = ?", jobID).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

func (r *stageRepo) MarkRunning(dc dbctx.Context, jobID uuid.UUID, stageName string) error {
	now := time.Now()
	res := r.conn(dc).Model(&pipeline.StageState{}).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		Updates(map[string]interface{}{
			"status":     pipeline.StageStatusRunning,
			"started_at": now,
			"last_error": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (r *stageRepo) MarkDone(dc dbctx.Context, jobID uuid.UUID, stageName string) error {
	now := time.Now()
	return r.conn(dc).Model(&pipeline.StageState{}).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		Updates(map[string]interface{}{
			"status":      pipeline.StageStatusDone,
			"finished_at": now,
		}).Error
}

func (r *stageRepo) MarkFailed(dc dbctx.Context, jobID uuid.UUID, stageName string, errMsg string) error {
	now := time.Now()
	return r.conn(dc).Model(&pipeline.StageState{}).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		Updates(map[string]interface{}{
			"status":      pipeline.StageStatusFailed,
			"finished_at": now,
			"last_error":  errMsg,
		}).Error
}

func (r *stageRepo) IncrementAttempts(dc dbctx.Context, jobID uuid.UUID, stageName string) (int, error) {
	conn := r.conn(dc)
	if err := conn.Model(&pipeline.StageState{}).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return 0, err
	}
	var st pipeline.StageState
	if err := conn.Where("job_id = ? AND stage_name = ?", jobID, stageName).First(&st).Error; err != nil {
		return 0, err
	}
	return st.Attempts, nil
}
