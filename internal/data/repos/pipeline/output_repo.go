package pipeline

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

// OutputRepo is the State Store's view over persisted stage results.
type OutputRepo interface {
	Get(dc dbctx.Context, jobID uuid.UUID, stageName string) (*pipeline.ModuleOutput, error)
	// Upsert writes or replaces the output for (jobID, stageName). Used by
	// the Stage Runner as the second half of its atomic "write output,
	// mark done" commit.
	Upsert(dc dbctx.Context, jobID uuid.UUID, stageName string, output datatypes.JSON) error
}

type outputRepo struct {
	db *gorm.DB
}

func NewOutputRepo(db *gorm.DB) OutputRepo {
	return &outputRepo{db: db}
}

func (r *outputRepo) conn(dc dbctx.Context) *gorm.DB {
	if dc.Tx != nil {
		return dc.Tx.WithContext(dc.Ctx)
	}
	return r.db.WithContext(dc.Ctx)
}

func (r *outputRepo) Get(dc dbctx.Context, jobID uuid.UUID, stageName string) (*pipeline.ModuleOutput, error) {
	var out pipeline.ModuleOutput
	err := r.conn(dc).
		Where("job_id = ? AND stage_name = ?", jobID, stageName).
		First(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *outputRepo) Upsert(dc dbctx.Context, jobID uuid.UUID, stageName string, output datatypes.JSON) error {
	row := pipeline.ModuleOutput{
		ID:        uuid.New(),
		JobID:     jobID,
		StageName: stageName,
		Output:    output,
	}
	return r.conn(dc).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"output", "updated_at"}),
		}).
		Create(&row).Error
}
