package pipeline

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

// SubscriberRepo tracks live notification channels for a job.
type SubscriberRepo interface {
	Add(dc dbctx.Context, jobID uuid.UUID, channel string) (*pipeline.Subscriber, error)
	Remove(dc dbctx.Context, jobID uuid.UUID, channel string) error
	ListByJob(dc dbctx.Context, jobID uuid.UUID) ([]pipeline.Subscriber, error)
}

type subscriberRepo struct {
	db *gorm.DB
}

func NewSubscriberRepo(db *gorm.DB) SubscriberRepo {
	return &subscriberRepo{db: db}
}

func (r *subscriberRepo) conn(dc dbctx.Context) *gorm.DB {
	if dc.Tx != nil {
		return dc.Tx.WithContext(dc.Ctx)
	}
	return r.db.WithContext(dc.Ctx)
}

// Add is idempotent on (jobID, channel): resubmitting the same channel
// for a job already being watched returns the existing row rather than
// creating a duplicate subscriber.
func (r *subscriberRepo) Add(dc dbctx.Context, jobID uuid.UUID, channel string) (*pipeline.Subscriber, error) {
	sub := &pipeline.Subscriber{
		ID:      uuid.New(),
		JobID:   jobID,
		Channel: channel,
	}
	err := r.conn(dc).
		Where(pipeline.Subscriber{JobID: jobID, Channel: channel}).
		FirstOrCreate(sub).Error
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *subscriberRepo) Remove(dc dbctx.Context, jobID uuid.UUID, channel string) error {
	return r.conn(dc).
		Where("job_id = ? AND channel = ?", jobID, channel).
		Delete(&pipeline.Subscriber{}).Error
}

func (r *subscriberRepo) ListByJob(dc dbctx.Context, jobID uuid.UUID) ([]pipeline.Subscriber, error) {
	var subs []pipeline.Subscriber
	if err := r.conn(dc).Where("job_id = ?", jobID).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
