package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

// QueueRepo is the Job Queue's durable backing store. Claim uses
// SELECT ... FOR UPDATE SKIP LOCKED so several worker goroutines pulling
// from the same queue never hand out the same entry twice.
type QueueRepo interface {
	Enqueue(dc dbctx.Context, jobID uuid.UUID, queue pipeline.QueueName, stageName string, availableAt time.Time) (*pipeline.QueueEntry, error)
	// Claim locks and returns up to one runnable entry from the given
	// queue, stamping it with lockedBy so Ack/Release can address it
	// later. Returns pkgerrors.ErrNotFound if nothing is claimable.
	Claim(dc dbctx.Context, queue pipeline.QueueName, lockedBy string) (*pipeline.QueueEntry, error)
	Ack(dc dbctx.Context, id uuid.UUID) error
	// Release unlocks an entry and reschedules it for availableAt,
	// incrementing its attempt counter. Used when a job run ends with an
	// error that leaves the job resumable, so it is claimed again later.
	Release(dc dbctx.Context, id uuid.UUID, availableAt time.Time) error
	Depth(dc dbctx.Context, queue pipeline.QueueName) (int64, error)
}

type queueRepo struct {
	db *gorm.DB
}

func NewQueueRepo(db *gorm.DB) QueueRepo {
	return &queueRepo{db: db}
}

func (r *queueRepo) conn(dc dbctx.Context) *gorm.DB {
	if dc.Tx != nil {
		return dc.Tx.WithContext(dc.Ctx)
	}
	return r.db.WithContext(dc.Ctx)
}

func (r *queueRepo) Enqueue(dc dbctx.Context, jobID uuid.UUID, queue pipeline.QueueName, stageName string, availableAt time.Time) (*pipeline.QueueEntry, error) {
	entry := &pipeline.QueueEntry{
		ID:          uuid.New(),
		JobID:       jobID,
		Queue:       queue,
		StageName:   stageName,
		AvailableAt: availableAt,
	}
	if err := r.conn(dc).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *queueRepo) Claim(dc dbctx.Context, queue pipeline.QueueName, lockedBy string) (*pipeline.QueueEntry, error) {
	var entry pipeline.QueueEntry
	now := time.Now()
	// The row lock taken by the locking select is held until the update
	// below commits, so no other worker can claim the same entry.
	err := r.conn(dc).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND locked_at IS NULL AND available_at <= ?", queue, now).
			Order("available_at ASC").
			Limit(1).
			First(&entry).Error; err != nil {
			return err
		}
		return tx.Model(&pipeline.QueueEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"locked_at": now,
				"locked_by": lockedBy,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	entry.LockedAt = &now
	entry.LockedBy = lockedBy
	return &entry, nil
}

func (r *queueRepo) Ack(dc dbctx.Context, id uuid.UUID) error {
	return r.conn(dc).Delete(&pipeline.QueueEntry{}, "id = ?", id).Error
}

func (r *queueRepo) Release(dc dbctx.Context, id uuid.UUID, availableAt time.Time) error {
	return r.conn(dc).Model(&pipeline.QueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"locked_at":    nil,
			"locked_by":    "",
			"available_at": availableAt,
			"attempts":     gorm.Expr("attempts + 1"),
		}).Error
}

func (r *queueRepo) Depth(dc dbctx.Context, queue pipeline.QueueName) (int64, error) {
	var count int64
	err := r.conn(dc).Model(&pipeline.QueueEntry{}).
		Where("queue = ? AND locked_at IS NULL AND available_at <= ?", queue, time.Now()).
		Count(&count).Error
	return count, err
}
