package app

import (
	"context"
	"time"

	"gorm.io/gorm"

	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// cleanupSupervisor periodically purges State Store rows for jobs old
// enough that nothing will ever resume them, and (when enabled) removes
// the scratch directory of each such aged job that ended in
// JobStatusFailed so a
// stuck job doesn't leave gigabytes of downloaded video and extracted
// frames behind.
type cleanupSupervisor struct {
	db               *gorm.DB
	scratchBase      string
	maxAge           time.Duration
	cleanupOnFailure bool
	log              *logger.Logger
}

func newCleanupSupervisor(db *gorm.DB, cfg Config, log *logger.Logger) *cleanupSupervisor {
	return &cleanupSupervisor{
		db:               db,
		scratchBase:      cfg.ScratchRoot,
		maxAge:           cfg.CleanupJobMaxAge,
		cleanupOnFailure: cfg.CleanupOnFailure,
		log:              log.With("service", "CleanupSupervisor"),
	}
}

func (c *cleanupSupervisor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runOnce(ctx)
			}
		}
	}()
}

func (c *cleanupSupervisor) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.maxAge)

	var jobs []dompipeline.Job
	err := c.db.WithContext(ctx).
		Where("updated_at < ? AND status <> ?", cutoff, dompipeline.JobStatusCompleted).
		Find(&jobs).Error
	if err != nil {
		c.log.Warn("cleanup: list aged jobs failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	purged := 0
	for _, job := range jobs {
		if c.cleanupOnFailure && job.Status == dompipeline.JobStatusFailed {
			scratch := pipeline.ScratchRoot(c.scratchBase, job.VideoID, job.AIUserID)
			if err := scratch.Remove(); err != nil {
				c.log.Warn("cleanup: scratch removal failed", "job_id", job.ID.String(), "error", err)
			}
		}

		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("job_id = ?", job.ID).Delete(&dompipeline.StageState{}).Error; err != nil {
				return err
			}
			if err := tx.Where("job_id = ?", job.ID).Delete(&dompipeline.ModuleOutput{}).Error; err != nil {
				return err
			}
			if err := tx.Where("job_id = ?", job.ID).Delete(&dompipeline.Subscriber{}).Error; err != nil {
				return err
			}
			if err := tx.Where("job_id = ?", job.ID).Delete(&dompipeline.QueueEntry{}).Error; err != nil {
				return err
			}
			return tx.Delete(&dompipeline.Job{}, "id = ?", job.ID).Error
		})
		if err != nil {
			c.log.Warn("cleanup: purge failed", "job_id", job.ID.String(), "error", err)
			continue
		}
		purged++
	}

	c.log.Info("cleanup pass complete", "aged_jobs", len(jobs), "purged", purged)
}
