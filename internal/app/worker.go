package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/clients/redis"
	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// pollInterval is how long an idle worker waits before asking the Job
// Queue for more work again.
const pollInterval = 2 * time.Second

// workerPool runs WorkerConcurrency goroutines, each claiming one queue
// entry at a time and driving that job's entire stage sequence through
// the Stage Runner. A job's queue entry names the stage it was enqueued
// for (import_video on first submission), but RunJob resumes from
// wherever the job's stage state actually left off, so a single claim
// carries the job to completion or failure rather than to just one
// stage.
//
// Every job runs from its general-queue entry. StageName.Queue() maps
// image_captioning to the caption queue, but nothing is ever enqueued
// there and no worker here claims from it; captioning is kept
// single-flight by the Service Pool's weight-1 semaphore on the caption
// service, acquired inside RunJob. The cached depth gauge reads the
// general queue only and feeds the Intake API's backpressure check.
type workerPool struct {
	repos   *repopipeline.Repos
	runner  *pipeline.Runner
	events  redis.EventBus
	log     *logger.Logger
	workers int
}

func newWorkerPool(repos *repopipeline.Repos, runner *pipeline.Runner, events redis.EventBus, workers int, log *logger.Logger) *workerPool {
	if workers < 1 {
		workers = 1
	}
	return &workerPool{repos: repos, runner: runner, events: events, workers: workers, log: log.With("service", "WorkerPool")}
}

func (w *workerPool) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		go w.loop(ctx, i)
	}
}

func (w *workerPool) loop(ctx context.Context, id int) {
	workerID := "worker-" + strconv.Itoa(id)
	log := w.log.With("worker_id", workerID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimAndRun(ctx, workerID, log)
		}
	}
}

func (w *workerPool) claimAndRun(ctx context.Context, workerID string, log *logger.Logger) {
	dc := dbctx.Context{Ctx: ctx}

	entry, err := w.repos.Queue.Claim(dc, dompipeline.QueueGeneral, workerID)
	if err != nil {
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			log.Warn("queue claim failed", "error", err)
		}
		return
	}

	log = log.With("job_id", entry.JobID.String())
	log.Info("claimed job")

	runErr := w.runner.RunJob(ctx, entry.JobID)
	if runErr != nil {
		log.Warn("job run ended with error", "error", runErr)
		w.publishStatus(ctx, entry.JobID, "failed", runErr.Error())
		// A job the runner left failed (a dependency-missing or
		// invariant-violation error, or a stage that used up its
		// retries) will not run again, so its queue entry is acked.
		// Anything else (cancellation, a State Store error) leaves the
		// job resumable, and the entry is released for another try
		// after a delay.
		terminal := errors.Is(runErr, pkgerrors.ErrDependencyMissing) || errors.Is(runErr, pkgerrors.ErrInvariantViolation)
		if job, jerr := w.repos.Jobs.GetByID(dc, entry.JobID); jerr == nil && job.IsTerminal() {
			terminal = true
		}
		if terminal {
			_ = w.repos.Queue.Ack(dc, entry.ID)
			return
		}
		_ = w.repos.Queue.Release(dc, entry.ID, time.Now().Add(pipeline.MaxAttempts*time.Minute))
		return
	}

	_ = w.repos.Queue.Ack(dc, entry.ID)
	w.publishStatus(ctx, entry.JobID, "completed", "")
	log.Info("job completed")
}

// publishStatus best-effort publishes a job's terminal status to the
// event bus so any connection watching (video_id, ai_user_id) learns
// about it without polling the State Store. A missing event bus (no
// REDIS_ADDR configured) makes this a no-op.
func (w *workerPool) publishStatus(ctx context.Context, jobID uuid.UUID, status, message string) {
	if w.events == nil {
		return
	}
	job, err := w.repos.Jobs.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		return
	}
	_ = w.events.Publish(ctx, redis.JobEvent{
		JobID:     job.ID,
		VideoID:   job.VideoID,
		AIUserID:  job.AIUserID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	})
}
