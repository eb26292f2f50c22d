package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/observability"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// MaxAttempts is the number of times the Stage Runner will retry a failed
// stage before marking both the stage and the job failed.
const MaxAttempts = 3

// linearBackoff implements the runner's retry delay: 5s on the first
// retry, 10s on the second, 15s on the third, matching the fixed
// per-attempt schedule this system is required to produce rather than a
// jittered exponential curve.
func linearBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 5 * time.Second
}

// Runner drives a single job through the Stage Registry: for each stage
// in order, it skips stages already marked done, verifies every
// dependency has produced output, then runs the adapter with retry and
// persists its result atomically with the done marker.
type Runner struct {
	registry         *Registry
	repos            *repopipeline.Repos
	db               *gorm.DB
	pool             *servicepool.Pool
	log              *logger.Logger
	scratchBase      string
	cleanupOnFailure bool
}

func NewRunner(registry *Registry, repos *repopipeline.Repos, db *gorm.DB, pool *servicepool.Pool, scratchBase string, cleanupOnFailure bool, log *logger.Logger) *Runner {
	return &Runner{
		registry:         registry,
		repos:            repos,
		db:               db,
		pool:             pool,
		scratchBase:      scratchBase,
		cleanupOnFailure: cleanupOnFailure,
		log:              log.With("service", "StageRunner"),
	}
}

// RunJob drives one job to completion or failure. It is resumable: if
// called again for a job that already has some stages marked done, those
// stages are skipped and their persisted outputs are loaded to satisfy
// downstream dependencies.
func (r *Runner) RunJob(ctx context.Context, jobID uuid.UUID) error {
	dc := dbctx.Context{Ctx: ctx}

	job, err := r.repos.Jobs.GetByID(dc, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	scratch := ScratchRoot(r.scratchBase, job.VideoID, job.AIUserID)
	if err := scratch.Ensure(); err != nil {
		return err
	}

	outputs := make(map[StageName]json.RawMessage)
	log := r.log.With("job_id", job.ID.String(), "video_id", job.VideoID, "ai_user_id", job.AIUserID)

	if err := r.repos.Jobs.UpdateStatus(dc, job.ID, dompipeline.JobStatusRunning, job.CurrentStage, ""); err != nil {
		return err
	}

	for _, def := range r.registry.Ordered() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		state, err := r.repos.Stages.GetOrCreate(dc, job.ID, string(def.Name))
		if err != nil {
			return err
		}

		if state.Done() {
			out, err := r.repos.Outputs.Get(dc, job.ID, string(def.Name))
			if err != nil {
				if errors.Is(err, pkgerrors.ErrNotFound) && state.Status == dompipeline.StageStatusSkipped {
					continue
				}
				return err
			}
			outputs[def.Name] = json.RawMessage(out.Output)
			continue
		}

		if !r.dependenciesSatisfied(def, outputs) {
			err := pkgerrors.ErrDependencyMissing
			r.failJob(dc, job, string(def.Name), err.Error())
			return err
		}

		out, err := r.runStageWithRetry(ctx, def, job, outputs, scratch, log)
		if err != nil {
			r.failJob(dc, job, string(def.Name), err.Error())
			return err
		}
		outputs[def.Name] = out

		if err := r.commitStageOutput(dc, job.ID, def.Name, out); err != nil {
			return err
		}
		_ = r.repos.Jobs.UpdateStatus(dc, job.ID, dompipeline.JobStatusRunning, string(def.Name), "")
	}

	now := time.Now()
	job.Status = dompipeline.JobStatusCompleted
	job.CompletedAt = &now
	job.CurrentStage = ""
	job.LastError = ""
	if err := r.repos.Jobs.Save(dc, job); err != nil {
		return err
	}
	log.Info("job completed")
	return nil
}

func (r *Runner) dependenciesSatisfied(def StageDef, outputs map[StageName]json.RawMessage) bool {
	for _, dep := range def.DependsOn {
		if _, ok := outputs[dep]; !ok {
			return false
		}
	}
	return true
}

// commitStageOutput writes the module output and marks the stage done in
// a single transaction, so a crash between the two can never leave a
// stage looking done without a readable output (or vice versa).
func (r *Runner) commitStageOutput(dc dbctx.Context, jobID uuid.UUID, stage StageName, out json.RawMessage) error {
	return r.db.WithContext(dc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dc.Ctx, Tx: tx}
		if err := r.repos.Outputs.Upsert(txc, jobID, string(stage), datatypes.JSON(out)); err != nil {
			return err
		}
		return r.repos.Stages.MarkDone(txc, jobID, string(stage))
	})
}

func (r *Runner) runStageWithRetry(ctx context.Context, def StageDef, job *dompipeline.Job, outputs map[StageName]json.RawMessage, scratch ScratchDir, log *logger.Logger) (json.RawMessage, error) {
	dc := dbctx.Context{Ctx: ctx}

	if err := r.repos.Stages.MarkRunning(dc, job.ID, string(def.Name)); err != nil {
		return nil, err
	}

	in := AdapterInput{
		Ctx: ctx,
		Job: JobInfo{
			JobID:    job.ID,
			VideoID:  job.VideoID,
			AIUserID: job.AIUserID,
			Metadata: job.Metadata,
		},
		Outputs: outputs,
		Scratch: scratch,
		Pool:    r.pool,
		Log:     log.With("stage", string(def.Name)),
	}

	queue := string(def.Name.Queue())
	metrics := observability.Current()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts+1; attempt++ {
		started := time.Now()
		out, err := def.Adapter.Run(in)
		if err == nil {
			metrics.ObserveStageRun(string(def.Name), queue, "done", time.Since(started))
			return out, nil
		}
		lastErr = err
		metrics.ObserveStageRun(string(def.Name), queue, "retry", time.Since(started))

		if _, cerr := r.repos.Stages.IncrementAttempts(dc, job.ID, string(def.Name)); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, pkgerrors.ErrInvariantViolation) {
			_ = r.repos.Stages.MarkFailed(dc, job.ID, string(def.Name), err.Error())
			metrics.ObserveStageRun(string(def.Name), queue, "failed", time.Since(started))
			return nil, err
		}
		if attempt > MaxAttempts {
			break
		}

		log.Warn("stage attempt failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(linearBackoff(attempt)):
		}
	}

	_ = r.repos.Stages.MarkFailed(dc, job.ID, string(def.Name), lastErr.Error())
	metrics.ObserveStageRun(string(def.Name), queue, "failed", 0)
	return nil, lastErr
}

// failJob marks both the stage and the job failed and, when
// cleanupOnFailure is enabled, synchronously removes the job's scratch
// directory rather than waiting for the Cleanup Supervisor's periodic
// sweep — a job that will never resume has no use for its downloaded
// video and extracted frames the moment it goes terminal.
func (r *Runner) failJob(dc dbctx.Context, job *dompipeline.Job, stage, msg string) {
	now := time.Now()
	_ = r.repos.Stages.MarkFailed(dc, job.ID, stage, msg)
	_ = r.repos.Jobs.UpdateStatus(dc, job.ID, dompipeline.JobStatusFailed, stage, msg)
	job.Status = dompipeline.JobStatusFailed
	job.CurrentStage = stage
	job.LastError = msg
	job.FailedAt = &now
	_ = r.repos.Jobs.Save(dc, job)

	if r.cleanupOnFailure {
		scratch := ScratchRoot(r.scratchBase, job.VideoID, job.AIUserID)
		if err := scratch.Remove(); err != nil {
			r.log.Warn("scratch removal after fatal failure failed", "job_id", job.ID.String(), "error", err)
		}
	}
}
