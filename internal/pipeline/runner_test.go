package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	stagepipeline "github.com/yungbote/neurobridge-backend/internal/pipeline"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

func newRunnerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&dompipeline.Job{},
		&dompipeline.StageState{},
		&dompipeline.ModuleOutput{},
		&dompipeline.Subscriber{},
		&dompipeline.QueueEntry{},
	))
	return db
}

// countingAdapter succeeds on its Nth call and fails (non-invariant) before
// that, so tests can exercise the retry path deterministically.
type countingAdapter struct {
	failUntil int
	calls     int
	out       string
}

func (a *countingAdapter) Run(in stagepipeline.AdapterInput) (json.RawMessage, error) {
	a.calls++
	if a.calls <= a.failUntil {
		return nil, fmt.Errorf("transient failure %d", a.calls)
	}
	return json.RawMessage(fmt.Sprintf(`{"value":%q}`, a.out)), nil
}

func allAdapters(overrides map[stagepipeline.StageName]stagepipeline.Adapter) map[stagepipeline.StageName]stagepipeline.Adapter {
	names := []stagepipeline.StageName{
		stagepipeline.StageImportVideo,
		stagepipeline.StageExtractAudio,
		stagepipeline.StageSpeechToText,
		stagepipeline.StageFrameExtraction,
		stagepipeline.StageOCRExtraction,
		stagepipeline.StageObjectDetection,
		stagepipeline.StageKeyframeSelection,
		stagepipeline.StageImageCaptioning,
		stagepipeline.StageCaptionRating,
		stagepipeline.StageSceneSegmentation,
		stagepipeline.StageTextSummarization,
		stagepipeline.StageUploadToYDX,
	}
	out := make(map[stagepipeline.StageName]stagepipeline.Adapter, len(names))
	for _, n := range names {
		n := n
		out[n] = stagepipeline.AdapterFunc(func(in stagepipeline.AdapterInput) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"stage":%q}`, n)), nil
		})
	}
	for n, a := range overrides {
		out[n] = a
	}
	return out
}

func TestRunner_RunJobCompletesAllStages(t *testing.T) {
	db := newRunnerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)

	registry := stagepipeline.NewRegistry(allAdapters(nil))
	runner := stagepipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	job, err := repos.Jobs.GetOrCreate(dbctx_(context.Background()), "vid-run-1", "ai-1")
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(context.Background(), job.ID))

	got, err := repos.Jobs.GetByID(dbctx_(context.Background()), job.ID)
	require.NoError(t, err)
	require.Equal(t, dompipeline.JobStatusCompleted, got.Status)

	states, err := repos.Stages.ListByJob(dbctx_(context.Background()), job.ID)
	require.NoError(t, err)
	require.Len(t, states, 12)
	for _, s := range states {
		require.Equal(t, dompipeline.StageStatusDone, s.Status)
	}
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	db := newRunnerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)

	flaky := &countingAdapter{failUntil: 1, out: "ok"}
	registry := stagepipeline.NewRegistry(allAdapters(map[stagepipeline.StageName]stagepipeline.Adapter{
		stagepipeline.StageImportVideo: flaky,
	}))
	runner := stagepipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	job, err := repos.Jobs.GetOrCreate(dbctx_(context.Background()), "vid-run-2", "ai-2")
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(context.Background(), job.ID))
	require.Equal(t, 2, flaky.calls)
}

func TestRunner_ResumeSkipsDoneStages(t *testing.T) {
	db := newRunnerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)

	callCount := &countingAdapter{failUntil: 0, out: "ok"}
	registry := stagepipeline.NewRegistry(allAdapters(map[stagepipeline.StageName]stagepipeline.Adapter{
		stagepipeline.StageImportVideo: callCount,
	}))
	runner := stagepipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	job, err := repos.Jobs.GetOrCreate(dbctx_(context.Background()), "vid-run-3", "ai-3")
	require.NoError(t, err)

	require.NoError(t, runner.RunJob(context.Background(), job.ID))
	require.Equal(t, 1, callCount.calls)

	// Resuming a completed job must not re-invoke any adapter.
	require.NoError(t, runner.RunJob(context.Background(), job.ID))
	require.Equal(t, 1, callCount.calls)
}

func TestRunner_FailJobRemovesScratchWhenCleanupOnFailureEnabled(t *testing.T) {
	db := newRunnerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)
	scratchBase := t.TempDir()

	fatal := stagepipeline.AdapterFunc(func(in stagepipeline.AdapterInput) (json.RawMessage, error) {
		return nil, pkgerrors.ErrInvariantViolation
	})
	registry := stagepipeline.NewRegistry(allAdapters(map[stagepipeline.StageName]stagepipeline.Adapter{
		stagepipeline.StageImportVideo: fatal,
	}))
	runner := stagepipeline.NewRunner(registry, repos, db, nil, scratchBase, true, log)

	job, err := repos.Jobs.GetOrCreate(dbctx_(context.Background()), "vid-run-4", "ai-4")
	require.NoError(t, err)

	scratch := stagepipeline.ScratchRoot(scratchBase, job.VideoID, job.AIUserID)
	require.NoError(t, scratch.Ensure())
	marker := filepath.Join(scratch.Path(), "downloaded.mp4")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	err = runner.RunJob(context.Background(), job.ID)
	require.ErrorIs(t, err, pkgerrors.ErrInvariantViolation)

	got, err := repos.Jobs.GetByID(dbctx_(context.Background()), job.ID)
	require.NoError(t, err)
	require.Equal(t, dompipeline.JobStatusFailed, got.Status)

	_, statErr := os.Stat(scratch.Path())
	require.True(t, os.IsNotExist(statErr), "scratch directory should be removed synchronously on fatal failure")
}

func TestRunner_FailJobKeepsScratchWhenCleanupOnFailureDisabled(t *testing.T) {
	db := newRunnerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)
	scratchBase := t.TempDir()

	fatal := stagepipeline.AdapterFunc(func(in stagepipeline.AdapterInput) (json.RawMessage, error) {
		return nil, pkgerrors.ErrInvariantViolation
	})
	registry := stagepipeline.NewRegistry(allAdapters(map[stagepipeline.StageName]stagepipeline.Adapter{
		stagepipeline.StageImportVideo: fatal,
	}))
	runner := stagepipeline.NewRunner(registry, repos, db, nil, scratchBase, false, log)

	job, err := repos.Jobs.GetOrCreate(dbctx_(context.Background()), "vid-run-5", "ai-5")
	require.NoError(t, err)

	scratch := stagepipeline.ScratchRoot(scratchBase, job.VideoID, job.AIUserID)
	require.NoError(t, scratch.Ensure())

	err = runner.RunJob(context.Background(), job.ID)
	require.ErrorIs(t, err, pkgerrors.ErrInvariantViolation)

	_, statErr := os.Stat(scratch.Path())
	require.NoError(t, statErr, "scratch directory must survive when cleanup_on_failure is disabled")
}
