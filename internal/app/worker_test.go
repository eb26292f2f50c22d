package app

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

func dbctx_(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

func newWorkerTestDB(t *testing.T) *gorm.DB {
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

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func allStubAdapters(override pipeline.StageName, fn pipeline.AdapterFunc) map[pipeline.StageName]pipeline.Adapter {
	names := []pipeline.StageName{
		pipeline.StageImportVideo, pipeline.StageExtractAudio, pipeline.StageSpeechToText,
		pipeline.StageFrameExtraction, pipeline.StageOCRExtraction, pipeline.StageObjectDetection,
		pipeline.StageKeyframeSelection, pipeline.StageImageCaptioning, pipeline.StageCaptionRating,
		pipeline.StageSceneSegmentation, pipeline.StageTextSummarization, pipeline.StageUploadToYDX,
	}
	out := make(map[pipeline.StageName]pipeline.Adapter, len(names))
	for _, n := range names {
		n := n
		out[n] = pipeline.AdapterFunc(func(in pipeline.AdapterInput) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"stage":%q}`, n)), nil
		})
	}
	if fn != nil {
		out[override] = fn
	}
	return out
}

func TestWorkerPool_ClaimAndRunCompletesJob(t *testing.T) {
	db := newWorkerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)
	ctx := context.Background()
	dc := dbctx_(ctx)

	registry := pipeline.NewRegistry(allStubAdapters("", nil))
	runner := pipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	job, err := repos.Jobs.GetOrCreate(dc, "vid-1", "ai-1")
	require.NoError(t, err)
	_, err = repos.Queue.Enqueue(dc, job.ID, dompipeline.QueueGeneral, string(pipeline.StageImportVideo), time.Now())
	require.NoError(t, err)

	w := newWorkerPool(repos, runner, nil, 1, log)
	w.claimAndRun(ctx, "worker-0", log)

	depth, err := repos.Queue.Depth(dc, dompipeline.QueueGeneral)
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)

	got, err := repos.Jobs.GetByID(dc, job.ID)
	require.NoError(t, err)
	require.Equal(t, dompipeline.JobStatusCompleted, got.Status)
}

func TestWorkerPool_ClaimAndRunTerminalFailureAcksEntry(t *testing.T) {
	db := newWorkerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)
	ctx := context.Background()
	dc := dbctx_(ctx)

	failing := pipeline.AdapterFunc(func(in pipeline.AdapterInput) (json.RawMessage, error) {
		return nil, pkgerrors.ErrInvariantViolation
	})
	registry := pipeline.NewRegistry(allStubAdapters(pipeline.StageImportVideo, failing))
	runner := pipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	job, err := repos.Jobs.GetOrCreate(dc, "vid-2", "ai-2")
	require.NoError(t, err)
	_, err = repos.Queue.Enqueue(dc, job.ID, dompipeline.QueueGeneral, string(pipeline.StageImportVideo), time.Now())
	require.NoError(t, err)

	w := newWorkerPool(repos, runner, nil, 1, log)
	w.claimAndRun(ctx, "worker-0", log)

	depth, err := repos.Queue.Depth(dc, dompipeline.QueueGeneral)
	require.NoError(t, err)
	require.Equal(t, int64(0), depth, "terminal failure should ack, not reschedule, the queue entry")

	got, err := repos.Jobs.GetByID(dc, job.ID)
	require.NoError(t, err)
	require.Equal(t, dompipeline.JobStatusFailed, got.Status)
}

func TestWorkerPool_ClaimAndRunNoWorkIsNoop(t *testing.T) {
	db := newWorkerTestDB(t)
	repos := repopipeline.NewRepos(db)
	log := testLogger(t)

	registry := pipeline.NewRegistry(allStubAdapters("", nil))
	runner := pipeline.NewRunner(registry, repos, db, nil, t.TempDir(), false, log)

	w := newWorkerPool(repos, runner, nil, 1, log)
	require.NotPanics(t, func() {
		w.claimAndRun(context.Background(), "worker-0", log)
	})
}
