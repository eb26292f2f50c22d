package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	domainpipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/neurobridge-backend/internal/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domainpipeline.Job{},
		&domainpipeline.StageState{},
		&domainpipeline.ModuleOutput{},
		&domainpipeline.Subscriber{},
		&domainpipeline.QueueEntry{},
	))
	return db
}

func newDC() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

func TestJobRepo_GetOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := repopipeline.NewJobRepo(db)
	dc := newDC()

	first, err := repo.GetOrCreate(dc, "vid-1", "ai-user-1")
	require.NoError(t, err)
	require.Equal(t, domainpipeline.JobStatusPending, first.Status)

	second, err := repo.GetOrCreate(dc, "vid-1", "ai-user-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestJobRepo_GetByBusinessKeyNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := repopipeline.NewJobRepo(db)

	_, err := repo.GetByBusinessKey(newDC(), "missing", "missing")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestStageRepo_MarkRunningThenDone(t *testing.T) {
	db := newTestDB(t)
	jobs := repopipeline.NewJobRepo(db)
	stages := repopipeline.NewStageRepo(db)
	dc := newDC()

	job, err := jobs.GetOrCreate(dc, "vid-2", "ai-user-2")
	require.NoError(t, err)

	_, err = stages.GetOrCreate(dc, job.ID, "import_video")
	require.NoError(t, err)

	require.NoError(t, stages.MarkRunning(dc, job.ID, "import_video"))
	attempts, err := stages.IncrementAttempts(dc, job.ID, "import_video")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, stages.MarkDone(dc, job.ID, "import_video"))

	states, err := stages.ListByJob(dc, job.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.True(t, states[0].Done())
}

func TestQueueRepo_ClaimSkipsLockedAndFuture(t *testing.T) {
	db := newTestDB(t)
	jobs := repopipeline.NewJobRepo(db)
	queue := repopipeline.NewQueueRepo(db)
	dc := newDC()

	job, err := jobs.GetOrCreate(dc, "vid-3", "ai-user-3")
	require.NoError(t, err)

	_, err = queue.Enqueue(dc, job.ID, domainpipeline.QueueGeneral, "extract_audio", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	future, err := queue.Enqueue(dc, job.ID, domainpipeline.QueueGeneral, "frame_extraction", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claimed, err := queue.Claim(dc, domainpipeline.QueueGeneral, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "extract_audio", claimed.StageName)

	_, err = queue.Claim(dc, domainpipeline.QueueGeneral, "worker-2")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound)

	require.NoError(t, queue.Ack(dc, claimed.ID))

	depth, err := queue.Depth(dc, domainpipeline.QueueGeneral)
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)

	require.NoError(t, queue.Release(dc, future.ID, time.Now().Add(-time.Second)))
	claimed2, err := queue.Claim(dc, domainpipeline.QueueGeneral, "worker-3")
	require.NoError(t, err)
	require.Equal(t, "frame_extraction", claimed2.StageName)
	require.Equal(t, 1, claimed2.Attempts)
}

func TestSubscriberRepo_AddIsIdempotentPerChannel(t *testing.T) {
	db := newTestDB(t)
	jobs := repopipeline.NewJobRepo(db)
	subs := repopipeline.NewSubscriberRepo(db)
	dc := newDC()

	job, err := jobs.GetOrCreate(dc, "vid-5", "ai-user-5")
	require.NoError(t, err)

	first, err := subs.Add(dc, job.ID, "alice")
	require.NoError(t, err)
	second, err := subs.Add(dc, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "re-adding the same channel must return the existing row")

	_, err = subs.Add(dc, job.ID, "bob")
	require.NoError(t, err)

	all, err := subs.ListByJob(dc, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestJobRepo_ResetForRestartClearsStateAndOutputs(t *testing.T) {
	db := newTestDB(t)
	jobs := repopipeline.NewJobRepo(db)
	stages := repopipeline.NewStageRepo(db)
	outputs := repopipeline.NewOutputRepo(db)
	dc := newDC()

	job, err := jobs.GetOrCreate(dc, "vid-6", "ai-user-6")
	require.NoError(t, err)

	_, err = stages.GetOrCreate(dc, job.ID, "import_video")
	require.NoError(t, err)
	require.NoError(t, stages.MarkDone(dc, job.ID, "import_video"))
	require.NoError(t, outputs.Upsert(dc, job.ID, "import_video", []byte(`{"ok":true}`)))

	job.Status = domainpipeline.JobStatusCompleted
	job.Metadata = []byte(`{"user_id":"u-1"}`)
	job.LastError = "stale"
	require.NoError(t, jobs.Save(dc, job))

	require.NoError(t, jobs.ResetForRestart(dc, job))
	require.Equal(t, domainpipeline.JobStatusPending, job.Status)
	require.Empty(t, job.Metadata)
	require.Empty(t, job.LastError)

	reloaded, err := jobs.GetByID(dc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domainpipeline.JobStatusPending, reloaded.Status)

	states, err := stages.ListByJob(dc, job.ID)
	require.NoError(t, err)
	require.Len(t, states, 0, "reset must drop prior stage states")

	_, err = outputs.Get(dc, job.ID, "import_video")
	require.ErrorIs(t, err, pkgerrors.ErrNotFound, "reset must drop prior module outputs")
}

func TestOutputRepo_UpsertOverwrites(t *testing.T) {
	db := newTestDB(t)
	jobs := repopipeline.NewJobRepo(db)
	outputs := repopipeline.NewOutputRepo(db)
	dc := newDC()

	job, err := jobs.GetOrCreate(dc, "vid-4", "ai-user-4")
	require.NoError(t, err)

	require.NoError(t, outputs.Upsert(dc, job.ID, "ocr_extraction", []byte(`{"lines":1}`)))
	require.NoError(t, outputs.Upsert(dc, job.ID, "ocr_extraction", []byte(`{"lines":2}`)))

	out, err := outputs.Get(dc, job.ID, "ocr_extraction")
	require.NoError(t, err)
	require.JSONEq(t, `{"lines":2}`, string(out.Output))
}
