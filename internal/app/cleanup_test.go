package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
)

func TestCleanupSupervisor_PurgesAgedNonCompletedJobs(t *testing.T) {
	db := newWorkerTestDB(t)
	log := testLogger(t)
	ctx := context.Background()

	// The aged job has both timestamps backdated. The fresh job below has
	// only created_at backdated, so it survives only because runOnce
	// filters on updated_at: a job can sit in_progress (old created_at,
	// fresh updated_at) without being aged out.
	aged := &dompipeline.Job{ID: mustUUID(t), VideoID: "vid-aged", AIUserID: "ai-1", Status: dompipeline.JobStatusFailed}
	require.NoError(t, db.Create(aged).Error)
	require.NoError(t, db.Model(aged).UpdateColumns(map[string]interface{}{
		"created_at": time.Now().Add(-48 * time.Hour),
		"updated_at": time.Now().Add(-48 * time.Hour),
	}).Error)

	fresh := &dompipeline.Job{ID: mustUUID(t), VideoID: "vid-fresh", AIUserID: "ai-2", Status: dompipeline.JobStatusFailed}
	require.NoError(t, db.Create(fresh).Error)
	require.NoError(t, db.Model(fresh).UpdateColumn("created_at", time.Now().Add(-48*time.Hour)).Error)

	agedCompleted := &dompipeline.Job{ID: mustUUID(t), VideoID: "vid-aged-done", AIUserID: "ai-3", Status: dompipeline.JobStatusCompleted}
	require.NoError(t, db.Create(agedCompleted).Error)
	require.NoError(t, db.Model(agedCompleted).UpdateColumns(map[string]interface{}{
		"created_at": time.Now().Add(-48 * time.Hour),
		"updated_at": time.Now().Add(-48 * time.Hour),
	}).Error)

	require.NoError(t, db.Create(&dompipeline.StageState{ID: mustUUID(t), JobID: aged.ID, StageName: "import_video", Status: dompipeline.StageStatusDone}).Error)
	require.NoError(t, db.Create(&dompipeline.QueueEntry{ID: mustUUID(t), JobID: aged.ID, Queue: dompipeline.QueueGeneral, StageName: "import_video", AvailableAt: time.Now()}).Error)

	cfg := Config{CleanupJobMaxAge: 24 * time.Hour, CleanupOnFailure: false, ScratchRoot: t.TempDir()}
	sup := newCleanupSupervisor(db, cfg, log)
	sup.runOnce(ctx)

	var remaining []dompipeline.Job
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 2)

	ids := map[string]bool{}
	for _, j := range remaining {
		ids[j.VideoID] = true
	}
	require.True(t, ids["vid-fresh"])
	require.True(t, ids["vid-aged-done"])
	require.False(t, ids["vid-aged"])

	var stageCount, queueCount int64
	require.NoError(t, db.Model(&dompipeline.StageState{}).Where("job_id = ?", aged.ID).Count(&stageCount).Error)
	require.NoError(t, db.Model(&dompipeline.QueueEntry{}).Where("job_id = ?", aged.ID).Count(&queueCount).Error)
	require.Equal(t, int64(0), stageCount)
	require.Equal(t, int64(0), queueCount)
}

func TestCleanupSupervisor_RemovesScratchOnFailureWhenEnabled(t *testing.T) {
	db := newWorkerTestDB(t)
	log := testLogger(t)
	ctx := context.Background()
	scratchBase := t.TempDir()

	job := &dompipeline.Job{ID: mustUUID(t), VideoID: "vid-scratch", AIUserID: "ai-1", Status: dompipeline.JobStatusFailed}
	require.NoError(t, db.Create(job).Error)
	require.NoError(t, db.Model(job).UpdateColumns(map[string]interface{}{
		"created_at": time.Now().Add(-48 * time.Hour),
		"updated_at": time.Now().Add(-48 * time.Hour),
	}).Error)

	scratch := pipeline.ScratchRoot(scratchBase, job.VideoID, job.AIUserID)
	require.NoError(t, scratch.Ensure())

	cfg := Config{CleanupJobMaxAge: 24 * time.Hour, CleanupOnFailure: true, ScratchRoot: scratchBase}
	sup := newCleanupSupervisor(db, cfg, log)

	require.NotPanics(t, func() { sup.runOnce(ctx) })

	var remaining []dompipeline.Job
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 0)

	_, statErr := os.Stat(scratch.Path())
	require.True(t, os.IsNotExist(statErr), "scratch directory of the failed job must be removed")
}
