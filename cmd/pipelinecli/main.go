package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/yungbote/neurobridge-backend/internal/app"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

func main() {
	var videoID string
	var aiUserID string
	var userID string
	var ydxServer string
	var ydxAppHost string
	var startTime float64
	var endTime float64
	var uploadToServer bool
	flag.StringVar(&videoID, "video_id", "", "youtube video id to process (required)")
	flag.StringVar(&aiUserID, "ai_user_id", "", "AI user id the job is scoped to (required)")
	flag.StringVar(&userID, "user_id", "", "requesting user id")
	flag.StringVar(&ydxServer, "ydx_server", "", "YDX server base URL, required when --upload_to_server is set")
	flag.StringVar(&ydxAppHost, "ydx_app_host", "", "YDX app host, required when --upload_to_server is set")
	flag.Float64Var(&startTime, "start_time", 0, "trim window start in seconds, 0 means from the beginning")
	flag.Float64Var(&endTime, "end_time", 0, "trim window end in seconds, 0 means to the end")
	flag.BoolVar(&uploadToServer, "upload_to_server", false, "require --ydx_server and --ydx_app_host to be set; upload_to_ydx runs on every job whether or not this is set")
	flag.Parse()

	if videoID == "" || aiUserID == "" {
		fmt.Println("--video_id and --ai_user_id are required")
		os.Exit(1)
	}
	if uploadToServer && (ydxServer == "" || ydxAppHost == "") {
		fmt.Println("--ydx_server and --ydx_app_host are required when --upload_to_server is set")
		os.Exit(1)
	}

	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()
	dc := dbctx.Context{Ctx: ctx}

	job, err := a.Repos.Jobs.GetOrCreate(dc, videoID, aiUserID)
	if err != nil {
		a.Log.Error("pipelinecli: get_or_create job failed", "error", err)
		os.Exit(1)
	}

	if job.Status == dompipeline.JobStatusPending && len(job.Metadata) == 0 {
		meta := adapterutil.JobMetadata{
			UserID:     userID,
			YDXServer:  ydxServer,
			YDXAppHost: ydxAppHost,
		}
		if startTime > 0 {
			meta.VideoStartTime = &startTime
		}
		if endTime > 0 {
			meta.VideoEndTime = &endTime
		}
		raw, merr := json.Marshal(meta)
		if merr != nil {
			a.Log.Error("pipelinecli: marshal job metadata failed", "error", merr)
			os.Exit(1)
		}
		job.Metadata = raw
		if err := a.Repos.Jobs.Save(dc, job); err != nil {
			a.Log.Error("pipelinecli: save job metadata failed", "error", err)
			os.Exit(1)
		}
	}

	a.Log.Info("pipelinecli: running job", "video_id", videoID, "ai_user_id", aiUserID, "job_id", job.ID.String())
	if err := a.Runner().RunJob(ctx, job.ID); err != nil {
		a.Log.Error("pipelinecli: job failed", "job_id", job.ID.String(), "error", err)
		os.Exit(1)
	}

	a.Log.Info("pipelinecli: job completed", "job_id", job.ID.String())
}
