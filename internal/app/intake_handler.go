package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/clients/redis"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/adapters/adapterutil"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// queueDepthHighWaterMark is the cached general-queue depth at or above which
// the Intake API starts shedding new submissions with 503 rather than
// letting the backlog grow unbounded.
const queueDepthHighWaterMark = 500

// IntakeHandler implements submit_job (C7): validate, dedupe against the
// existing (video_id, ai_user_id) business key, and enqueue.
type IntakeHandler struct {
	repos *repopipeline.Repos
	depth redis.DepthCache
	log   *logger.Logger
}

func NewIntakeHandler(repos *repopipeline.Repos, depth redis.DepthCache, log *logger.Logger) *IntakeHandler {
	return &IntakeHandler{repos: repos, depth: depth, log: log.With("handler", "Intake")}
}

type submitJobRequest struct {
	YoutubeID      string   `json:"youtube_id" binding:"required"`
	UserID         string   `json:"user_id" binding:"required"`
	AIUserID       string   `json:"AI_USER_ID" binding:"required"`
	YDXServer      string   `json:"ydx_server" binding:"required"`
	YDXAppHost     string   `json:"ydx_app_host" binding:"required"`
	VideoStartTime *float64 `json:"video_start_time"`
	VideoEndTime   *float64 `json:"video_end_time"`
}

type submitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// GenerateAICaption handles POST /generate_ai_caption.
func (h *IntakeHandler) GenerateAICaption(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.depth != nil {
		if depth, ok := h.depth.Get(c.Request.Context()); ok && depth >= queueDepthHighWaterMark {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline backlog at capacity, try again later"})
			return
		}
	}

	dc := dbctx.Context{Ctx: c.Request.Context()}
	job, err := h.repos.Jobs.GetOrCreate(dc, req.YoutubeID, req.AIUserID)
	if err != nil {
		h.log.Error("intake: get_or_create job failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
		return
	}

	// A prior job for this (video_id, ai_user_id) that already reached a
	// terminal status doesn't block a new run: it restarts the pipeline
	// from the first stage rather than returning a stale "already_tracked".
	if job.IsTerminal() {
		if err := h.repos.Jobs.ResetForRestart(dc, job); err != nil {
			h.log.Error("intake: reset job for restart failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
			return
		}
	}

	alreadyTracked := job.Status != dompipeline.JobStatusPending || len(job.Metadata) > 0

	if !alreadyTracked {
		meta := adapterutil.JobMetadata{
			UserID:         req.UserID,
			YDXServer:      req.YDXServer,
			YDXAppHost:     req.YDXAppHost,
			VideoStartTime: req.VideoStartTime,
			VideoEndTime:   req.VideoEndTime,
		}
		raw, merr := json.Marshal(meta)
		if merr != nil {
			h.log.Error("intake: marshal job metadata failed", "error", merr)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
			return
		}
		job.Metadata = raw
		if err := h.repos.Jobs.Save(dc, job); err != nil {
			h.log.Error("intake: save job metadata failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
			return
		}

		if _, err := h.repos.Queue.Enqueue(dc, job.ID, dompipeline.QueueGeneral, string(pipeline.StageImportVideo), time.Now()); err != nil {
			h.log.Error("intake: enqueue failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
			return
		}
	}

	// add_subscriber runs on every submission, new or duplicate, so a
	// second destination for the same job converges onto the same
	// subscriber list instead of being silently dropped.
	if _, err := h.repos.Subscribers.Add(dc, job.ID, req.UserID); err != nil {
		h.log.Error("intake: add subscriber failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not accept job"})
		return
	}

	status := "accepted"
	if alreadyTracked {
		status = "already_tracked"
	}
	c.JSON(http.StatusOK, submitJobResponse{JobID: job.ID.String(), Status: status})
}
