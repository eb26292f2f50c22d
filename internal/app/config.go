package app

import (
	"time"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/utils"
)

// Config is every environment-driven knob the process reads at boot.
// Names are reused verbatim from the system this was distilled from
// where one exists, so an operator migrating a deployment doesn't have
// to relearn env vars.
type Config struct {
	Port string

	WorkerConcurrency int
	DBMaxOpenConns    int
	DBMaxIdleConns    int

	GCSBucket               string
	DetectServiceURL        string
	CaptionServiceURL       string
	CaptionRatingServiceURL string

	PipelineMaxRetries int
	PipelineRetryDelay time.Duration
	CleanupOnFailure   bool

	CleanupInterval  time.Duration
	CleanupJobMaxAge time.Duration

	ScratchRoot string

	CurrentEnv string
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port: utils.GetEnv("PORT", "8080", log),

		WorkerConcurrency: utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, log),
		DBMaxOpenConns:    utils.GetEnvAsInt("DB_MAX_OPEN_CONNS", 20, log),
		DBMaxIdleConns:    utils.GetEnvAsInt("DB_MAX_IDLE_CONNS", 10, log),

		GCSBucket:               utils.GetEnv("GCS_BUCKET", "", log),
		DetectServiceURL:        utils.GetEnv("DETECT_SERVICE_URL", "http://localhost:8081", log),
		CaptionServiceURL:       utils.GetEnv("CAPTION_SERVICE_URL", "http://localhost:8082", log),
		CaptionRatingServiceURL: utils.GetEnv("CAPTION_RATING_SERVICE_URL", "http://localhost:8083", log),

		PipelineMaxRetries: utils.GetEnvAsInt("PIPELINE_MAX_RETRIES", 3, log),
		PipelineRetryDelay: time.Duration(utils.GetEnvAsInt("PIPELINE_RETRY_DELAY", 5, log)) * time.Second,
		CleanupOnFailure:   utils.GetEnvAsBool("CLEANUP_ON_FAILURE", true, log),

		CleanupInterval:  time.Duration(utils.GetEnvAsInt("CLEANUP_INTERVAL_SECONDS", 3600, log)) * time.Second,
		CleanupJobMaxAge: time.Duration(utils.GetEnvAsInt("CLEANUP_JOB_MAX_AGE_HOURS", 24, log)) * time.Hour,

		ScratchRoot: utils.GetEnv("PIPELINE_SCRATCH_ROOT", "/tmp/pipeline", log),

		CurrentEnv: utils.GetEnv("CURRENT_ENV", "development", log),
	}
}
