package app

import (
	"fmt"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/clients/redis"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/servicepool"
)

// Clients bundles every outbound client the pipeline's adapters and
// supporting services need: GCS for durable artifacts, GCP Speech/Vision
// for transcription and OCR, the Service Pool for the three GPU
// inference services, and (best-effort) a Redis event bus for live
// subscriber notifications.
type Clients struct {
	Bucket gcp.BucketService
	Speech gcp.Speech
	Vision gcp.Vision
	Pool   *servicepool.Pool
	Events redis.EventBus
	Depth  redis.DepthCache
}

func wireClients(cfg Config, log *logger.Logger) (Clients, error) {
	bucket, err := gcp.NewBucketService(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init gcs bucket: %w", err)
	}
	speech, err := gcp.NewSpeech(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init speech client: %w", err)
	}
	vision, err := gcp.NewVision(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init vision client: %w", err)
	}

	pool := servicepool.New(log, []servicepool.ServiceConfig{
		{Type: servicepool.ServiceDetect, BaseURL: cfg.DetectServiceURL, MaxInFlight: 4},
		{Type: servicepool.ServiceCaption, BaseURL: cfg.CaptionServiceURL, MaxInFlight: 1},
		{Type: servicepool.ServiceRating, BaseURL: cfg.CaptionRatingServiceURL, MaxInFlight: 10},
	})

	// The event bus is optional: live subscriber push is an enhancement
	// over polling the State Store, not a requirement for the pipeline to
	// run, so a missing REDIS_ADDR degrades to "no live notifications"
	// rather than failing boot.
	events, eerr := redis.NewEventBus(log)
	if eerr != nil {
		log.Warn("redis event bus unavailable, job events will not be published", "error", eerr)
		events = nil
	}

	depth, derr := redis.NewDepthCache(log)
	if derr != nil {
		log.Warn("redis depth cache unavailable, intake backpressure check disabled", "error", derr)
		depth = nil
	}

	return Clients{Bucket: bucket, Speech: speech, Vision: vision, Pool: pool, Events: events, Depth: depth}, nil
}
