package app

import (
	"context"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/clients/redis"
	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	dompipeline "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

const depthRefreshInterval = 5 * time.Second

// startDepthRefresher keeps the Redis-cached general-queue depth gauge
// warm so the Intake API's backpressure check never has to query
// Postgres directly.
func startDepthRefresher(ctx context.Context, repos *repopipeline.Repos, cache redis.DepthCache, log *logger.Logger) {
	if cache == nil {
		return
	}
	ticker := time.NewTicker(depthRefreshInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := repos.Queue.Depth(dbctx.Context{Ctx: ctx}, dompipeline.QueueGeneral)
				if err != nil {
					log.Warn("queue depth refresh failed", "error", err)
					continue
				}
				if err := cache.Set(ctx, depth); err != nil {
					log.Warn("queue depth cache write failed", "error", err)
				}
			}
		}
	}()
}
