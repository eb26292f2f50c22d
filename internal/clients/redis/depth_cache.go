package redis

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

const depthCacheTTL = 30 * time.Second

// DepthCache is a cheap shared gauge of the general Job Queue's depth,
// refreshed periodically from Postgres and read by the Intake API on
// every submission so a backpressure check never costs a database round
// trip on the hot path.
type DepthCache interface {
	Set(ctx context.Context, depth int64) error
	Get(ctx context.Context) (int64, bool)
	Close() error
}

type depthCache struct {
	log *logger.Logger
	rdb *goredis.Client
	key string
}

// NewDepthCache connects to the same Redis instance as the event bus.
// A missing REDIS_ADDR is not fatal: callers fall back to treating the
// queue as never backpressured, which is the original system's behavior
// before this gauge existed.
func NewDepthCache(log *logger.Logger) (DepthCache, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &depthCache{log: log.With("service", "QueueDepthCache"), rdb: rdb, key: "pipeline:queue_depth:general"}, nil
}

func (d *depthCache) Set(ctx context.Context, depth int64) error {
	return d.rdb.Set(ctx, d.key, depth, depthCacheTTL).Err()
}

func (d *depthCache) Get(ctx context.Context) (int64, bool) {
	raw, err := d.rdb.Get(ctx, d.key).Result()
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (d *depthCache) Close() error {
	return d.rdb.Close()
}
