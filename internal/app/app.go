package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	repopipeline "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/db"
	"github.com/yungbote/neurobridge-backend/internal/observability"
	"github.com/yungbote/neurobridge-backend/internal/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// App bundles every long-lived component the pipeline orchestrator
// needs: the State Store connection, the wired Stage Registry and
// Runner, the Service Pool, the HTTP router, and the background loops
// (worker pool, cleanup supervisor, metrics collectors) started by
// Start.
type App struct {
	Log     *logger.Logger
	DB      *gorm.DB
	Router  *gin.Engine
	Cfg     Config
	Repos   *repopipeline.Repos
	Clients Clients

	registry *pipeline.Registry
	runner   *pipeline.Runner
	workers  *workerPool
	cleanup  *cleanupSupervisor
	metrics  *observability.Metrics
	otelStop func(context.Context) error
	cancel   context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading environment variables")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()
	if sqlDB, derr := theDB.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}

	metrics := observability.Init(log)

	otelStop := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "neurobridge-pipeline",
		Environment: cfg.CurrentEnv,
		Version:     "dev",
	})

	clients, err := wireClients(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init clients: %w", err)
	}

	repos := repopipeline.NewRepos(theDB)
	registry := wireRegistry(clients, log)
	runner := pipeline.NewRunner(registry, repos, theDB, clients.Pool, cfg.ScratchRoot, cfg.CleanupOnFailure, log)

	workers := newWorkerPool(repos, runner, clients.Events, cfg.WorkerConcurrency, log)
	cleanup := newCleanupSupervisor(theDB, cfg, log)

	intakeHandler := NewIntakeHandler(repos, clients.Depth, log)
	healthHandler := NewHealthHandler(theDB)
	router := wireRouter(intakeHandler, healthHandler, "neurobridge-pipeline")

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Repos:    repos,
		Clients:  clients,
		registry: registry,
		runner:   runner,
		workers:  workers,
		cleanup:  cleanup,
		metrics:  metrics,
		otelStop: otelStop,
	}, nil
}

// Start launches every background loop: the worker pool claiming jobs
// off the Job Queue, the Cleanup Supervisor's hourly purge, the queue
// depth refresher backing Intake's backpressure check, and (when
// METRICS_ENABLED) the Postgres/Redis/job-queue metric collectors.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.workers.Start(ctx)
	a.cleanup.Start(ctx, a.Cfg.CleanupInterval)
	startDepthRefresher(ctx, a.Repos, a.Clients.Depth, a.Log)

	if a.metrics != nil {
		a.metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		a.metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
		a.metrics.StartRedisCollector(ctx, a.Log, os.Getenv("REDIS_ADDR"))
	}
}

// Runner exposes the wired Stage Runner for callers that drive a single
// job directly rather than through the worker pool's queue claims.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Clients.Events != nil {
		_ = a.Clients.Events.Close()
	}
	if a.Clients.Depth != nil {
		_ = a.Clients.Depth.Close()
	}
	if a.otelStop != nil {
		_ = a.otelStop(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
