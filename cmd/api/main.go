// Package main is the entry point of the API server and its embedded
// worker pool.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yourusername/taskforge/internal/callback"
	"github.com/yourusername/taskforge/internal/collections"
	"github.com/yourusername/taskforge/internal/config"
	"github.com/yourusername/taskforge/internal/doctransform"
	"github.com/yourusername/taskforge/internal/documents"
	"github.com/yourusername/taskforge/internal/evaluation"
	"github.com/yourusername/taskforge/internal/jobs"
	"github.com/yourusername/taskforge/internal/provider"
	"github.com/yourusername/taskforge/internal/response"
	"github.com/yourusername/taskforge/internal/storage"
	"github.com/yourusername/taskforge/internal/sweep"
)

// application bundles the wired services handed to the routes.
type application struct {
	jobStore    *jobs.Store
	documents   *documents.Store
	artifacts   storage.Store
	collections *collections.Service
	transforms  *doctransform.Service
	responses   *response.Service
	evaluations *evaluation.Service
	sweeper     *sweep.Sweeper
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	log := newLogger(cfg.GinMode)
	slog.SetDefault(log)
	gin.SetMode(cfg.GinMode)

	db, err := openDatabase(cfg)
	if err != nil {
		log.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	if err := migrate(db); err != nil {
		log.Error("failed to run migrations", "err", err)
		os.Exit(1)
	}

	artifacts, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		log.Error("failed to initialize artifact storage", "err", err)
		os.Exit(1)
	}

	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	}, log)

	deliverer := callback.NewDeliverer(cfg.CallbackTimeout, cfg.WebhookSigningSecret, newCallbackMarker(cfg, log), log)

	jobStore := jobs.NewStore(db, log)
	docStore := documents.NewStore(db)
	colStore := collections.NewStore(db)
	runStore := evaluation.NewStore(db)

	sweeper := sweep.NewSweeper(jobStore, providerClient, log)

	registry := jobs.NewRegistry()
	manager, err := jobs.NewManager(jobs.ManagerOptions{
		RedisURL:      cfg.QueueRedisURL,
		Concurrency:   cfg.WorkerConcurrency,
		SweepCronSpec: cfg.SweepCronSpec,
		Sweep:         func(ctx context.Context) { sweeper.Run(ctx) },
	}, jobStore, registry, log)
	if err != nil {
		log.Error("failed to initialize job manager", "err", err)
		os.Exit(1)
	}

	colSvc := collections.NewService(colStore, docStore, jobStore, manager, providerClient, artifacts, deliverer, log)
	transformSvc := doctransform.NewService(docStore, jobStore, manager, doctransform.NewRegistry(), artifacts, deliverer, doctransform.Options{
		MaxRetries:   cfg.TransformMaxRetries,
		RetryBackoff: cfg.TransformRetryBackoff,
	}, log)
	respSvc := response.NewService(jobStore, manager, providerClient, artifacts, deliverer, log)
	evalSvc := evaluation.NewService(runStore, jobStore, manager, providerClient, artifacts, deliverer, log)

	registry.Register(jobs.KindCollectionCreate, colSvc.CreateHandler())
	registry.Register(jobs.KindCollectionDelete, colSvc.DeleteHandler())
	registry.Register(jobs.KindDocTransform, transformSvc.Handler())
	registry.Register(jobs.KindResponse, respSvc.Handler())
	registry.Register(jobs.KindEvaluation, evalSvc.Handler())
	registry.Register(jobs.KindFineTuning, evalSvc.Handler())

	sweeper.Register(jobs.KindEvaluation, evalSvc)
	sweeper.Register(jobs.KindFineTuning, evalSvc)

	manager.StartWorkers()

	app := &application{
		jobStore:    jobStore,
		documents:   docStore,
		artifacts:   artifacts,
		collections: colSvc,
		transforms:  transformSvc,
		responses:   respSvc,
		evaluations: evalSvc,
		sweeper:     sweeper,
	}

	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, app, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped with error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "err", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("worker shutdown failed", "err", err)
	}
}

func newLogger(mode string) *slog.Logger {
	if mode == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openDatabase connects to postgres when a DSN is configured and falls
// back to a local sqlite file for development.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
}

func migrate(db *gorm.DB) error {
	for _, fn := range []func(*gorm.DB) error{
		jobs.Migrate,
		documents.Migrate,
		collections.Migrate,
		evaluation.Migrate,
	} {
		if err := fn(db); err != nil {
			return err
		}
	}
	return nil
}

// newCallbackMarker builds the redis-backed duplicate suppression for
// webhook deliveries. A bad redis URL disables dedup rather than the
// whole server.
func newCallbackMarker(cfg *config.Config, log *slog.Logger) callback.Marker {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Warn("callback dedup disabled, redis url is invalid", "err", err)
		return nil
	}
	return callback.NewRedisMarker(redis.NewClient(opt))
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		headerProjectID,
		headerOrganizationID,
		headerRequestID,
	}
	return corsCfg
}

// setupRoutes wires the API groups.
func setupRoutes(router *gin.Engine, app *application, cfg *config.Config) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		api.POST("/documents", uploadDocumentHandler(app.documents, app.artifacts))
		api.POST("/documents/transform", transformDocumentHandler(app.transforms))

		api.POST("/collections/jobs", createCollectionHandler(app.collections))
		api.DELETE("/collections/:id", deleteCollectionHandler(app.collections))

		api.POST("/responses", createResponseHandler(app.responses))
		api.POST("/evaluations", createEvaluationHandler(app.evaluations))

		api.GET("/jobs/:id", jobStatusHandler(app.jobStore))
		api.GET("/jobs", jobBatchStatusHandler(app.jobStore))

		api.GET("/cron/sweep", sweepHandler(app.sweeper, cfg.CronSecretHash))
	}
}
