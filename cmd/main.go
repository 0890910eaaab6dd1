package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/db"
	"github.com/biostack-io/bundle-indexer/internal/handlers"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/middleware"
	"github.com/biostack-io/bundle-indexer/internal/plugin"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/server"
	"github.com/biostack-io/bundle-indexer/internal/services"
	"github.com/biostack-io/bundle-indexer/internal/transform"
	"github.com/biostack-io/bundle-indexer/internal/transform/dcp"
	"github.com/biostack-io/bundle-indexer/internal/utils"
	"github.com/biostack-io/bundle-indexer/internal/workers"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	catalogPath := utils.GetEnv("CATALOG_CONFIG", "config/catalogs.yaml", log)
	indexerToken := utils.GetEnv("INDEXER_TOKEN", "", log)
	notifyWorkers := utils.GetEnvAsInt("NOTIFICATION_WORKERS", 4, log)
	documentWorkers := utils.GetEnvAsInt("DOCUMENT_WORKERS", 4, log)
	documentBatchSize := utils.GetEnvAsInt("DOCUMENT_BATCH_SIZE", 32, log)
	visibilitySeconds := utils.GetEnvAsInt("QUEUE_VISIBILITY_SECONDS", 300, log)
	maxReceives := utils.GetEnvAsInt("QUEUE_MAX_RECEIVES", 4, log)
	maxPartitionSize := utils.GetEnvAsInt("MAX_PARTITION_SIZE", services.DefaultMaxPartitionSize, log)
	ginRelease := utils.GetEnvAsBool("GIN_RELEASE", logMode == "production", log)
	if indexerToken == "" {
		log.Error("INDEXER_TOKEN must be set")
		os.Exit(1)
	}

	// Catalog config
	cfg, err := config.Load(catalogPath)
	if err != nil {
		log.Error("Could not load catalog config", "path", catalogPath, "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	contributionRepo := repos.NewContributionRepo(thePG, log)
	aggregateRepo := repos.NewAggregateRepo(thePG, log)
	replicaRepo := repos.NewReplicaRepo(thePG, log)
	queueRepo := repos.NewQueueRepo(thePG, log)

	// Event notifier
	var notify services.EventNotifier = services.NopNotifier{}
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		notify, err = services.NewRedisNotifier(log)
		if err != nil {
			log.Error("Could not init RedisNotifier", "error", err)
			os.Exit(1)
		}
	}
	defer notify.Close()

	// Metadata models
	models := map[string]transform.Model{
		"dcp": dcp.Model(),
	}

	// Repository plugin
	repository, err := plugin.NewGCS(log)
	if err != nil {
		log.Error("Could not init GCS repository plugin", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	contributionService := services.NewContributionService(thePG, log, cfg, models, repository, contributionRepo, replicaRepo, queueRepo, notify, maxPartitionSize)
	aggregationService := services.NewAggregationService(thePG, log, cfg, models, contributionRepo, aggregateRepo, notify)
	reindexService := services.NewReindexService(log, cfg, repository, queueRepo)

	// Workers
	log.Info("Setting up Workers from main...")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	visibility := time.Duration(visibilitySeconds) * time.Second
	notificationWorker := workers.New(log, queueRepo, notify, workers.Options{
		Queue:       repos.QueueNotifications,
		Concurrency: notifyWorkers,
		BatchSize:   1,
		Visibility:  visibility,
		MaxReceives: maxReceives,
	}, workers.NotificationHandler(contributionService))
	documentWorker := workers.New(log, queueRepo, notify, workers.Options{
		Queue:       repos.QueueDocuments,
		Concurrency: documentWorkers,
		BatchSize:   documentBatchSize,
		Visibility:  visibility,
		MaxReceives: maxReceives,
	}, workers.DocumentHandler(aggregationService))
	notificationWorker.Start(gctx, g)
	documentWorker.Start(gctx, g)

	// Handlers
	log.Info("Setting up handlers from main...")
	healthHandler := handlers.NewHealthHandler(queueRepo)
	notificationHandler := handlers.NewNotificationHandler(log, cfg, queueRepo, reindexService)

	// Middleware
	tokenMiddleware := middleware.NewTokenMiddleware(log, indexerToken)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		HealthHandler:       healthHandler,
		NotificationHandler: notificationHandler,
		TokenMiddleware:     tokenMiddleware,
		ReleaseMode:         ginRelease,
	})

	port := utils.GetEnv("PORT", "8080", log)
	g.Go(func() error {
		fmt.Printf("Server listening on :%s\n", port)
		return router.Run(":" + port)
	})
	if err := g.Wait(); err != nil {
		log.Warn("Shutting down", "error", err)
	}
}
