package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/assess-pipeline/internal/config"
	"github.com/noah-isme/assess-pipeline/internal/database"
	"github.com/noah-isme/assess-pipeline/internal/handler"
	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/repository"
	"github.com/noah-isme/assess-pipeline/internal/router"
	"github.com/noah-isme/assess-pipeline/internal/service"
	"github.com/noah-isme/assess-pipeline/pkg/ai"
	cloud "github.com/noah-isme/assess-pipeline/pkg/cloudinary"
	"github.com/noah-isme/assess-pipeline/pkg/docker"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
	"github.com/noah-isme/assess-pipeline/pkg/report"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpen,
		MaxIdleConns:    cfg.DBMaxIdle,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	store, err := buildStore(cfg, redisClient, logger)
	if err != nil {
		log.Fatalf("failed to configure document store: %v", err)
	}

	analyzer, uploadTypes, closeAnalyzer, err := buildAnalyzer(cfg, logger)
	if err != nil {
		log.Fatalf("failed to configure analyzer: %v", err)
	}
	defer closeAnalyzer()

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	policyRepo := repository.NewAssignmentPolicyRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := service.NewEventBus(redisClient, cfg.EventsBase, natsConn, logger)
	events.Start(ctx)

	policies := service.NewPolicyProvider(policyRepo, models.AssignmentPolicy{
		AutoAcceptThreshold: cfg.DefaultAutoAcceptThreshold,
		RequiresReview:      cfg.DefaultRequiresReview,
	})
	registry := service.NewSubmissionRegistry(submissionRepo, store, policies, events, validate, logger)
	reconciliation := service.NewReconciliationService(registry, logger)

	orchestrator := service.NewPipelineOrchestrator(registry, store, analyzer, report.NewGenerator(), events, service.OrchestratorConfig{
		Workers:       cfg.PipelineWorkers,
		BufferSize:    cfg.PipelineBuffer,
		SweepInterval: cfg.PipelineSweepInterval,
		MaxAttempts:   cfg.PipelineMaxAttempts,
		RetryDelay:    cfg.PipelineRetryDelay,
		ShutdownGrace: cfg.PipelineShutdownGrace,
		StaleAfter:    cfg.PipelineStaleAfter,
	}, logger)
	orchestrator.Start(ctx)

	submissionService := service.NewSubmissionService(registry, assignmentRepo, store, orchestrator, validate, service.UploadConfig{
		MaxBytes:     cfg.UploadMaxBytes,
		AllowedTypes: uploadTypes,
		MaxAttempts:  cfg.PipelineMaxAttempts,
	}, logger)

	var limiterStore fiber.Storage
	if redisClient != nil {
		limiterStore = middleware.NewRedisLimiterStorage(redisClient, cfg.EventsBase)
	}
	uploadLimiter := middleware.RateLimit("submissions", cfg.UploadRateLimit, time.Minute, limiterStore)
	submissionHandler := handler.NewSubmissionHandler(submissionService, reconciliation, validate, uploadLimiter, logger)
	streamHandler := handler.NewSubmissionStreamHandler(submissionService, events, logger)
	reviewHandler := handler.NewReviewHandler(submissionService, logger)
	opsHandler := handler.NewOpsHandler(submissionService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.UploadMaxBytes) + 1<<20,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    cfg.AccessLog,
	})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		StreamHandler:     streamHandler,
		ReviewHandler:     reviewHandler,
		OpsHandler:        opsHandler,
		Health:            handler.HealthSources{QueueDepth: orchestrator.Depth, Pings: healthPings(db, redisClient)},
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
	orchestrator.Stop()
}

func healthPings(db *gorm.DB, redisClient *redis.Client) map[string]handler.PingFunc {
	pings := map[string]handler.PingFunc{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		pings["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return pings
}

func buildStore(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (docstore.Store, error) {
	var backend docstore.Store
	switch cfg.StorageDriver {
	case config.StorageMemory:
		backend = docstore.NewMemoryStore()
	case config.StorageFilesystem:
		fs, err := docstore.NewFilesystemStore(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		backend = fs
	case config.StorageCloudinary:
		remote, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			return nil, err
		}
		backend = remote
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	return docstore.NewCachedStore(backend, redisClient, docstore.CacheConfig{
		Prefix:         cfg.EventsBase + ":documents",
		TTL:            cfg.DocumentCacheTTL,
		MaxObjectBytes: int(cfg.DocumentCacheMaxBytes),
	}, logger), nil
}

// buildAnalyzer returns the analyzer and the upload types it can actually read.
func buildAnalyzer(cfg config.Config, logger zerolog.Logger) (ai.Analyzer, []string, func(), error) {
	closer := func() {}

	var container *ai.ContainerAnalyzer
	if cfg.AnalyzerProvider == config.AnalyzerContainer || cfg.AnalyzerExtractor == config.ExtractorContainer {
		executor, err := docker.NewDockerExecutor(docker.Config{
			Host:          cfg.DockerHost,
			Timeout:       cfg.AnalyzerTimeout,
			MemoryLimitMB: int64(cfg.AnalyzerMemoryMB),
			CPUShares:     int64(cfg.AnalyzerCPUShares),
			InputMount:    cfg.AnalyzerInputMount,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		container, err = ai.NewContainerAnalyzer(executor, ai.ContainerConfig{
			Image:      cfg.AnalyzerImage,
			InputMount: executor.InputMount(),
			Logger:     logger,
		})
		if err != nil {
			_ = executor.Close()
			return nil, nil, nil, err
		}
		closer = func() { _ = executor.Close() }
	}

	if cfg.AnalyzerProvider == config.AnalyzerContainer {
		return ai.WithTimeout(container, cfg.AnalyzerTimeout), cfg.UploadAllowedTypes, closer, nil
	}

	var extractor ai.Extractor = ai.PlainTextExtractor{}
	if container != nil {
		extractor = container
	}

	allowed := ai.ReadableTypes(extractor, cfg.UploadAllowedTypes)
	if len(allowed) == 0 {
		closer()
		return nil, nil, nil, fmt.Errorf("analyzer extractor %q cannot read any allowed upload type", cfg.AnalyzerExtractor)
	}
	if len(allowed) < len(cfg.UploadAllowedTypes) {
		logger.Warn().Strs("allowed_types", allowed).Msg("upload types narrowed to what the extractor can read")
	}

	analyzer, err := ai.NewOpenAIAnalyzer(ai.OpenAIConfig{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.OpenAIModel,
		Extractor: extractor,
		Logger:    logger,
	})
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	return ai.WithTimeout(analyzer, cfg.AnalyzerTimeout), allowed, closer, nil
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
