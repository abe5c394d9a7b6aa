package main

import (
	"context"
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

	"github.com/noah-isme/sar-go-api/internal/config"
	"github.com/noah-isme/sar-go-api/internal/database"
	"github.com/noah-isme/sar-go-api/internal/handler"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/models"
	"github.com/noah-isme/sar-go-api/internal/repository"
	"github.com/noah-isme/sar-go-api/internal/router"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/storage"
	cloud "github.com/noah-isme/sar-go-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
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
		defer natsConn.Drain()
	}

	blobs, err := newBlobStorage(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create evidence storage: %v", err)
	}

	locker, cursor := newCoordination(cfg, redisClient, logger)
	policy, err := service.NewAssignmentPolicy(cfg.AssignmentPolicy, cursor)
	if err != nil {
		log.Fatalf("failed to create assignment policy: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	reviewerRepo := repository.NewReviewerRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	notificationService := service.NewNotificationService(repository.NewNotificationRepository(db), redisClient, natsConn, validate, service.DispatcherConfig{
		Channel:       cfg.RealtimeChannel,
		Buffer:        cfg.NotificationBuffer,
		Workers:       cfg.NotificationWorkers,
		RetryAttempts: cfg.NotificationRetries,
	}, logger)

	evidenceService := service.NewEvidenceService(blobs, repository.NewEvidenceRepository(db), service.EvidenceConfig{
		MaxBytes:       cfg.EvidenceMaxBytes(),
		AllowedTypes:   cfg.EvidenceAllowedTypes,
		RetryAttempts:  cfg.StorageRetryAttempts,
		RetryBaseDelay: cfg.StorageRetryBaseDelay,
	}, logger)
	activityService := service.NewActivityService(repository.NewActivityLogRepository(db), validate, logger)
	ledgerService := service.NewLedgerService(submissionRepo, studentRepo, evidenceService, locker, notificationService, validate, cfg.Categories, logger)
	workflowService := service.NewWorkflowService(submissionRepo, reviewerRepo, evidenceService, activityService, locker, policy, notificationService, validate, service.WorkflowConfig{
		SLAThreshold:     cfg.SLAThreshold,
		BacklogThreshold: cfg.BacklogThreshold,
	}, logger)
	directoryService := service.NewDirectoryService(reviewerRepo, studentRepo, submissionRepo, activityService, validate, logger)
	reportService, err := service.NewReportService(repository.NewReportRepository(db), repository.NewExportRepository(db), blobs, redisClient, validate, service.ReportConfig{
		CacheTTL:       cfg.ReportCacheTTL,
		RetryAttempts:  cfg.StorageRetryAttempts,
		RetryBaseDelay: cfg.StorageRetryBaseDelay,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create report service: %v", err)
	}

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		// Multipart framing on top of the largest accepted evidence file.
		BodyLimit: int(cfg.EvidenceMaxBytes()) + 1024*1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EvidenceHandler:     handler.NewEvidenceHandler(evidenceService, logger),
		SubmissionHandler:   handler.NewSubmissionHandler(ledgerService, workflowService, logger),
		QueueHandler:        handler.NewQueueHandler(workflowService, logger),
		DirectoryHandler:    handler.NewDirectoryHandler(directoryService, activityService, logger),
		ReportHandler:       handler.NewReportHandler(reportService, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, logger, cfg.NotificationKeepAlive),
		HealthProbes:        probes,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notificationService.Start(ctx)
	go service.RunSLAMonitor(ctx, workflowService, cfg.SLAScanInterval, logger)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
	cancel()
	notificationService.Stop()
}

func newBlobStorage(cfg config.Config, logger zerolog.Logger) (service.BlobStorage, error) {
	if cfg.StorageDriver == "cloudinary" {
		return cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
	}
	return storage.NewLocal(cfg.StorageDir, logger)
}

func newCoordination(cfg config.Config, client *redis.Client, logger zerolog.Logger) (service.KeyedLocker, service.Cursor) {
	if cfg.LockDriver == "redis" {
		if client == nil {
			log.Fatalf("lock driver redis requires SAR_REDIS_URL")
		}
		prefix := cfg.RealtimeChannel
		return service.NewRedisLocker(client, prefix, cfg.LockTimeout), service.NewRedisCursor(client, prefix)
	}

	logger.Info().Msg("using in-process locks; run a single replica")
	return service.NewMemoryLocker(cfg.LockTimeout), service.NewMemoryCursor()
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
