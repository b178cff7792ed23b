// retention expires, archives and cleans up stored telemetry. By default it runs an asynq scheduler
// that enqueues one run per RETENTION_CRON tick plus the worker that executes it; --once runs a
// single pass in-process and exits.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/archive"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/db"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/retention"
	sessionrepo "telemetry-pipeline/internal/session/repository"
	telemetryotel "telemetry-pipeline/internal/telemetry/otel"
	"telemetry-pipeline/internal/telemetry/repository"
)

func main() {
	once := pflag.Bool("once", false, "run retention once and exit instead of scheduling")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-retention", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() { _ = providers.Shutdown(context.Background()) }()
	logger := telemetryotel.NewLogger(os.Stdout, cfg.LogLevel, providers, cfg.ServiceName+"-retention")

	store, err := repository.OpenClickHouse(ctx, repository.ClickHouseOptions{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUsername,
		Password: cfg.ClickHousePassword,
		TTL:      cfg.EventTTLDuration(),
	})
	if err != nil {
		log.Fatalf("clickhouse: %v", err)
	}
	defer store.Close()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	var archiver retention.Archiver
	if cfg.ArchiveEnabled {
		objects, err := archive.NewS3Store(ctx, archive.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			log.Fatalf("s3: %v", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatalf("s3 bucket: %v", err)
		}
		archiver = archive.New(store, objects, cfg.ArchiveBatchSize, logger)
	}

	svc := retention.New(store, sessionrepo.NewPostgresRepository(conn), archiver, retention.Policy{
		EventTTL:         cfg.EventTTLDuration(),
		ArchiveAfter:     cfg.ArchiveAfterDuration(),
		SessionIdle:      cfg.SessionIdleTimeoutDuration(),
		SessionRetention: cfg.SessionRetentionDuration(),
	}, metrics.New(), logger)

	if *once {
		report, err := svc.Run(ctx)
		if err != nil {
			logger.Error("retention run failed", "error", err, "failed_steps", report.Failed)
			os.Exit(1)
		}
		return
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	scheduler, err := retention.NewScheduler(redisOpt, cfg.RetentionCron, logger)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("scheduler start: %v", err)
	}
	defer scheduler.Shutdown()

	worker := retention.NewServer(redisOpt, logger)
	if err := worker.Start(retention.NewMux(svc, logger)); err != nil {
		log.Fatalf("retention worker: %v", err)
	}
	defer worker.Shutdown()

	logger.Info("retention scheduled", "cron", cfg.RetentionCron, "archiving", archiver != nil)
	<-ctx.Done()
	logger.Info("retention stopping")
}
