// worker consumes the per-type Kafka topics, enriches and redacts each event and writes it to
// ClickHouse, the Redis cache and counters, the session table and the optional Loki and OTel sinks.
// Health and metrics are served on WORKER_HTTP_ADDR.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-pipeline/internal/cache"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/db"
	"telemetry-pipeline/internal/enrich"
	"telemetry-pipeline/internal/health"
	healthhandler "telemetry-pipeline/internal/health/handler"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/processor"
	"telemetry-pipeline/internal/server"
	sessionrepo "telemetry-pipeline/internal/session/repository"
	"telemetry-pipeline/internal/telemetry"
	"telemetry-pipeline/internal/telemetry/loki"
	telemetryotel "telemetry-pipeline/internal/telemetry/otel"
	"telemetry-pipeline/internal/telemetry/producer"
	"telemetry-pipeline/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-worker", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	logger := telemetryotel.NewLogger(os.Stdout, cfg.LogLevel, providers, cfg.ServiceName+"-worker")

	m := metrics.New()
	checker := health.NewChecker(health.DefaultTimeout, m)

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
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("clickhouse schema: %v", err)
	}
	checker.Add("clickhouse", store)

	rdb := cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	events := cache.NewEventCache(rdb)
	checker.Add("redis", events)

	deps := processor.Deps{
		Store:    store,
		Cache:    events,
		Counters: cache.NewCounters(rdb),
		Metrics:  m,
		Logger:   logger,
	}
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		sessions := sessionrepo.NewPostgresRepository(conn)
		deps.Sessions = sessions
		checker.Add("postgres", sessions)
	} else {
		logger.Warn("DATABASE_URL not set; session tracking disabled")
	}

	var geo enrich.GeoLocator
	if cfg.GeoIPDBPath != "" {
		mm, err := enrich.OpenMaxMind(cfg.GeoIPDBPath)
		if err != nil {
			log.Fatalf("geoip: %v", err)
		}
		defer mm.Close()
		geo = mm
	}
	deps.Enricher = enrich.New(geo, cfg.GeoIPTimeoutDuration(), logger)

	var sinks []telemetry.Sink
	if lc := loki.New(cfg.LokiURL, nil); lc != nil {
		sinks = append(sinks, lc)
	}
	if providers.Exporting {
		sinks = append(sinks, telemetryotel.NewLogSink(providers.LoggerProvider))
	}
	deps.Sinks = telemetry.NewFanout(logger, m.SideEffectFailed, sinks...)

	proc, err := processor.New(deps)
	if err != nil {
		log.Fatalf("processor: %v", err)
	}

	dlq, err := producer.NewKafkaProducer(brokers, cfg.KafkaClientID+"-dlq")
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	defer dlq.Close()
	checker.Add("kafka", dlq)

	consumer, err := processor.NewConsumer(processor.ConsumerConfig{
		Brokers:     brokers,
		TopicPrefix: cfg.KafkaTopicPrefix,
		GroupPrefix: cfg.KafkaGroupPrefix,
		DeadLetter:  dlq,
	}, proc, m, logger)
	if err != nil {
		log.Fatalf("consumer: %v", err)
	}

	httpSrv := &http.Server{
		Addr: cfg.WorkerHTTPAddr,
		Handler: server.NewRouter(server.HTTPDeps{
			Health:      healthhandler.NewHTTP(checker),
			Metrics:     m,
			Logger:      logger,
			ServiceName: cfg.ServiceName + "-worker",
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker http serve", "error", err)
		}
	}()

	logger.Info("worker consuming", "topic_prefix", cfg.KafkaTopicPrefix, "group_prefix", cfg.KafkaGroupPrefix,
		"sinks", deps.Sinks.Len(), "geoip", geo != nil)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := deps.Sinks.Wait(shutdownCtx); err != nil {
		logger.Warn("sink drain", "error", err)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("otel shutdown", "error", err)
	}
	logger.Info("worker stopped")
}
