// server accepts telemetry over HTTP, publishes it to Kafka and serves the GDPR, remote config and
// real-time read APIs. A gRPC health service runs on GRPC_ADDR.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apikeyrepo "telemetry-pipeline/internal/apikey/repository"
	"telemetry-pipeline/internal/audit"
	auditrepo "telemetry-pipeline/internal/audit/repository"
	"telemetry-pipeline/internal/cache"
	cachehandler "telemetry-pipeline/internal/cache/handler"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/db"
	"telemetry-pipeline/internal/gdpr"
	gdprhandler "telemetry-pipeline/internal/gdpr/handler"
	"telemetry-pipeline/internal/health"
	healthhandler "telemetry-pipeline/internal/health/handler"
	"telemetry-pipeline/internal/ingest"
	ingesthandler "telemetry-pipeline/internal/ingest/handler"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/remoteconfig"
	remoteconfighandler "telemetry-pipeline/internal/remoteconfig/handler"
	"telemetry-pipeline/internal/server"
	sessionrepo "telemetry-pipeline/internal/session/repository"
	telemetryotel "telemetry-pipeline/internal/telemetry/otel"
	"telemetry-pipeline/internal/telemetry/producer"
	"telemetry-pipeline/internal/telemetry/repository"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	logger := telemetryotel.NewLogger(os.Stdout, cfg.LogLevel, providers, cfg.ServiceName)

	m := metrics.New()
	checker := health.NewChecker(health.DefaultTimeout, m)

	prod, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.KafkaClientID)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	defer prod.Close()
	checker.Add("kafka", prod)

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()
	keys := apikeyrepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	checker.Add("postgres", sessions)

	rdb := cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	events := cache.NewEventCache(rdb)
	counters := cache.NewCounters(rdb)
	checker.Add("redis", events)

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
	checker.Add("clickhouse", store)

	router := server.NewRouter(server.HTTPDeps{
		Ingest: ingesthandler.New(ingest.NewService(prod, cfg.KafkaTopicPrefix), cfg.MaxBodyBytes, m, logger),
		GDPR: gdprhandler.New(gdpr.NewService(store, sessions, events, logger),
			audit.NewLogger(auditrepo.NewPostgresRepository(conn), logger), logger),
		RemoteConfig: remoteconfighandler.New(remoteconfig.NewService(remoteconfig.NewPostgresStore(conn), rdb, logger), logger),
		Realtime:     cachehandler.New(counters, events, logger),
		Health:       healthhandler.NewHTTP(checker),
		Keys:         keys,
		Metrics:      m,
		Logger:       logger,
		ServiceName:  cfg.ServiceName,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", "error", err)
			stop()
		}
	}()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		hs := healthhandler.NewGRPC(checker, healthhandler.DefaultRefreshInterval, logger)
		grpcSrv := server.NewGRPCServer(hs, logger)
		go hs.Watch(ctx)
		go func() {
			logger.Info("grpc health server listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("grpc serve", "error", err)
				stop()
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("otel shutdown", "error", err)
	}
}
