// agent is a reference device client. It reads newline-delimited JSON events from stdin, captures
// them through the SDK's durable queue and uploads them in batches, draining the queue before exit.
//
//	cat events.ndjson | agent --endpoint https://telemetry.example.com --api-key $KEY
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/sdk"
	"telemetry-pipeline/internal/sdk/queue"
	"telemetry-pipeline/internal/sdk/transport"
	"telemetry-pipeline/internal/telemetry/domain"
	telemetryotel "telemetry-pipeline/internal/telemetry/otel"
)

func main() {
	endpoint := pflag.String("endpoint", envOr("TELEMETRY_ENDPOINT", "http://localhost:3000"), "ingestion service base URL")
	apiKey := pflag.String("api-key", os.Getenv("TELEMETRY_API_KEY"), "ingestion API key")
	queuePath := pflag.String("queue", filepath.Join(os.TempDir(), "telemetry-agent.db"), "SQLite queue file")
	insecure := pflag.Bool("insecure", false, "allow a plain http endpoint")
	batchSize := pflag.Int("batch-size", sdk.DefaultBatchSize, "events per upload")
	flushEvery := pflag.Duration("flush-interval", sdk.DefaultFlushInterval, "periodic flush interval")
	redact := pflag.Bool("redact", true, "scrub PII before events are queued")
	remote := pflag.Bool("remote-config", true, "apply the server's sampling rate")
	appVersion := pflag.String("app-version", "0.0.0", "reported app version")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.Parse()

	logger := telemetryotel.NewLogger(os.Stderr, *logLevel, nil, "telemetry-agent")
	if err := run(logger, options{
		endpoint:   *endpoint,
		apiKey:     *apiKey,
		queuePath:  *queuePath,
		insecure:   *insecure,
		batchSize:  *batchSize,
		flushEvery: *flushEvery,
		redact:     *redact,
		remote:     *remote,
		appVersion: *appVersion,
	}); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	endpoint, apiKey, queuePath string
	insecure, redact, remote    bool
	batchSize                   int
	flushEvery                  time.Duration
	appVersion                  string
}

func run(logger *slog.Logger, o options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader, err := transport.NewHTTPUploader(transport.Options{
		Endpoint:      o.endpoint,
		APIKey:        o.apiKey,
		AllowInsecure: o.insecure,
		UserAgent:     "telemetry-agent/" + o.appVersion,
	})
	if err != nil {
		return err
	}

	cfg := sdk.Config{
		BatchSize:     o.batchSize,
		FlushInterval: o.flushEvery,
		RedactPII:     o.redact,
		Device: domain.DeviceInfo{
			Platform:    runtime.GOOS,
			OSVersion:   runtime.GOARCH,
			DeviceModel: hostname(),
			AppVersion:  o.appVersion,
		},
		Logger: logger,
	}
	if o.remote {
		if rc, err := uploader.FetchConfig(ctx); err != nil {
			logger.Warn("remote config unavailable; using local settings", "error", err)
		} else if rc.SamplingRate != nil {
			cfg.SamplingRate = *rc.SamplingRate
			logger.Info("remote config applied", "version", rc.Version, "sampling_rate", *rc.SamplingRate)
		}
	}

	q, err := queue.Open(ctx, queue.Options{Path: o.queuePath, Logger: logger})
	if err != nil {
		return err
	}
	client, err := sdk.New(cfg, q, uploader)
	if err != nil {
		_ = q.Close()
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.Foregrounded(ctx); err != nil {
		return err
	}

	captured, skipped := 0, 0
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() && ctx.Err() == nil {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.TelemetryEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			logger.Warn("skipping malformed line", "error", err)
			continue
		}
		if err := client.Capture(ctx, ev); err != nil {
			return err
		}
		captured++
	}
	if err := sc.Err(); err != nil {
		logger.Warn("reading stdin", "error", err)
	}
	client.Backgrounded()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	drain(drainCtx, client, logger)
	logger.Info("agent done", "captured", captured, "skipped", skipped)
	return client.Close(drainCtx)
}

// drain flushes until the queue is empty, an upload fails or ctx expires.
func drain(ctx context.Context, c *sdk.Client, logger *slog.Logger) {
	for ctx.Err() == nil {
		res, err := c.Flush(ctx)
		switch {
		case errors.Is(err, sdk.ErrFlushInProgress):
			time.Sleep(50 * time.Millisecond)
			continue
		case err != nil:
			logger.Warn("events left queued for the next run", "error", err, "remaining", res.Remaining)
			return
		case res.Remaining == 0:
			return
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
