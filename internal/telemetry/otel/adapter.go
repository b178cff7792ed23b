package otel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"telemetry-pipeline/internal/telemetry/domain"
)

// recordEmitter is the part of otellog.Logger the sink needs; tests substitute a capture.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// LogSink forwards processed log events as OTel log records through a LoggerProvider.
type LogSink struct {
	logger recordEmitter
}

// NewLogSink returns a sink bound to provider. If provider is nil, returns nil; a nil *LogSink is a no-op.
func NewLogSink(provider *sdklog.LoggerProvider) *LogSink {
	if provider == nil {
		return nil
	}
	return &LogSink{logger: provider.Logger("telemetry.mobile")}
}

func newLogSinkWithEmitter(e recordEmitter) *LogSink {
	return &LogSink{logger: e}
}

// Name identifies the sink in logs and metrics.
func (s *LogSink) Name() string { return "otel" }

// Forward converts the event to a log record. data.message becomes the body (the whole data map as
// JSON when absent) and data.level the severity.
func (s *LogSink) Forward(ctx context.Context, ev *domain.ProcessedEvent) error {
	if s == nil || s.logger == nil || ev == nil {
		return nil
	}
	rec := otellog.Record{}
	if ev.Timestamp > 0 {
		rec.SetTimestamp(time.UnixMilli(ev.Timestamp).UTC())
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if ev.ServerTimestamp > 0 {
		rec.SetObservedTimestamp(time.UnixMilli(ev.ServerTimestamp).UTC())
	}

	if msg, ok := ev.DataString("message"); ok {
		rec.SetBody(otellog.StringValue(msg))
	} else if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.StringValue(string(b)))
	}

	level, _ := ev.DataString("level")
	rec.SetSeverity(severity(level))
	if level != "" {
		rec.SetSeverityText(strings.ToUpper(level))
	}

	rec.AddAttributes(
		otellog.String("event_id", ev.EventID),
		otellog.String("session_id", ev.SessionID),
		otellog.String("event_type", string(ev.EventType)),
	)
	if ev.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", ev.UserID))
	}
	if ev.DeviceInfo.Platform != "" {
		rec.AddAttributes(otellog.String("platform", ev.DeviceInfo.Platform))
	}
	if ev.DeviceInfo.AppVersion != "" {
		rec.AddAttributes(otellog.String("app_version", ev.DeviceInfo.AppVersion))
	}
	s.logger.Emit(ctx, rec)
	return nil
}

func severity(level string) otellog.Severity {
	switch strings.ToLower(level) {
	case "trace", "verbose":
		return otellog.SeverityTrace
	case "debug":
		return otellog.SeverityDebug
	case "warn", "warning":
		return otellog.SeverityWarn
	case "error":
		return otellog.SeverityError
	case "fatal", "assert":
		return otellog.SeverityFatal
	default:
		return otellog.SeverityInfo
	}
}
