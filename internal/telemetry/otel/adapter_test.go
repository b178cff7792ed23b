package otel

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"telemetry-pipeline/internal/telemetry/domain"
)

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec   otellog.Record
	calls int
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
	r.calls++
}

func attrsOf(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestNewLogSink_NilProvider_IsNoop(t *testing.T) {
	s := NewLogSink(nil)
	if s != nil {
		t.Fatal("NewLogSink(nil) should return nil")
	}
	if err := s.Forward(context.Background(), &domain.ProcessedEvent{}); err != nil {
		t.Errorf("nil sink Forward: %v", err)
	}
}

func TestForward_MessageAndAttributes(t *testing.T) {
	cap := &recordCapture{}
	s := newLogSinkWithEmitter(cap)
	ev := &domain.ProcessedEvent{
		EventID: "e1",
		TelemetryEvent: domain.TelemetryEvent{
			SessionID: "sess1",
			UserID:    "user1",
			EventType: domain.EventTypeLog,
			Timestamp: 1700000000000,
			Data: map[string]domain.Value{
				"message": domain.String("checkout failed"),
				"level":   domain.String("error"),
			},
			DeviceInfo: domain.DeviceInfo{Platform: "ios", AppVersion: "2.1.0"},
		},
		ServerTimestamp: 1700000000500,
	}
	if err := s.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if cap.calls != 1 {
		t.Fatalf("Emit calls = %d, want 1", cap.calls)
	}
	rec := cap.rec
	if got := rec.Body().AsString(); got != "checkout failed" {
		t.Errorf("body = %q, want %q", got, "checkout failed")
	}
	if rec.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v, want error", rec.Severity())
	}
	if !rec.Timestamp().Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %v", rec.Timestamp())
	}
	want := map[string]string{
		"event_id": "e1", "session_id": "sess1", "user_id": "user1",
		"event_type": "log", "platform": "ios", "app_version": "2.1.0",
	}
	attrs := attrsOf(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestForward_NoMessageUsesDataJSON(t *testing.T) {
	cap := &recordCapture{}
	s := newLogSinkWithEmitter(cap)
	ev := &domain.ProcessedEvent{TelemetryEvent: domain.TelemetryEvent{
		SessionID: "s",
		EventType: domain.EventTypeLog,
		Data:      map[string]domain.Value{"code": domain.Number(7)},
	}}
	if err := s.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := cap.rec.Body().AsString(); got != `{"code":7}` {
		t.Errorf("body = %q", got)
	}
	if cap.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", cap.rec.Severity())
	}
	if cap.rec.Timestamp().IsZero() {
		t.Error("timestamp should default to now")
	}
	if _, ok := attrsOf(cap.rec)["user_id"]; ok {
		t.Error("user_id should not be set when empty")
	}
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", nil, "test")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range testCases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type countingHandler struct {
	slog.Handler
	n *int
}

func (c countingHandler) Handle(ctx context.Context, r slog.Record) error {
	*c.n++
	return nil
}

func TestTeeHandler_FansOut(t *testing.T) {
	var a, b int
	base := slog.NewTextHandler(&bytes.Buffer{}, nil)
	logger := slog.New(teeHandler{countingHandler{base, &a}, countingHandler{base, &b}})
	logger.Info("one")
	logger.Info("two")
	if a != 2 || b != 2 {
		t.Errorf("handler counts = %d, %d; want 2, 2", a, b)
	}
}
