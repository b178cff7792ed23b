package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
)

func TestNew_EmptyURLIsNil(t *testing.T) {
	if c := New("  ", nil); c != nil {
		t.Fatal("New with empty URL should return nil")
	}
	var c *Client
	if err := c.Forward(context.Background(), &domain.ProcessedEvent{}); err != nil {
		t.Errorf("nil client Forward: %v", err)
	}
}

func TestForward_PushesLabelledLine(t *testing.T) {
	var got PushRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client())
	ev := &domain.ProcessedEvent{
		EventID: "e1",
		TelemetryEvent: domain.TelemetryEvent{
			SessionID:  "s1",
			EventType:  domain.EventTypeLog,
			Timestamp:  1700000000000,
			Data:       map[string]domain.Value{"level": domain.String("WARN"), "message": domain.String("low memory")},
			DeviceInfo: domain.DeviceInfo{Platform: "android", AppVersion: "1.0 beta"},
		},
	}
	if err := c.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if path != "/loki/api/v1/push" {
		t.Errorf("path = %q", path)
	}
	if len(got.Streams) != 1 || len(got.Streams[0].Values) != 1 {
		t.Fatalf("streams = %+v", got.Streams)
	}
	labels := got.Streams[0].Stream
	if labels["job"] != "telemetry-pipeline" || labels["event_type"] != "log" || labels["level"] != "warn" {
		t.Errorf("labels = %v", labels)
	}
	if labels["app_version"] != "1.0_beta" {
		t.Errorf("app_version = %q, want sanitized 1.0_beta", labels["app_version"])
	}
	entry := got.Streams[0].Values[0]
	if entry[0] != "1700000000000000000" {
		t.Errorf("timestamp = %q", entry[0])
	}
	if !strings.Contains(entry[1], `"low memory"`) {
		t.Errorf("line = %q", entry[1])
	}
}

func TestPush_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := New(srv.URL, srv.Client())
	if err := c.Push(context.Background(), time.Now(), "x", nil); err == nil {
		t.Fatal("Push should fail on 400")
	}
}
