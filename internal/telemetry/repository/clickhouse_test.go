package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"telemetry-pipeline/internal/telemetry/domain"
)

func sampleEvent(user string, ts int64) *domain.ProcessedEvent {
	return &domain.ProcessedEvent{
		EventID: uuid.NewString(),
		TelemetryEvent: domain.TelemetryEvent{
			SessionID: "s-" + user,
			UserID:    user,
			EventType: domain.EventTypePerformance,
			Timestamp: ts,
			Data: map[string]domain.Value{
				"metric": domain.String("cold_start"),
				"value":  domain.Number(812.5),
				"tags":   domain.List(domain.String("a"), domain.Bool(true)),
			},
			DeviceInfo: domain.DeviceInfo{Platform: "ios", OSVersion: "17", DeviceModel: "iPhone", AppVersion: "1.0"},
		},
		ServerTimestamp: ts + 40,
		Enriched:        domain.Enrichment{Fingerprint: "abc", Geo: &domain.Geo{Country: "NL"}},
		Metrics:         map[string]float64{"cold_start": 812.5},
	}
}

func TestRowRoundTrip(t *testing.T) {
	ev := sampleEvent("u1", 1700000000123)
	row, err := toRow(ev)
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	if row.Timestamp.UnixMilli() != ev.Timestamp || row.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v", row.Timestamp)
	}
	if row.Data != `{"metric":"cold_start","tags":["a",true],"value":812.5}` {
		t.Errorf("data = %s", row.Data)
	}
	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if back.EventID != ev.EventID || back.Timestamp != ev.Timestamp || back.ServerTimestamp != ev.ServerTimestamp {
		t.Errorf("identity fields differ: %+v", back)
	}
	if !domain.Map(back.Data).Equal(domain.Map(ev.Data)) {
		t.Errorf("data = %+v", back.Data)
	}
	if back.Enriched.Geo == nil || back.Enriched.Geo.Country != "NL" || back.Enriched.Fingerprint != "abc" {
		t.Errorf("enriched = %+v", back.Enriched)
	}
	if back.Metrics["cold_start"] != 812.5 || back.DeviceInfo != ev.DeviceInfo {
		t.Errorf("metrics/device = %+v %+v", back.Metrics, back.DeviceInfo)
	}
}

func TestToRow_NilMetricsBecomesEmptyMap(t *testing.T) {
	ev := sampleEvent("u", 1)
	ev.Metrics = nil
	row, err := toRow(ev)
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	if row.Metrics == nil {
		t.Error("metrics should be non-nil for the Map column")
	}
	back, _ := row.toDomain()
	if back.Metrics != nil {
		t.Errorf("empty metrics should decode to nil, got %v", back.Metrics)
	}
}

func TestSchemaDDL(t *testing.T) {
	testCases := []struct {
		ttl  time.Duration
		want string
	}{
		{0, "INTERVAL 90 DAY"},
		{2160 * time.Hour, "INTERVAL 90 DAY"},
		{25 * time.Hour, "INTERVAL 2 DAY"},
	}
	for _, tc := range testCases {
		ddl := NewClickHouseRepository(nil, tc.ttl).SchemaDDL()
		if !strings.Contains(ddl, tc.want) {
			t.Errorf("ttl %v: ddl missing %q", tc.ttl, tc.want)
		}
		for _, want := range []string{"ReplacingMergeTree", "PARTITION BY toYYYYMM(timestamp)", "event_id"} {
			if !strings.Contains(ddl, want) {
				t.Errorf("ddl missing %q", want)
			}
		}
	}
}

func newTestRepo(t *testing.T) *ClickHouseRepository {
	t.Helper()
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set, skipping integration test")
	}
	ctx := context.Background()
	r, err := OpenClickHouse(ctx, ClickHouseOptions{
		Addr:     addr,
		Database: envOr("CLICKHOUSE_DATABASE", "default"),
		Username: envOr("CLICKHOUSE_USERNAME", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		TTL:      3650 * 24 * time.Hour,
	})
	if err != nil {
		t.Skipf("clickhouse unavailable: %v", err)
	}
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func TestClickHouse_UserLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	now := time.Now().UnixMilli()
	events := []*domain.ProcessedEvent{sampleEvent(user, now-1000), sampleEvent(user, now)}
	if err := r.InsertEvents(ctx, events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	got, err := r.ListByUser(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp != now {
		t.Fatalf("ListByUser = %d events", len(got))
	}

	anon := "anonymous_" + uuid.NewString()
	if err := r.AnonymizeUser(ctx, user, anon); err != nil {
		t.Fatalf("AnonymizeUser: %v", err)
	}
	if got, _ := r.ListByUser(ctx, user, 0); len(got) != 0 {
		t.Errorf("events still attributed to user: %d", len(got))
	}
	if err := r.DeleteByUser(ctx, anon); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	if got, _ := r.ListByUser(ctx, anon, 0); len(got) != 0 {
		t.Errorf("events remain after delete: %d", len(got))
	}
}

func TestClickHouse_ListOlderThanPages(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	base := int64(946684800000) // 2000-01-01
	var events []*domain.ProcessedEvent
	for i := int64(0); i < 5; i++ {
		events = append(events, sampleEvent(user, base+i))
	}
	if err := r.InsertEvents(ctx, events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	t.Cleanup(func() { _ = r.DeleteByUser(ctx, user) })

	cutoff := time.UnixMilli(base + 5)
	var seen int
	var cur Cursor
	for {
		page, err := r.ListOlderThan(ctx, cutoff, cur, 2)
		if err != nil {
			t.Fatalf("ListOlderThan: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if ev.UserID == user {
				seen++
			}
		}
		last := page[len(page)-1]
		cur = Cursor{Timestamp: last.Timestamp, EventID: last.EventID}
	}
	if seen != 5 {
		t.Errorf("paged %d events, want 5", seen)
	}
}

func TestClickHouse_DeleteOlderThan(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	now := time.Now()
	aged := now.Add(-30 * 24 * time.Hour).UnixMilli()
	cutoff := time.UnixMilli(aged + 1)

	// Clear rows other tests may have left behind the cutoff.
	if _, err := r.DeleteOlderThan(ctx, cutoff); err != nil {
		t.Fatalf("DeleteOlderThan (setup): %v", err)
	}
	fresh := sampleEvent(user, now.UnixMilli())
	if err := r.InsertEvents(ctx, []*domain.ProcessedEvent{sampleEvent(user, aged), fresh}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	t.Cleanup(func() { _ = r.DeleteByUser(ctx, user) })

	n, err := r.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	got, err := r.ListByUser(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 1 || got[0].EventID != fresh.EventID {
		t.Errorf("remaining = %d events, want only the fresh one", len(got))
	}

	n, err = r.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("second DeleteOlderThan: %v", err)
	}
	if n != 0 {
		t.Errorf("second call deleted %d rows, want 0", n)
	}
}
