package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telemetry-pipeline/internal/telemetry/domain"
)

func TestKeys(t *testing.T) {
	testCases := []struct {
		got, want string
	}{
		{eventKey("s1", 1700000000000), "event:s1:1700000000000"},
		{sessionEventsKey("s1"), "session:s1:events"},
		{userSessionsKey("u1"), "user:u1:sessions"},
		{counterKey(domain.EventTypeCrash, 1700000000), "metrics:crash:1700000000"},
	}
	for _, tc := range testCases {
		if tc.got != tc.want {
			t.Errorf("key = %q, want %q", tc.got, tc.want)
		}
	}
}

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	rdb := NewClient(Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func processed(session, user string, ts int64) *domain.ProcessedEvent {
	return &domain.ProcessedEvent{
		EventID: uuid.NewString(),
		TelemetryEvent: domain.TelemetryEvent{
			SessionID: session,
			UserID:    user,
			EventType: domain.EventTypeLog,
			Timestamp: ts,
			Data:      map[string]domain.Value{"message": domain.String("hi")},
		},
		ServerTimestamp: ts + 5,
	}
}

func TestEventCache_PutAndList(t *testing.T) {
	rdb := newTestClient(t)
	c := NewEventCache(rdb)
	ctx := context.Background()
	session, user := uuid.NewString(), uuid.NewString()

	for ts := int64(1); ts <= 3; ts++ {
		if err := c.Put(ctx, processed(session, user, ts)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	got, err := c.SessionEvents(ctx, session, 2)
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp != 3 || got[1].Timestamp != 2 {
		t.Errorf("SessionEvents = %+v", got)
	}
	ttl, err := rdb.TTL(ctx, sessionEventsKey(session)).Result()
	if err != nil || ttl <= 0 || ttl > EventTTL {
		t.Errorf("session list ttl = %v, %v", ttl, err)
	}

	n, err := c.DeleteUser(ctx, user)
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	// user index + session list + 3 event keys
	if n != 5 {
		t.Errorf("deleted %d keys, want 5", n)
	}
	if got, _ := c.SessionEvents(ctx, session, 0); len(got) != 0 {
		t.Errorf("events remain after DeleteUser: %d", len(got))
	}
}

func TestEventCache_ListCapped(t *testing.T) {
	rdb := newTestClient(t)
	c := NewEventCache(rdb)
	ctx := context.Background()
	session := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, sessionEventsKey(session)) })

	for ts := int64(1); ts <= SessionListCap+5; ts++ {
		if err := c.Put(ctx, processed(session, "", ts)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	n, err := rdb.LLen(ctx, sessionEventsKey(session)).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n != SessionListCap {
		t.Errorf("list length = %d, want %d", n, SessionListCap)
	}
}

func TestCounters_IncrAndRate(t *testing.T) {
	rdb := newTestClient(t)
	c := NewCounters(rdb)
	ctx := context.Background()
	typ := domain.EventType("test-" + uuid.NewString())
	at := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		if err := c.Incr(ctx, typ, at); err != nil {
			t.Fatalf("Incr: %v", err)
		}
	}
	if err := c.Incr(ctx, typ, at.Add(2*time.Second)); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	buckets, err := c.Rate(ctx, typ, at, at.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	want := []int64{3, 0, 1}
	if len(buckets) != len(want) {
		t.Fatalf("buckets = %d", len(buckets))
	}
	for i, w := range want {
		if buckets[i].Count != w {
			t.Errorf("bucket %d = %d, want %d", i, buckets[i].Count, w)
		}
	}
	ttl, _ := rdb.TTL(ctx, counterKey(typ, at.Unix())).Result()
	if ttl <= 0 || ttl > CounterTTL {
		t.Errorf("counter ttl = %v", ttl)
	}
}

func TestCounters_RateRejectsInvertedRange(t *testing.T) {
	c := NewCounters(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	if _, err := c.Rate(context.Background(), domain.EventTypeCrash, time.Unix(10, 0), time.Unix(5, 0)); err == nil {
		t.Error("Rate with to < from should fail")
	}
}
