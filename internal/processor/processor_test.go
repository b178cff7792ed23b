package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telemetry-pipeline/internal/enrich"
	"telemetry-pipeline/internal/redaction"
	"telemetry-pipeline/internal/telemetry"
	"telemetry-pipeline/internal/telemetry/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	inserts [][]*domain.ProcessedEvent
	err     error
}

func (f *fakeStore) InsertEvents(_ context.Context, events []*domain.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserts = append(f.inserts, events)
	return nil
}

func (f *fakeStore) all() []*domain.ProcessedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ProcessedEvent
	for _, b := range f.inserts {
		out = append(out, b...)
	}
	return out
}

type fakeCache struct {
	mu  sync.Mutex
	put []string
	err error
}

func (f *fakeCache) Put(_ context.Context, ev *domain.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put = append(f.put, ev.EventID)
	return f.err
}

type fakeCounters struct {
	mu    sync.Mutex
	incrs map[domain.EventType]int
	err   error
}

func (f *fakeCounters) Incr(_ context.Context, t domain.EventType, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrs == nil {
		f.incrs = map[domain.EventType]int{}
	}
	f.incrs[t]++
	return f.err
}

type fakeSessions struct {
	mu      sync.Mutex
	touched []string
	ended   []string
	err     error
}

func (f *fakeSessions) Touch(_ context.Context, id, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return f.err
}

func (f *fakeSessions) End(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return f.err
}

type fakeSink struct {
	mu  sync.Mutex
	got []*domain.ProcessedEvent
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Forward(_ context.Context, ev *domain.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

type fakeLocator struct{}

func (fakeLocator) Lookup(context.Context, string) (*domain.Geo, error) {
	return &domain.Geo{Country: "FR", City: "Paris"}, nil
}

type harness struct {
	p        *Processor
	store    *fakeStore
	cache    *fakeCache
	counters *fakeCounters
	sessions *fakeSessions
	sink     *fakeSink
	fanout   *telemetry.Fanout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    &fakeStore{},
		cache:    &fakeCache{},
		counters: &fakeCounters{},
		sessions: &fakeSessions{},
		sink:     &fakeSink{},
	}
	h.fanout = telemetry.NewFanout(nil, nil, h.sink)
	p, err := New(Deps{
		Enricher: enrich.New(fakeLocator{}, time.Second, nil),
		Store:    h.store,
		Cache:    h.cache,
		Counters: h.counters,
		Sessions: h.sessions,
		Sinks:    h.fanout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.now = func() time.Time { return time.UnixMilli(1700000009999) }
	h.p = p
	return h
}

func event(t domain.EventType, session string, data map[string]domain.Value) domain.TelemetryEvent {
	return domain.TelemetryEvent{
		SessionID: session,
		UserID:    "user-1",
		EventType: t,
		Timestamp: 1700000000000,
		Data:      data,
		DeviceInfo: domain.DeviceInfo{
			Platform: "ios", OSVersion: "17", DeviceModel: "iPhone", AppVersion: "1.0",
		},
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New without store should fail")
	}
}

func TestProcess_FullPipeline(t *testing.T) {
	h := newHarness(t)
	ev := event(domain.EventTypePerformance, "s1", map[string]domain.Value{
		"metric": domain.String("cold_start"),
		"value":  domain.Number(640),
		"note":   domain.String("contact jane@example.com"),
	})
	req := &domain.RequestContext{SourceIP: "8.8.8.8", UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile"}

	pe, err := h.p.Process(context.Background(), &ev, req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if pe.ServerTimestamp != 1700000009999 {
		t.Errorf("serverTimestamp = %d", pe.ServerTimestamp)
	}
	if pe.Enriched.Geo == nil || pe.Enriched.Geo.Country != "FR" || pe.Enriched.UserAgent == nil || pe.Enriched.Fingerprint == "" {
		t.Errorf("enrichment = %+v", pe.Enriched)
	}
	if note, _ := pe.DataString("note"); note != "contact "+redaction.Marker {
		t.Errorf("note = %q, want redacted", note)
	}
	if orig, _ := ev.DataString("note"); !strings.Contains(orig, "jane@") {
		t.Error("input event was mutated")
	}
	if pe.Metrics["cold_start"] != 640 {
		t.Errorf("metrics = %v", pe.Metrics)
	}
	wantID, _ := domain.ContentID(&ev)
	if pe.EventID != wantID {
		t.Errorf("eventId = %s, want content id %s", pe.EventID, wantID)
	}
	if got := h.store.all(); len(got) != 1 || got[0] != pe {
		t.Errorf("stored = %v", got)
	}
	if len(h.cache.put) != 1 || h.counters.incrs[domain.EventTypePerformance] != 1 || len(h.sessions.touched) != 1 {
		t.Errorf("side effects: cache=%v counters=%v sessions=%v", h.cache.put, h.counters.incrs, h.sessions.touched)
	}
}

func TestProcess_StoreFailureFailsEvent(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("clickhouse down")
	ev := event(domain.EventTypeCrash, "s", map[string]domain.Value{})
	if _, err := h.p.Process(context.Background(), &ev, nil); err == nil {
		t.Fatal("Process should fail when store fails")
	}
	if len(h.cache.put) != 0 {
		t.Error("side effects ran after store failure")
	}
}

func TestProcess_SideEffectFailuresAreIgnored(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("redis down")
	h.cache.err, h.counters.err, h.sessions.err = boom, boom, boom
	ev := event(domain.EventTypeCrash, "s", map[string]domain.Value{})
	if _, err := h.p.Process(context.Background(), &ev, nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.store.all()) != 1 {
		t.Error("event not stored")
	}
}

func TestProcess_SessionEndSignal(t *testing.T) {
	h := newHarness(t)
	ev := event(domain.EventTypeInteraction, "s9", map[string]domain.Value{"action": domain.String("session_end")})
	if _, err := h.p.Process(context.Background(), &ev, nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(h.sessions.ended) != 1 || h.sessions.ended[0] != "s9" || len(h.sessions.touched) != 0 {
		t.Errorf("ended=%v touched=%v", h.sessions.ended, h.sessions.touched)
	}
}

func TestProcess_LogEventsForwarded(t *testing.T) {
	h := newHarness(t)
	for _, typ := range []domain.EventType{domain.EventTypeLog, domain.EventTypeCrash} {
		ev := event(typ, "s", map[string]domain.Value{"message": domain.String("hello")})
		if _, err := h.p.Process(context.Background(), &ev, nil); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := h.fanout.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(h.sink.got) != 1 || h.sink.got[0].EventType != domain.EventTypeLog {
		t.Errorf("forwarded = %d events", len(h.sink.got))
	}
}

func TestProcessBatch_OneBulkInsertNoEnrichment(t *testing.T) {
	h := newHarness(t)
	events := []domain.TelemetryEvent{
		event(domain.EventTypeNetwork, "s", map[string]domain.Value{"duration": domain.Number(10)}),
		event(domain.EventTypeNetwork, "s", map[string]domain.Value{"duration": domain.Number(20), "url": domain.String("https://x/?email=a@b.co")}),
	}
	out, err := h.p.ProcessBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(h.store.inserts) != 1 || len(h.store.inserts[0]) != 2 {
		t.Fatalf("inserts = %v", h.store.inserts)
	}
	for _, pe := range out {
		if pe.Enriched.Geo != nil || pe.Enriched.UserAgent != nil || pe.Enriched.Fingerprint != "" {
			t.Errorf("batch event enriched: %+v", pe.Enriched)
		}
		if pe.Metrics["network_duration"] == 0 {
			t.Errorf("metrics = %v", pe.Metrics)
		}
	}
	if url, _ := out[1].DataString("url"); strings.Contains(url, "a@b.co") {
		t.Errorf("url not redacted: %q", url)
	}
	if _, err := h.p.ProcessBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	valid := event(domain.EventTypeCrash, "s", map[string]domain.Value{})
	encode := func(env domain.Envelope) []byte {
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}
	invalid := valid
	invalid.SessionID = ""

	testCases := []struct {
		name       string
		value      []byte
		deadLetter bool
		inserted   int
	}{
		{"single", encode(domain.Envelope{Events: []domain.TelemetryEvent{valid}, Request: &domain.RequestContext{}}), false, 1},
		{"batch", encode(domain.Envelope{Batch: true, Events: []domain.TelemetryEvent{valid, valid}}), false, 2},
		{"garbage", []byte("{not json"), true, 0},
		{"empty", encode(domain.Envelope{}), true, 0},
		{"invalid event", encode(domain.Envelope{Events: []domain.TelemetryEvent{invalid}}), true, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.p.HandleMessage(context.Background(), tc.value)
			if got := errors.Is(err, ErrDeadLetter); got != tc.deadLetter {
				t.Fatalf("err = %v, deadLetter = %v", err, got)
			}
			if n := len(h.store.all()); n != tc.inserted {
				t.Errorf("inserted = %d, want %d", n, tc.inserted)
			}
		})
	}
}

func TestHandleMessage_RedeliveryKeepsEventID(t *testing.T) {
	h := newHarness(t)
	env := domain.Envelope{Events: []domain.TelemetryEvent{event(domain.EventTypeLog, "s", map[string]domain.Value{
		"message": domain.String("call 555-123-4567"),
	})}}
	b, _ := json.Marshal(env)
	for i := 0; i < 2; i++ {
		if err := h.p.HandleMessage(context.Background(), b); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
	got := h.store.all()
	if len(got) != 2 || got[0].EventID != got[1].EventID {
		t.Errorf("redelivered copies have different ids")
	}
}
