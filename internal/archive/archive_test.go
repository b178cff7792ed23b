package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
	"telemetry-pipeline/internal/telemetry/repository"
)

type memSource struct {
	events []*domain.ProcessedEvent
	err    error
}

func (m *memSource) ListOlderThan(_ context.Context, cutoff time.Time, after repository.Cursor, limit int) ([]*domain.ProcessedEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.ProcessedEvent
	for _, ev := range m.events {
		if ev.Timestamp >= cutoff.UnixMilli() {
			continue
		}
		if ev.Timestamp < after.Timestamp || ev.Timestamp == after.Timestamp && ev.EventID <= after.EventID {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	getErr  error
}

func (m *memStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// archived decodes every archive object and returns the total and distinct row counts.
func (m *memStore) archived(t *testing.T) (rows, distinct int) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for k, b := range m.objects {
		if k == CheckpointKey {
			continue
		}
		evs, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode %s: %v", k, err)
		}
		for _, ev := range evs {
			rows++
			seen[ev.EventID] = true
		}
	}
	return rows, len(seen)
}

func makeEvents(n int, base int64) []*domain.ProcessedEvent {
	out := make([]*domain.ProcessedEvent, n)
	for i := range out {
		out[i] = &domain.ProcessedEvent{
			EventID: fmt.Sprintf("e%03d", i),
			TelemetryEvent: domain.TelemetryEvent{
				SessionID: "s",
				EventType: domain.EventTypeLog,
				Timestamp: base + int64(i),
				Data:      map[string]domain.Value{"i": domain.Number(float64(i))},
			},
		}
	}
	return out
}

func TestEncodeDecode(t *testing.T) {
	events := makeEvents(3, 1000)
	b, err := Encode(events)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 3 || got[2].EventID != "e002" || got[2].Timestamp != 1002 {
		t.Errorf("decoded = %+v", got)
	}
	if n, _ := got[1].DataNumber("i"); n != 1 {
		t.Errorf("data = %v", got[1].Data)
	}
	if _, err := Decode([]byte("not zstd")); err == nil {
		t.Error("Decode of garbage should fail")
	}
}

func TestArchive_PagesAndIsIdempotent(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	src := &memSource{events: append(makeEvents(7, day), &domain.ProcessedEvent{EventID: "new", TelemetryEvent: domain.TelemetryEvent{Timestamp: day + 1e9}})}
	store := &memStore{}
	a := New(src, store, 3, nil)
	cutoff := time.UnixMilli(day + 100)

	res, err := a.Archive(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Objects != 3 || res.Events != 7 {
		t.Errorf("result = %+v", res)
	}
	var keys []string
	for k := range store.objects {
		if k != CheckpointKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	want := fmt.Sprintf("events/dt=2024-01-02/%d-e000.jsonl.zst", day)
	if len(keys) != 3 || keys[0] != want {
		t.Errorf("keys = %v", keys)
	}
	if rows, _ := store.archived(t); rows != 7 {
		t.Errorf("archived %d events, want 7", rows)
	}

	res, err = a.Archive(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.Objects != 0 || res.Events != 0 {
		t.Errorf("rerun result = %+v, want nothing new", res)
	}
	if len(store.objects) != 4 {
		t.Errorf("rerun left %d objects, want 3 batches and the checkpoint", len(store.objects))
	}
}

func TestArchive_ExpiryBetweenRunsDoesNotDuplicate(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	src := &memSource{events: makeEvents(7, day)}
	store := &memStore{}
	a := New(src, store, 3, nil)
	cutoff := time.UnixMilli(day + 100)

	if _, err := a.Archive(context.Background(), cutoff); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	src.events = src.events[1:]
	res, err := a.Archive(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("second Archive: %v", err)
	}
	if res.Objects != 0 || res.Events != 0 {
		t.Errorf("second run = %+v, want nothing new", res)
	}
	if rows, distinct := store.archived(t); rows != 7 || distinct != 7 {
		t.Errorf("bucket holds %d rows (%d distinct), want 7", rows, distinct)
	}
}

func TestArchive_PicksUpNewlyAgedRows(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	src := &memSource{events: makeEvents(6, day)}
	store := &memStore{}
	a := New(src, store, 10, nil)

	res, err := a.Archive(context.Background(), time.UnixMilli(day+3))
	if err != nil || res.Events != 3 {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	res, err = a.Archive(context.Background(), time.UnixMilli(day+100))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Objects != 1 || res.Events != 3 {
		t.Errorf("second run = %+v, want the 3 rows that aged since", res)
	}
	if rows, distinct := store.archived(t); rows != 6 || distinct != 6 {
		t.Errorf("bucket holds %d rows (%d distinct), want 6", rows, distinct)
	}
}

func TestArchive_CheckpointFailures(t *testing.T) {
	ctx := context.Background()
	src := &memSource{events: makeEvents(2, 1)}

	if _, err := New(src, &memStore{getErr: errors.New("s3 down")}, 0, nil).Archive(ctx, time.UnixMilli(100)); err == nil {
		t.Error("checkpoint read failure should be returned")
	}
	corrupt := &memStore{objects: map[string][]byte{CheckpointKey: []byte("{")}}
	if _, err := New(src, corrupt, 0, nil).Archive(ctx, time.UnixMilli(100)); err == nil {
		t.Error("corrupt checkpoint should be returned")
	}
}

func TestArchive_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := New(&memSource{err: errors.New("ch down")}, &memStore{}, 0, nil).Archive(ctx, time.Now()); err == nil {
		t.Error("list failure should be returned")
	}
	if _, err := New(&memSource{events: makeEvents(1, 1)}, &memStore{err: errors.New("s3 down")}, 0, nil).Archive(ctx, time.Now()); err == nil {
		t.Error("put failure should be returned")
	}
	var nilArchiver *Archiver
	if _, err := nilArchiver.Archive(ctx, time.Now()); err == nil {
		t.Error("nil archiver should report not configured")
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Options{}); err == nil {
		t.Error("NewS3Store without bucket should fail")
	}
}
