package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"telemetry-pipeline/internal/db"
	"telemetry-pipeline/internal/db/migrate"
)

func newTestRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, migrate.Up); err != nil {
		t.Skipf("migrate: %v", err)
	}
	conn, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewPostgresRepository(conn)
}

func TestTouch_OutOfOrderActivity(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := uuid.NewString()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{base.Add(time.Minute), base, base.Add(5 * time.Minute)} {
		if err := r.Touch(ctx, id, "", at); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}
	if err := r.Touch(ctx, id, "user-1", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	s, err := r.GetByID(ctx, id)
	if err != nil || s == nil {
		t.Fatalf("GetByID: %v %v", s, err)
	}
	if !s.StartedAt.Equal(base) || !s.LastActivityAt.Equal(base.Add(5*time.Minute)) {
		t.Errorf("started=%v last=%v", s.StartedAt, s.LastActivityAt)
	}
	if s.UserID == nil || *s.UserID != "user-1" {
		t.Errorf("user = %v", s.UserID)
	}
	if !s.Open() {
		t.Error("session should be open")
	}
}

func TestCloseIdleAndDeleteEnded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	idle, active := uuid.NewString(), uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)

	if err := r.Touch(ctx, idle, "", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := r.Touch(ctx, active, "", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := r.CloseIdle(ctx, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("CloseIdle: %v", err)
	}
	s, _ := r.GetByID(ctx, idle)
	if s.EndedAt == nil || !s.EndedAt.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("idle session ended_at = %v, want last activity", s.EndedAt)
	}
	s, _ = r.GetByID(ctx, active)
	if !s.Open() {
		t.Error("active session was closed")
	}

	if _, err := r.DeleteEndedBefore(ctx, now.Add(-time.Hour)); err != nil {
		t.Fatalf("DeleteEndedBefore: %v", err)
	}
	if s, _ := r.GetByID(ctx, idle); s != nil {
		t.Error("ended session not deleted")
	}
	if s, _ := r.GetByID(ctx, active); s == nil {
		t.Error("open session deleted")
	}
}

func TestEnd_KeepsFirstEndTime(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id := uuid.NewString()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := r.End(ctx, id, at); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := r.End(ctx, id, at.Add(time.Hour)); err != nil {
		t.Fatalf("End: %v", err)
	}
	s, _ := r.GetByID(ctx, id)
	if s.EndedAt == nil || !s.EndedAt.Equal(at) {
		t.Errorf("ended_at = %v, want %v", s.EndedAt, at)
	}
}

func TestUserHooks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	for i := 0; i < 2; i++ {
		if err := r.Touch(ctx, uuid.NewString(), user, time.Now()); err != nil {
			t.Fatalf("Touch: %v", err)
		}
	}
	list, err := r.ListByUser(ctx, user)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByUser = %d, %v", len(list), err)
	}
	anon := "anonymous_" + uuid.NewString()
	if n, err := r.AnonymizeUser(ctx, user, anon); err != nil || n != 2 {
		t.Fatalf("AnonymizeUser = %d, %v", n, err)
	}
	if n, err := r.DeleteByUser(ctx, anon); err != nil || n != 2 {
		t.Fatalf("DeleteByUser = %d, %v", n, err)
	}
}
