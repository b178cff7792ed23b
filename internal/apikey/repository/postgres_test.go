package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"telemetry-pipeline/internal/apikey/domain"
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

func TestPostgresRepository_Lifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	raw, err := domain.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k := &domain.APIKey{ID: uuid.NewString(), Label: "test", KeyHash: domain.HashKey(raw), Active: true}
	if err := r.Create(ctx, k); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.GetByHash(ctx, domain.HashKey(raw))
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got == nil || got.ID != k.ID || !got.Active || got.LastUsedAt != nil {
		t.Fatalf("GetByHash = %+v", got)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := r.TouchLastUsed(ctx, k.ID, at); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
	if err := r.SetActive(ctx, k.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, err = r.GetByHash(ctx, k.KeyHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.Active {
		t.Error("key still active")
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, at)
	}
}

func TestPostgresRepository_GetByHashMissing(t *testing.T) {
	r := newTestRepo(t)
	got, err := r.GetByHash(context.Background(), domain.HashKey("nope-"+uuid.NewString()))
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got != nil {
		t.Errorf("GetByHash = %+v, want nil", got)
	}
}
