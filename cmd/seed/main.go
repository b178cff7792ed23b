// seed issues an ingestion API key for local testing and prints the raw key once. Run it
// after migrations: go run ./cmd/seed --label dev.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/apikey/domain"
	"telemetry-pipeline/internal/apikey/repository"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/db"
)

func main() {
	label := pflag.StringP("label", "l", "dev", "label stored with the key")
	inactive := pflag.Bool("inactive", false, "create the key disabled")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	raw, err := domain.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	key := &domain.APIKey{
		ID:      uuid.NewString(),
		Label:   *label,
		KeyHash: domain.HashKey(raw),
		Active:  !*inactive,
	}
	if err := repository.NewPostgresRepository(conn).Create(ctx, key); err != nil {
		log.Fatalf("create key: %v", err)
	}

	log.Printf("API key %s (%s) created, active=%t", key.ID, key.Label, key.Active)
	fmt.Println(raw)
}
