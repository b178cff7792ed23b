package repository

import (
	"context"
	"time"

	"telemetry-pipeline/internal/apikey/domain"
)

// Repository defines persistence for API keys.
type Repository interface {
	// GetByHash returns the key whose hash matches, or (nil, nil) when none does.
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Create(ctx context.Context, k *domain.APIKey) error
	SetActive(ctx context.Context, id string, active bool) error
}
