package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"telemetry-pipeline/internal/apikey/domain"
)

// PostgresRepository stores API keys in the api_keys table.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns an API key repository backed by db.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByHash returns the key for keyHash, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var k domain.APIKey
	err := r.db.GetContext(ctx, &k,
		`SELECT id, label, key_hash, active, last_used_at, created_at FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apikey: get by hash: %w", err)
	}
	return &k, nil
}

// TouchLastUsed sets last_used_at for id.
func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("apikey: touch: %w", err)
	}
	return nil
}

// Create inserts k. ID, Label and KeyHash must be set; CreatedAt defaults to now when zero.
func (r *PostgresRepository) Create(ctx context.Context, k *domain.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO api_keys (id, label, key_hash, active, last_used_at, created_at)
		 VALUES (:id, :label, :key_hash, :active, :last_used_at, :created_at)`, k)
	if err != nil {
		return fmt.Errorf("apikey: create: %w", err)
	}
	return nil
}

// SetActive enables or disables id.
func (r *PostgresRepository) SetActive(ctx context.Context, id string, active bool) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET active = $2 WHERE id = $1`, id, active); err != nil {
		return fmt.Errorf("apikey: set active: %w", err)
	}
	return nil
}
