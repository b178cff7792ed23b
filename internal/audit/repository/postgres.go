package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"telemetry-pipeline/internal/audit/domain"
)

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns an audit log repository that uses db for persistence.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists a. The entry must have ID set; metadata must be valid JSON or empty.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO gdpr_audit_log (id, action, subject_hash, key_id, ip, outcome, metadata, created_at)
		 VALUES (:id, :action, :subject_hash, :key_id, :ip, :outcome, NULLIF(:metadata, '')::jsonb, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

// ListBySubject returns the newest entries for subjectHash first.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectHash string, limit int) ([]*domain.AuditLog, error) {
	var out []*domain.AuditLog
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, action, subject_hash, key_id, ip, outcome, COALESCE(metadata::text, '') AS metadata, created_at
		 FROM gdpr_audit_log WHERE subject_hash = $1 ORDER BY created_at DESC LIMIT $2`, subjectHash, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}
