package repository

import (
	"context"

	"telemetry-pipeline/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	ListBySubject(ctx context.Context, subjectHash string, limit int) ([]*domain.AuditLog, error)
}
