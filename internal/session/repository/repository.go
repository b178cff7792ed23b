package repository

import (
	"context"
	"time"

	"telemetry-pipeline/internal/session/domain"
)

// Repository defines persistence for the session side table.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// Touch records activity at for id, creating the session on first sight. userID may be empty.
	Touch(ctx context.Context, id, userID string, at time.Time) error
	// End marks id ended at the given time; a session that already ended keeps its first end time.
	End(ctx context.Context, id string, at time.Time) error
	// CloseIdle ends open sessions whose last activity is before idleBefore, setting ended_at to the
	// last activity time. It returns the number of sessions closed.
	CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error)
	// DeleteEndedBefore removes sessions that ended before cutoff.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	AnonymizeUser(ctx context.Context, userID, anonID string) (int64, error)
	Ping(ctx context.Context) error
}
