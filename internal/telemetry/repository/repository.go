package repository

import (
	"context"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
)

// Cursor is a keyset position in (timestamp, event_id) order. The zero Cursor starts at the beginning.
type Cursor struct {
	Timestamp int64
	EventID   string
}

// Repository defines persistence for processed events in the analytical store.
type Repository interface {
	InsertEvents(ctx context.Context, events []*domain.ProcessedEvent) error
	// DeleteOlderThan removes events captured before cutoff and returns how many matched.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// ListOlderThan pages through events captured before cutoff in (timestamp, event_id) order,
	// starting after the cursor.
	ListOlderThan(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]*domain.ProcessedEvent, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ProcessedEvent, error)
	DeleteByUser(ctx context.Context, userID string) error
	AnonymizeUser(ctx context.Context, userID, anonID string) error
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
}
