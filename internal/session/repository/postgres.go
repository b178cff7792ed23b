package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"telemetry-pipeline/internal/session/domain"
)

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a session repository that uses db for persistence.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, user_id, started_at, last_activity_at, ended_at`

// GetByID returns the session for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	return &s, nil
}

// Touch upserts id. Events may arrive out of order, so started_at only moves earlier and
// last_activity_at only moves later.
func (r *PostgresRepository) Touch(ctx context.Context, id, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, started_at, last_activity_at)
		VALUES ($1, NULLIF($2, ''), $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			user_id          = COALESCE(sessions.user_id, EXCLUDED.user_id),
			started_at       = LEAST(sessions.started_at, EXCLUDED.started_at),
			last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at)`,
		id, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) End(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, last_activity_at, ended_at)
		VALUES ($1, $2, $2, $2)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at),
			ended_at         = COALESCE(sessions.ended_at, EXCLUDED.ended_at)`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("session: end: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = last_activity_at WHERE ended_at IS NULL AND last_activity_at < $1`,
		idleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("session: close idle: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("session: delete ended: %w", err)
	}
	return res.RowsAffected()
}

// ListByUser returns the user's sessions, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	var out []*domain.Session
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list by user: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("session: delete by user: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) AnonymizeUser(ctx context.Context, userID, anonID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET user_id = $2 WHERE user_id = $1`, userID, anonID)
	if err != nil {
		return 0, fmt.Errorf("session: anonymize: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
