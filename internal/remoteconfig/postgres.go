package remoteconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps documents in the remote_config table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the named document, or nil if none is stored.
func (s *PostgresStore) Get(ctx context.Context, name string) (*Config, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, `SELECT body FROM remote_config WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remoteconfig: select: %w", err)
	}
	var c Config
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("remoteconfig: decode: %w", err)
	}
	return &c, nil
}

// Put upserts c. A document whose version is not newer than the stored one is rejected with
// ErrStaleVersion.
func (s *PostgresStore) Put(ctx context.Context, name string, c *Config) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("remoteconfig: encode: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_config (name, version, body, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, body = EXCLUDED.body, updated_at = now()
		 WHERE remote_config.version < EXCLUDED.version`, name, c.Version, body)
	if err != nil {
		return fmt.Errorf("remoteconfig: upsert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStaleVersion
	}
	return nil
}
