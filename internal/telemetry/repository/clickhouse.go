package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"telemetry-pipeline/internal/telemetry/domain"
)

const table = "telemetry_events"

const columns = `event_id, session_id, user_id, event_type, timestamp, server_timestamp,
	data, platform, os_version, device_model, app_version, enriched, metrics`

// ClickHouseOptions configures the connection.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	// TTL is how long rows live before ClickHouse drops them; rounded up to whole days.
	TTL time.Duration
}

// ClickHouseRepository stores processed events in a ReplacingMergeTree keyed on event_id, so
// redelivered copies collapse on merge.
type ClickHouseRepository struct {
	conn    driver.Conn
	ttlDays int
}

// OpenClickHouse dials ClickHouse over the native protocol.
func OpenClickHouse(ctx context.Context, o ClickHouseOptions) (*ClickHouseRepository, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return NewClickHouseRepository(conn, o.TTL), nil
}

// NewClickHouseRepository wraps an open connection.
func NewClickHouseRepository(conn driver.Conn, ttl time.Duration) *ClickHouseRepository {
	return &ClickHouseRepository{conn: conn, ttlDays: ttlDays(ttl)}
}

func ttlDays(ttl time.Duration) int {
	if ttl <= 0 {
		return 90
	}
	days := int((ttl + 24*time.Hour - 1) / (24 * time.Hour))
	return days
}

// SchemaDDL returns the CREATE TABLE statement for the events table.
func (r *ClickHouseRepository) SchemaDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id         String,
	session_id       String,
	user_id          String,
	event_type       LowCardinality(String),
	timestamp        DateTime64(3, 'UTC'),
	server_timestamp DateTime64(3, 'UTC'),
	data             String,
	platform         LowCardinality(String),
	os_version       String,
	device_model     String,
	app_version      LowCardinality(String),
	enriched         String,
	metrics          Map(String, Float64)
) ENGINE = ReplacingMergeTree(server_timestamp)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (event_type, session_id, timestamp, event_id)
TTL toDateTime(timestamp) + INTERVAL %d DAY`, table, r.ttlDays)
}

// EnsureSchema creates the events table when missing.
func (r *ClickHouseRepository) EnsureSchema(ctx context.Context) error {
	if err := r.conn.Exec(ctx, r.SchemaDDL()); err != nil {
		return fmt.Errorf("clickhouse: ensure schema: %w", err)
	}
	return nil
}

// InsertEvents writes events in one batch.
func (r *ClickHouseRepository) InsertEvents(ctx context.Context, events []*domain.ProcessedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+table+" ("+columns+")")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, ev := range events {
		row, err := toRow(ev)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(row.values()...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func syncMutations(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{"mutations_sync": 1}))
}

func (r *ClickHouseRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n uint64
	if err := r.conn.QueryRow(ctx, "SELECT count() FROM "+table+" WHERE timestamp < fromUnixTimestamp64Milli(toInt64(?))", cutoff.UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("clickhouse: count expired: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.conn.Exec(syncMutations(ctx), "ALTER TABLE "+table+" DELETE WHERE timestamp < fromUnixTimestamp64Milli(toInt64(?))", cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("clickhouse: delete expired: %w", err)
	}
	return int64(n), nil
}

func (r *ClickHouseRepository) ListOlderThan(ctx context.Context, cutoff time.Time, after Cursor, limit int) ([]*domain.ProcessedEvent, error) {
	q := "SELECT " + columns + " FROM " + table + " FINAL WHERE timestamp < fromUnixTimestamp64Milli(toInt64(?)) " +
		"AND (timestamp, event_id) > (fromUnixTimestamp64Milli(toInt64(?)), ?) ORDER BY timestamp, event_id LIMIT ?"
	return r.query(ctx, q, cutoff.UnixMilli(), after.Timestamp, after.EventID, limit)
}

// ListByUser returns the user's most recent events first. limit <= 0 returns all of them.
func (r *ClickHouseRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ProcessedEvent, error) {
	q := "SELECT " + columns + " FROM " + table + " FINAL WHERE user_id = ? ORDER BY timestamp DESC"
	if limit > 0 {
		return r.query(ctx, q+" LIMIT ?", userID, limit)
	}
	return r.query(ctx, q, userID)
}

func (r *ClickHouseRepository) DeleteByUser(ctx context.Context, userID string) error {
	if err := r.conn.Exec(syncMutations(ctx), "ALTER TABLE "+table+" DELETE WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clickhouse: delete user: %w", err)
	}
	return nil
}

func (r *ClickHouseRepository) AnonymizeUser(ctx context.Context, userID, anonID string) error {
	if err := r.conn.Exec(syncMutations(ctx), "ALTER TABLE "+table+" UPDATE user_id = ? WHERE user_id = ?", anonID, userID); err != nil {
		return fmt.Errorf("clickhouse: anonymize user: %w", err)
	}
	return nil
}

func (r *ClickHouseRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *ClickHouseRepository) Close() error {
	return r.conn.Close()
}

func (r *ClickHouseRepository) query(ctx context.Context, q string, args ...any) ([]*domain.ProcessedEvent, error) {
	rows, err := r.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query: %w", err)
	}
	defer rows.Close()
	var out []*domain.ProcessedEvent
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(row.pointers()...); err != nil {
			return nil, fmt.Errorf("clickhouse: scan: %w", err)
		}
		ev, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clickhouse: rows: %w", err)
	}
	return out, nil
}

// eventRow is the flat column form of a ProcessedEvent. Data and enrichment are stored as JSON text.
type eventRow struct {
	EventID         string
	SessionID       string
	UserID          string
	EventType       string
	Timestamp       time.Time
	ServerTimestamp time.Time
	Data            string
	Platform        string
	OSVersion       string
	DeviceModel     string
	AppVersion      string
	Enriched        string
	Metrics         map[string]float64
}

func (r *eventRow) values() []any {
	return []any{r.EventID, r.SessionID, r.UserID, r.EventType, r.Timestamp, r.ServerTimestamp,
		r.Data, r.Platform, r.OSVersion, r.DeviceModel, r.AppVersion, r.Enriched, r.Metrics}
}

func (r *eventRow) pointers() []any {
	return []any{&r.EventID, &r.SessionID, &r.UserID, &r.EventType, &r.Timestamp, &r.ServerTimestamp,
		&r.Data, &r.Platform, &r.OSVersion, &r.DeviceModel, &r.AppVersion, &r.Enriched, &r.Metrics}
}

func toRow(ev *domain.ProcessedEvent) (*eventRow, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: encode data: %w", err)
	}
	enriched, err := json.Marshal(ev.Enriched)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: encode enrichment: %w", err)
	}
	metrics := ev.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return &eventRow{
		EventID:         ev.EventID,
		SessionID:       ev.SessionID,
		UserID:          ev.UserID,
		EventType:       string(ev.EventType),
		Timestamp:       time.UnixMilli(ev.Timestamp).UTC(),
		ServerTimestamp: time.UnixMilli(ev.ServerTimestamp).UTC(),
		Data:            string(data),
		Platform:        ev.DeviceInfo.Platform,
		OSVersion:       ev.DeviceInfo.OSVersion,
		DeviceModel:     ev.DeviceInfo.DeviceModel,
		AppVersion:      ev.DeviceInfo.AppVersion,
		Enriched:        string(enriched),
		Metrics:         metrics,
	}, nil
}

func (r *eventRow) toDomain() (*domain.ProcessedEvent, error) {
	ev := &domain.ProcessedEvent{
		EventID: r.EventID,
		TelemetryEvent: domain.TelemetryEvent{
			SessionID: r.SessionID,
			UserID:    r.UserID,
			EventType: domain.EventType(r.EventType),
			Timestamp: r.Timestamp.UnixMilli(),
			DeviceInfo: domain.DeviceInfo{
				Platform:    r.Platform,
				OSVersion:   r.OSVersion,
				DeviceModel: r.DeviceModel,
				AppVersion:  r.AppVersion,
			},
		},
		ServerTimestamp: r.ServerTimestamp.UnixMilli(),
	}
	if err := json.Unmarshal([]byte(r.Data), &ev.Data); err != nil {
		return nil, fmt.Errorf("clickhouse: decode data of %s: %w", r.EventID, err)
	}
	if r.Enriched != "" {
		if err := json.Unmarshal([]byte(r.Enriched), &ev.Enriched); err != nil {
			return nil, fmt.Errorf("clickhouse: decode enrichment of %s: %w", r.EventID, err)
		}
	}
	if len(r.Metrics) > 0 {
		ev.Metrics = r.Metrics
	}
	return ev, nil
}
