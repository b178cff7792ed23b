// Package queue is the device-side durable event queue. Captured events are written to SQLite before
// any upload is attempted, so connectivity loss never drops an event; storage is bounded by evicting
// the oldest pending records.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"telemetry-pipeline/internal/telemetry/domain"
)

// Record is one queued event. Uploaded only ever moves from false to true and UploadAttempts only
// grows.
type Record struct {
	ID             int64
	Event          domain.TelemetryEvent
	Uploaded       bool
	UploadAttempts int
	CreatedAt      time.Time
	SizeBytes      int64
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_records (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT    NOT NULL,
	user_id         TEXT,
	event           BLOB    NOT NULL,
	uploaded        INTEGER NOT NULL DEFAULT 0,
	upload_attempts INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	size_bytes      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_records_pending ON queue_records (uploaded, created_at, id);
CREATE INDEX IF NOT EXISTS queue_records_user ON queue_records (user_id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Options configures Open.
type Options struct {
	// Path is the database file; its directory must exist.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
	Logger   *slog.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
	now    func() time.Time
}

// Open opens or creates the queue database and applies the schema.
func Open(ctx context.Context, o Options) (*Queue, error) {
	if o.Path == "" {
		return nil, fmt.Errorf("queue: path is required")
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitex.NewPool(o.Path, sqlitex.PoolOptions{
		PoolSize:    o.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", o.Path, err)
	}
	q := &Queue{pool: pool, logger: logger, path: o.Path, now: time.Now}

	conn, err := q.take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: schema: %w", err)
	}
	logger.Info("event queue opened", "path", o.Path, "pool_size", o.PoolSize)
	return q, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("queue: %s: %w", p, err)
		}
	}
	return nil
}

// Close blocks until every borrowed connection is returned.
func (q *Queue) Close() error {
	if err := q.pool.Close(); err != nil {
		return fmt.Errorf("queue: close %s: %w", q.path, err)
	}
	return nil
}

func (q *Queue) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: take connection: %w", err)
	}
	return conn, nil
}

// Enqueue persists ev as a new pending record and returns it. It returns only after the write is
// durable in the WAL.
func (q *Queue) Enqueue(ctx context.Context, ev domain.TelemetryEvent) (Record, error) {
	payload, err := cbor.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("queue: encode event: %w", err)
	}
	conn, err := q.take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer q.pool.Put(conn)

	created := q.now()
	var userID any
	if ev.UserID != "" {
		userID = ev.UserID
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO queue_records (session_id, user_id, event, created_at, size_bytes) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{ev.SessionID, userID, payload, created.UnixMilli(), int64(len(payload))}})
	if err != nil {
		return Record{}, fmt.Errorf("queue: insert: %w", err)
	}
	return Record{
		ID:        conn.LastInsertRowID(),
		Event:     ev,
		CreatedAt: time.UnixMilli(created.UnixMilli()),
		SizeBytes: int64(len(payload)),
	}, nil
}

// Pending returns up to limit pending records, oldest first. Ties on creation time are broken by id.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := q.take(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Put(conn)

	var out []Record
	err = sqlitex.Execute(conn,
		`SELECT id, event, uploaded, upload_attempts, created_at, size_bytes FROM queue_records
		 WHERE uploaded = 0 ORDER BY created_at, id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: pending: %w", err)
	}
	return out, nil
}

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	payload := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, payload)
	r := Record{
		ID:             stmt.ColumnInt64(0),
		Uploaded:       stmt.ColumnInt(2) != 0,
		UploadAttempts: stmt.ColumnInt(3),
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(4)),
		SizeBytes:      stmt.ColumnInt64(5),
	}
	if err := cbor.Unmarshal(payload, &r.Event); err != nil {
		return Record{}, fmt.Errorf("decode record %d: %w", r.ID, err)
	}
	return r, nil
}

// MarkUploaded marks ids uploaded in one IMMEDIATE transaction: either every still-pending id is
// marked or, on error, none is. Already-uploaded ids are left untouched. It returns the number of
// records that changed state.
func (q *Queue) MarkUploaded(ctx context.Context, ids []int64) (n int, err error) {
	return q.updateEach(ctx, ids, `UPDATE queue_records SET uploaded = 1 WHERE id = ? AND uploaded = 0`)
}

// RecordFailure counts one failed upload attempt against each pending id.
func (q *Queue) RecordFailure(ctx context.Context, ids []int64) (int, error) {
	return q.updateEach(ctx, ids,
		`UPDATE queue_records SET upload_attempts = upload_attempts + 1 WHERE id = ? AND uploaded = 0`)
}

func (q *Queue) updateEach(ctx context.Context, ids []int64, query string) (n int, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	conn, err := q.take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin: %w", err)
	}
	defer end(&err)
	for _, id := range ids {
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return 0, fmt.Errorf("queue: update %d: %w", id, err)
		}
		n += conn.Changes()
	}
	return n, nil
}

// PendingCount returns the number of records not yet uploaded.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.scalar(ctx, `SELECT COUNT(*) FROM queue_records WHERE uploaded = 0`)
}

// PendingSize returns the encoded size in bytes of every record not yet uploaded.
func (q *Queue) PendingSize(ctx context.Context) (int64, error) {
	return q.scalar(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM queue_records WHERE uploaded = 0`)
}

func (q *Queue) scalar(ctx context.Context, query string) (int64, error) {
	conn, err := q.take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)
	v, err := sqlitex.ResultInt64(conn.Prep(query))
	if err != nil {
		return 0, fmt.Errorf("queue: %s: %w", query, err)
	}
	return v, nil
}

// EnforceStorageLimit deletes the oldest pending records until the pending total is at most
// maxBytes, and returns how many were deleted. The newest records are always the ones kept.
func (q *Queue) EnforceStorageLimit(ctx context.Context, maxBytes int64) (deleted int, err error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	conn, err := q.take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin: %w", err)
	}
	defer end(&err)

	total, err := sqlitex.ResultInt64(conn.Prep(`SELECT COALESCE(SUM(size_bytes), 0) FROM queue_records WHERE uploaded = 0`))
	if err != nil {
		return 0, fmt.Errorf("queue: pending size: %w", err)
	}
	if total <= maxBytes {
		return 0, nil
	}
	var victims []int64
	err = sqlitex.Execute(conn,
		`SELECT id, size_bytes FROM queue_records WHERE uploaded = 0 ORDER BY created_at, id`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			if total <= maxBytes {
				return errStop
			}
			victims = append(victims, stmt.ColumnInt64(0))
			total -= stmt.ColumnInt64(1)
			return nil
		}})
	if err != nil && !errors.Is(err, errStop) {
		return 0, fmt.Errorf("queue: select oldest: %w", err)
	}
	err = nil
	for _, id := range victims {
		if err = sqlitex.Execute(conn, `DELETE FROM queue_records WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return 0, fmt.Errorf("queue: evict %d: %w", id, err)
		}
	}
	if len(victims) > 0 {
		q.logger.Warn("event queue over storage limit, evicted oldest pending records",
			"evicted", len(victims), "max_bytes", maxBytes)
	}
	return len(victims), nil
}

// errStop ends a ResultFunc iteration early.
var errStop = errors.New("queue: stop iteration")

// PurgeUploaded deletes uploaded records created before olderThan. Age is measured from creation,
// not upload.
func (q *Queue) PurgeUploaded(ctx context.Context, olderThan time.Time) (int, error) {
	return q.exec(ctx, `DELETE FROM queue_records WHERE uploaded = 1 AND created_at < ?`, olderThan.UnixMilli())
}

// DropExhausted deletes pending records that have failed maxAttempts or more uploads. It is a no-op
// when maxAttempts is 0.
func (q *Queue) DropExhausted(ctx context.Context, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	return q.exec(ctx, `DELETE FROM queue_records WHERE uploaded = 0 AND upload_attempts >= ?`, maxAttempts)
}

// DeleteByUser removes every record captured for userID, uploaded or not.
func (q *Queue) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("queue: user id is required")
	}
	return q.exec(ctx, `DELETE FROM queue_records WHERE user_id = ?`, userID)
}

func (q *Queue) exec(ctx context.Context, query string, args ...any) (int, error) {
	conn, err := q.take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("queue: exec: %w", err)
	}
	return conn.Changes(), nil
}
