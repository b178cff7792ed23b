// Package archive copies aged events from the analytical store to S3 as zstd-compressed JSONL.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
	"telemetry-pipeline/internal/telemetry/repository"
)

// DefaultBatchSize is the number of events per archive object.
const DefaultBatchSize = 5000

// ContentType of archive objects.
const ContentType = "application/x-ndjson"

// Source pages through events older than a cutoff.
type Source interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, after repository.Cursor, limit int) ([]*domain.ProcessedEvent, error)
}

// CheckpointKey holds the position of the last archived event.
const CheckpointKey = "events/_checkpoint.json"

// ErrNotFound is returned by ObjectStore.Get for a missing key.
var ErrNotFound = errors.New("archive: object not found")

// ObjectStore receives archive objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Result summarises one archive pass.
type Result struct {
	Objects int
	Events  int64
}

type Archiver struct {
	src       Source
	store     ObjectStore
	batchSize int
	logger    *slog.Logger
}

func New(src Source, store ObjectStore, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{src: src, store: store, batchSize: batchSize, logger: logger}
}

// Archive writes every event captured before cutoff that earlier runs have not archived, one object
// per page. The checkpoint advances after each object, so a run resumes where the last one stopped
// and rows that expired in between cannot shift page boundaries. A crash between an object and its
// checkpoint rewrites the same object on the next run.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) (Result, error) {
	if a == nil || a.store == nil {
		return Result{}, errors.New("archive: not configured")
	}
	cur, err := a.checkpoint(ctx)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for {
		page, err := a.src.ListOlderThan(ctx, cutoff, cur, a.batchSize)
		if err != nil {
			return res, fmt.Errorf("archive: list: %w", err)
		}
		if len(page) == 0 {
			return res, nil
		}
		body, err := Encode(page)
		if err != nil {
			return res, err
		}
		key := ObjectKey(page[0])
		if err := a.store.Put(ctx, key, body, ContentType); err != nil {
			return res, err
		}
		last := page[len(page)-1]
		cur = repository.Cursor{Timestamp: last.Timestamp, EventID: last.EventID}
		if err := a.saveCheckpoint(ctx, cur); err != nil {
			return res, err
		}
		res.Objects++
		res.Events += int64(len(page))
		a.logger.InfoContext(ctx, "archived batch", "key", key, "events", len(page), "bytes", len(body))

		if len(page) < a.batchSize {
			return res, nil
		}
	}
}

type checkpointDoc struct {
	Timestamp int64  `json:"timestamp"`
	EventID   string `json:"eventId"`
}

// checkpoint returns the cursor after the last archived event, or the zero cursor before the first run.
func (a *Archiver) checkpoint(ctx context.Context) (repository.Cursor, error) {
	b, err := a.store.Get(ctx, CheckpointKey)
	if errors.Is(err, ErrNotFound) {
		return repository.Cursor{}, nil
	}
	if err != nil {
		return repository.Cursor{}, fmt.Errorf("archive: read checkpoint: %w", err)
	}
	var doc checkpointDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return repository.Cursor{}, fmt.Errorf("archive: decode checkpoint: %w", err)
	}
	return repository.Cursor{Timestamp: doc.Timestamp, EventID: doc.EventID}, nil
}

func (a *Archiver) saveCheckpoint(ctx context.Context, cur repository.Cursor) error {
	b, err := json.Marshal(checkpointDoc{Timestamp: cur.Timestamp, EventID: cur.EventID})
	if err != nil {
		return fmt.Errorf("archive: encode checkpoint: %w", err)
	}
	if err := a.store.Put(ctx, CheckpointKey, b, "application/json"); err != nil {
		return fmt.Errorf("archive: write checkpoint: %w", err)
	}
	return nil
}

// ObjectKey returns events/dt=YYYY-MM-DD/<timestamp>-<eventId>.jsonl.zst for the page starting at first.
func ObjectKey(first *domain.ProcessedEvent) string {
	ts := time.UnixMilli(first.Timestamp).UTC()
	return fmt.Sprintf("events/dt=%s/%d-%s.jsonl.zst", ts.Format("2006-01-02"), first.Timestamp, first.EventID)
}
