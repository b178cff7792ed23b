// Package sdk is the device-side telemetry client. Events are captured into a durable local queue
// and uploaded in batches by a background loop; capture never waits on the network.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/redaction"
	"telemetry-pipeline/internal/sdk/queue"
	"telemetry-pipeline/internal/sdk/transport"
	"telemetry-pipeline/internal/telemetry/domain"
)

var (
	ErrAlreadyStarted  = errors.New("sdk: client already started")
	ErrFlushInProgress = errors.New("sdk: flush already in progress")
	ErrBackingOff      = errors.New("sdk: upload backoff in effect")
	ErrClosed          = errors.New("sdk: client closed")
)

const (
	DefaultBatchSize       = 50
	DefaultFlushInterval   = 30 * time.Second
	DefaultMaxStorageBytes = 10 << 20
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultUploadTimeout   = transport.DefaultTimeout
	DefaultSessionTimeout  = 30 * time.Minute

	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
)

// Queue is the durable store behind the client. *queue.Queue implements it.
type Queue interface {
	Enqueue(ctx context.Context, ev domain.TelemetryEvent) (queue.Record, error)
	Pending(ctx context.Context, limit int) ([]queue.Record, error)
	MarkUploaded(ctx context.Context, ids []int64) (int, error)
	RecordFailure(ctx context.Context, ids []int64) (int, error)
	PendingCount(ctx context.Context) (int64, error)
	EnforceStorageLimit(ctx context.Context, maxBytes int64) (int, error)
	PurgeUploaded(ctx context.Context, olderThan time.Time) (int, error)
	DropExhausted(ctx context.Context, maxAttempts int) (int, error)
	DeleteByUser(ctx context.Context, userID string) (int, error)
	Close() error
}

// Uploader sends one batch. *transport.HTTPUploader implements it.
type Uploader interface {
	Upload(ctx context.Context, events []domain.TelemetryEvent) error
}

// Config tunes the client. Zero values take the defaults above.
type Config struct {
	BatchSize       int           `json:"batchSize" validate:"gte=0,lte=1000"`
	FlushInterval   time.Duration `json:"flushInterval" validate:"gte=0"`
	MaxStorageBytes int64         `json:"maxStorageBytes" validate:"gte=0"`
	Retention       time.Duration `json:"retention" validate:"gte=0"`
	UploadTimeout   time.Duration `json:"uploadTimeout" validate:"gte=0"`
	SessionTimeout  time.Duration `json:"sessionTimeout" validate:"gte=0"`
	// MaxUploadAttempts drops records that failed this many uploads; 0 keeps them forever.
	MaxUploadAttempts int `json:"maxUploadAttempts" validate:"gte=0"`
	// SamplingRate keeps this fraction of non-crash events; 0 means 1.
	SamplingRate float64 `json:"samplingRate" validate:"gte=0,lte=1"`
	// RedactPII scrubs events before they are written to the queue.
	RedactPII bool `json:"redactPii"`
	// RequireConsent drops every capture until SetConsent(true).
	RequireConsent bool `json:"requireConsent"`
	// Device is stamped on events that carry no device info.
	Device domain.DeviceInfo `json:"device" validate:"-"`
	Logger *slog.Logger      `json:"-" validate:"-"`
}

func (c *Config) withDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxStorageBytes == 0 {
		c.MaxStorageBytes = DefaultMaxStorageBytes
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Uploaded  int
	Failed    int
	Remaining int64
}

// Client owns the queue, the upload loop and the session state. Create it with New.
type Client struct {
	cfg      Config
	queue    Queue
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
	sample   func() float64

	flushing atomic.Bool
	consent  atomic.Bool
	trigger  chan struct{}

	boMu    sync.Mutex
	bo      *backoff.ExponentialBackOff
	retryAt time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	userID  string

	session session
}

// New validates cfg and returns a client that has not started its loop.
func New(cfg Config, q Queue, u Uploader) (*Client, error) {
	if q == nil || u == nil {
		return nil, fmt.Errorf("sdk: queue and uploader are required")
	}
	if fields := ingest.ValidateStruct(cfg); len(fields) > 0 {
		return nil, fmt.Errorf("sdk: invalid config: %w", &ingest.ValidationError{Fields: fields})
	}
	cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	c := &Client{
		cfg:      cfg,
		queue:    q,
		uploader: u,
		logger:   cfg.Logger.With("component", "sdk"),
		now:      time.Now,
		sample:   rand.Float64,
		trigger:  make(chan struct{}, 1),
		bo:       bo,
	}
	c.consent.Store(!cfg.RequireConsent)
	return c, nil
}

// Start launches the periodic flush and cleanup loop. It runs until ctx is canceled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.autoFlush(ctx)
			c.maintain(ctx)
		case <-c.trigger:
			c.autoFlush(ctx)
		}
	}
}

func (c *Client) autoFlush(ctx context.Context) {
	res, err := c.flush(ctx, true)
	switch {
	case err == nil:
		if res.Remaining >= int64(c.cfg.BatchSize) {
			c.kick()
		}
	case errors.Is(err, ErrBackingOff), errors.Is(err, ErrFlushInProgress), ctx.Err() != nil:
	default:
		c.logger.Warn("flush failed", "error", err, "failed", res.Failed)
	}
}

func (c *Client) maintain(ctx context.Context) {
	if n, err := c.queue.EnforceStorageLimit(ctx, c.cfg.MaxStorageBytes); err != nil {
		c.logger.Warn("enforce storage limit", "error", err)
	} else if n > 0 {
		c.logger.Info("evicted oldest pending events", "count", n, "max_bytes", c.cfg.MaxStorageBytes)
	}
	if _, err := c.queue.PurgeUploaded(ctx, c.now().Add(-c.cfg.Retention)); err != nil {
		c.logger.Warn("purge uploaded", "error", err)
	}
	if c.cfg.MaxUploadAttempts > 0 {
		if n, err := c.queue.DropExhausted(ctx, c.cfg.MaxUploadAttempts); err != nil {
			c.logger.Warn("drop exhausted", "error", err)
		} else if n > 0 {
			c.logger.Info("dropped events after repeated upload failures", "count", n)
		}
	}
}

func (c *Client) kick() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Capture fills in session, user and device fields, applies sampling and redaction, and writes the
// event to the queue. A full batch wakes the upload loop.
func (c *Client) Capture(ctx context.Context, ev domain.TelemetryEvent) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.consent.Load() {
		return nil
	}
	if ev.EventType != domain.EventTypeCrash && c.cfg.SamplingRate < 1 && c.sample() >= c.cfg.SamplingRate {
		return nil
	}
	if ev.SessionID == "" {
		id, err := c.currentSession(ctx)
		if err != nil {
			return err
		}
		ev.SessionID = id
	}
	return c.enqueue(ctx, ev)
}

func (c *Client) enqueue(ctx context.Context, ev domain.TelemetryEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = c.now().UnixMilli()
	}
	if ev.UserID == "" {
		c.mu.Lock()
		ev.UserID = c.userID
		c.mu.Unlock()
	}
	if ev.DeviceInfo == (domain.DeviceInfo{}) {
		ev.DeviceInfo = c.cfg.Device
	}
	if ev.Data == nil {
		ev.Data = map[string]domain.Value{}
	}
	if c.cfg.RedactPII {
		redaction.RedactEvent(&ev)
	}
	if _, err := c.queue.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("sdk: capture: %w", err)
	}
	n, err := c.queue.PendingCount(ctx)
	if err != nil {
		c.logger.Debug("pending count", "error", err)
		return nil
	}
	if n >= int64(c.cfg.BatchSize) {
		c.kick()
	}
	return nil
}

// Flush uploads up to one batch of the oldest pending events now, ignoring any backoff.
func (c *Client) Flush(ctx context.Context) (FlushResult, error) {
	return c.flush(ctx, false)
}

func (c *Client) flush(ctx context.Context, auto bool) (FlushResult, error) {
	if auto && c.backingOff() {
		return FlushResult{}, ErrBackingOff
	}
	if !c.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, ErrFlushInProgress
	}
	defer c.flushing.Store(false)

	var res FlushResult
	recs, err := c.queue.Pending(ctx, c.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("sdk: read pending: %w", err)
	}
	if len(recs) == 0 {
		return res, nil
	}
	ids := make([]int64, len(recs))
	events := make([]domain.TelemetryEvent, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
		events[i] = r.Event
	}

	uctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	err = c.uploader.Upload(uctx, events)
	cancel()
	if err != nil {
		res.Failed = len(ids)
		if _, ferr := c.queue.RecordFailure(ctx, ids); ferr != nil {
			err = errors.Join(err, ferr)
		}
		delay := c.fail()
		if errors.Is(err, transport.ErrRejected) {
			c.logger.Warn("batch rejected by server", "events", len(ids), "error", err)
		}
		c.logger.Debug("upload backoff", "delay", delay)
		res.Remaining, _ = c.queue.PendingCount(ctx)
		return res, fmt.Errorf("sdk: upload: %w", err)
	}
	c.succeed()
	n, err := c.queue.MarkUploaded(ctx, ids)
	res.Uploaded = n
	if err != nil {
		return res, fmt.Errorf("sdk: mark uploaded: %w", err)
	}
	res.Remaining, err = c.queue.PendingCount(ctx)
	if err != nil {
		return res, fmt.Errorf("sdk: pending count: %w", err)
	}
	return res, nil
}

func (c *Client) backingOff() bool {
	c.boMu.Lock()
	defer c.boMu.Unlock()
	return c.now().Before(c.retryAt)
}

func (c *Client) fail() time.Duration {
	c.boMu.Lock()
	defer c.boMu.Unlock()
	d := c.bo.NextBackOff()
	c.retryAt = c.now().Add(d)
	return d
}

func (c *Client) succeed() {
	c.boMu.Lock()
	defer c.boMu.Unlock()
	c.bo.Reset()
	c.retryAt = time.Time{}
}

// Identify attaches userID to subsequently captured events. An empty id clears it.
func (c *Client) Identify(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// SetConsent grants or withdraws collection consent. While withdrawn, Capture and the session
// helpers record nothing; events already queued are still uploaded.
func (c *Client) SetConsent(granted bool) {
	c.consent.Store(granted)
	if !granted {
		c.logger.Info("collection consent withdrawn")
	}
}

// HasConsent reports whether events are currently collected.
func (c *Client) HasConsent() bool { return c.consent.Load() }

// ForgetUser removes the user's events that are still on the device.
func (c *Client) ForgetUser(ctx context.Context, userID string) (int, error) {
	n, err := c.queue.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("sdk: forget user: %w", err)
	}
	c.mu.Lock()
	if c.userID == userID {
		c.userID = ""
	}
	c.mu.Unlock()
	return n, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the loop, attempts a final flush and closes the queue. Calling it twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var errs []error
	if _, err := c.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sdk: close queue: %w", err))
	}
	return errors.Join(errs...)
}
