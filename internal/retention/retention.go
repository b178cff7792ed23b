// Package retention enforces the storage lifecycle: archive aged events, expire them, close idle
// sessions and purge old ended sessions.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telemetry-pipeline/internal/archive"
	"telemetry-pipeline/internal/metrics"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("retention: run already in progress")

// Step names, also used as metric labels.
const (
	StepArchive        = "archive"
	StepExpire         = "expire"
	StepCloseSessions  = "close_idle_sessions"
	StepDeleteSessions = "delete_ended_sessions"
)

// EventStore expires analytical rows.
type EventStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore maintains the session side table.
type SessionStore interface {
	CloseIdle(ctx context.Context, idleBefore time.Time) (int64, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver copies rows older than a cutoff to cold storage.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time) (archive.Result, error)
}

// Policy holds the retention windows.
type Policy struct {
	EventTTL         time.Duration
	ArchiveAfter     time.Duration
	SessionIdle      time.Duration
	SessionRetention time.Duration
}

// archiveMargin keeps the default archive age ahead of the TTL so rows are archived before
// ClickHouse's own TTL merges can drop them.
const archiveMargin = 72 * time.Hour

// DefaultPolicy is 90 days for events and ended sessions, archival at 87 days and 30 minutes of
// session inactivity.
var DefaultPolicy = Policy{
	EventTTL:         90 * 24 * time.Hour,
	ArchiveAfter:     90*24*time.Hour - archiveMargin,
	SessionIdle:      30 * time.Minute,
	SessionRetention: 90 * 24 * time.Hour,
}

// Report is the outcome of one run.
type Report struct {
	StartedAt       time.Time
	Duration        time.Duration
	Archived        archive.Result
	ArchiveSkipped  bool
	Expired         int64
	SessionsClosed  int64
	SessionsDeleted int64
	// Failed lists steps that returned an error.
	Failed []string
}

type Service struct {
	events   EventStore
	sessions SessionStore
	archiver Archiver
	policy   Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	running  sync.Mutex
}

// New returns a Service. archiver may be nil when archiving is disabled. Zero policy fields fall
// back to DefaultPolicy, except ArchiveAfter which follows EventTTL minus the archive margin.
func New(events EventStore, sessions SessionStore, archiver Archiver, p Policy, m *metrics.Metrics, logger *slog.Logger) *Service {
	if p.EventTTL <= 0 {
		p.EventTTL = DefaultPolicy.EventTTL
	}
	if p.ArchiveAfter <= 0 {
		p.ArchiveAfter = p.EventTTL - archiveMargin
		if p.ArchiveAfter <= 0 {
			p.ArchiveAfter = p.EventTTL / 2
		}
	}
	if p.SessionIdle <= 0 {
		p.SessionIdle = DefaultPolicy.SessionIdle
	}
	if p.SessionRetention <= 0 {
		p.SessionRetention = DefaultPolicy.SessionRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		events:   events,
		sessions: sessions,
		archiver: archiver,
		policy:   p,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes every step once. Steps are independent: a failing step is recorded and the next one
// still runs, and archive failures never block expiry. Every step is safe to repeat. The returned
// error joins the step failures.
func (s *Service) Run(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	now := s.now()
	rep := Report{StartedAt: now}
	var errs []error
	step := func(name string, fn func() (int64, error)) {
		n, err := fn()
		s.metrics.RetentionStep(name, n, err)
		if err != nil {
			rep.Failed = append(rep.Failed, name)
			errs = append(errs, fmt.Errorf("retention: %s: %w", name, err))
			s.logger.ErrorContext(ctx, "retention step failed", "step", name, "error", err)
			return
		}
		s.logger.InfoContext(ctx, "retention step done", "step", name, "rows", n)
	}

	if s.archiver != nil {
		step(StepArchive, func() (int64, error) {
			res, err := s.archiver.Archive(ctx, now.Add(-s.policy.ArchiveAfter))
			rep.Archived = res
			return res.Events, err
		})
	} else {
		rep.ArchiveSkipped = true
	}
	if s.events != nil {
		step(StepExpire, func() (int64, error) {
			n, err := s.events.DeleteOlderThan(ctx, now.Add(-s.policy.EventTTL))
			rep.Expired = n
			return n, err
		})
	}
	if s.sessions != nil {
		step(StepCloseSessions, func() (int64, error) {
			n, err := s.sessions.CloseIdle(ctx, now.Add(-s.policy.SessionIdle))
			rep.SessionsClosed = n
			return n, err
		})
		step(StepDeleteSessions, func() (int64, error) {
			n, err := s.sessions.DeleteEndedBefore(ctx, now.Add(-s.policy.SessionRetention))
			rep.SessionsDeleted = n
			return n, err
		})
	}
	rep.Duration = s.now().Sub(now)
	return rep, errors.Join(errs...)
}
