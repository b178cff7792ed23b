// Package gdpr implements the data-subject operations: export, erasure and anonymization of every
// record the pipeline keeps for a user.
package gdpr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	sessiondomain "telemetry-pipeline/internal/session/domain"
	"telemetry-pipeline/internal/telemetry/domain"
)

// ExportLimit caps the events included in one export.
const ExportLimit = 10000

// ErrInvalidUserID is returned for an empty user id.
var ErrInvalidUserID = errors.New("gdpr: user id is required")

// EventStore is the analytical store's user surface.
type EventStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ProcessedEvent, error)
	DeleteByUser(ctx context.Context, userID string) error
	AnonymizeUser(ctx context.Context, userID, anonID string) error
}

// SessionStore is the session side table's user surface.
type SessionStore interface {
	ListByUser(ctx context.Context, userID string) ([]*sessiondomain.Session, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	AnonymizeUser(ctx context.Context, userID, anonID string) (int64, error)
}

// Cache is the real-time cache's user surface.
type Cache interface {
	DeleteUser(ctx context.Context, userID string) (int64, error)
}

// Export is everything stored for one user.
type Export struct {
	UserID     string                   `json:"userId"`
	ExportedAt time.Time                `json:"exportedAt"`
	Sessions   []*sessiondomain.Session `json:"sessions"`
	Events     []*domain.ProcessedEvent `json:"events"`
	Truncated  bool                     `json:"truncated,omitempty"`
}

// Result counts what an erasure or anonymization touched. The analytical store applies mutations
// without reporting row counts.
type Result struct {
	UserID      string `json:"userId"`
	AnonymousID string `json:"anonymousId,omitempty"`
	Sessions    int64  `json:"sessions"`
	CacheKeys   int64  `json:"cacheKeys"`
}

// Service fans each operation out to every store. Any store may be nil when not configured.
type Service struct {
	events   EventStore
	sessions SessionStore
	cache    Cache
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(events EventStore, sessions SessionStore, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{events: events, sessions: sessions, cache: cache, logger: logger, now: time.Now}
}

// AnonymousID returns the replacement id for a user anonymized at t.
func AnonymousID(t time.Time) string {
	return "anonymous_" + strconv.FormatInt(t.UnixMilli(), 10)
}

func checkUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	return nil
}

// Export collects the user's sessions and up to ExportLimit most recent events.
func (s *Service) Export(ctx context.Context, userID string) (*Export, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	out := &Export{
		UserID:     userID,
		ExportedAt: s.now().UTC(),
		Sessions:   []*sessiondomain.Session{},
		Events:     []*domain.ProcessedEvent{},
	}
	if s.sessions != nil {
		sessions, err := s.sessions.ListByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("gdpr: export sessions: %w", err)
		}
		if sessions != nil {
			out.Sessions = sessions
		}
	}
	if s.events != nil {
		events, err := s.events.ListByUser(ctx, userID, ExportLimit)
		if err != nil {
			return nil, fmt.Errorf("gdpr: export events: %w", err)
		}
		if events != nil {
			out.Events = events
		}
		out.Truncated = len(events) >= ExportLimit
	}
	s.logger.InfoContext(ctx, "gdpr export", "sessions", len(out.Sessions), "events", len(out.Events))
	return out, nil
}

// Delete erases the user from every store. Each store is attempted even if an earlier one failed;
// the operation is idempotent so a failed request can simply be repeated.
func (s *Service) Delete(ctx context.Context, userID string) (*Result, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	res := &Result{UserID: userID}
	var errs []error
	if s.events != nil {
		if err := s.events.DeleteByUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("gdpr: delete events: %w", err))
		}
	}
	if s.sessions != nil {
		n, err := s.sessions.DeleteByUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gdpr: delete sessions: %w", err))
		}
		res.Sessions = n
	}
	if s.cache != nil {
		n, err := s.cache.DeleteUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gdpr: delete cache: %w", err))
		}
		res.CacheKeys = n
	}
	if err := errors.Join(errs...); err != nil {
		return res, err
	}
	s.logger.InfoContext(ctx, "gdpr delete", "sessions", res.Sessions, "cache_keys", res.CacheKeys)
	return res, nil
}

// Anonymize replaces the user id with a fresh anonymous id in the durable stores. Cached entries,
// which expire within a day anyway, are dropped instead of rewritten.
func (s *Service) Anonymize(ctx context.Context, userID string) (*Result, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	anonID := AnonymousID(s.now())
	res := &Result{UserID: userID, AnonymousID: anonID}
	var errs []error
	if s.events != nil {
		if err := s.events.AnonymizeUser(ctx, userID, anonID); err != nil {
			errs = append(errs, fmt.Errorf("gdpr: anonymize events: %w", err))
		}
	}
	if s.sessions != nil {
		n, err := s.sessions.AnonymizeUser(ctx, userID, anonID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gdpr: anonymize sessions: %w", err))
		}
		res.Sessions = n
	}
	if s.cache != nil {
		n, err := s.cache.DeleteUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gdpr: drop cache: %w", err))
		}
		res.CacheKeys = n
	}
	if err := errors.Join(errs...); err != nil {
		return res, err
	}
	s.logger.InfoContext(ctx, "gdpr anonymize", "anonymous_id", anonID, "sessions", res.Sessions)
	return res, nil
}
