// Package remoteconfig serves the configuration document SDKs poll: sampling rate, feature flags and
// free-form settings. Postgres holds the document; Redis caches it for an hour.
package remoteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-pipeline/internal/ingest"
)

const (
	// DefaultName is the document SDKs read when no name is given.
	DefaultName = "remote"
	// CacheTTL bounds a cached document.
	CacheTTL = time.Hour
)

// ErrStaleVersion is returned by Put when the stored document already has the same or a newer version.
var ErrStaleVersion = errors.New("remoteconfig: version is not newer than the stored document")

// Config is the remote configuration document.
type Config struct {
	Version      int64             `json:"version" validate:"gte=1"`
	SamplingRate *float64          `json:"samplingRate,omitempty" validate:"omitempty,gte=0,lte=1"`
	FeatureFlags map[string]bool   `json:"featureFlags,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

// Default is served until a document is stored.
func Default() *Config {
	rate := 1.0
	return &Config{Version: 1, SamplingRate: &rate, FeatureFlags: map[string]bool{}, Config: map[string]string{}}
}

// Store persists documents by name.
type Store interface {
	Get(ctx context.Context, name string) (*Config, error)
	Put(ctx context.Context, name string, c *Config) error
}

func cacheKey(name string) string { return "config:" + name }

type Service struct {
	store  Store
	rdb    redis.Cmdable
	logger *slog.Logger
}

// NewService returns a Service. store and rdb may each be nil; with neither, Get serves Default.
func NewService(store Store, rdb redis.Cmdable, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, rdb: rdb, logger: logger}
}

// Get returns the named document from cache, then the store, then Default. Cache failures are
// logged and fall through to the store.
func (s *Service) Get(ctx context.Context, name string) (*Config, error) {
	if name == "" {
		name = DefaultName
	}
	if c := s.cached(ctx, name); c != nil {
		return c, nil
	}
	var c *Config
	if s.store != nil {
		var err error
		if c, err = s.store.Get(ctx, name); err != nil {
			return nil, fmt.Errorf("remoteconfig: get %s: %w", name, err)
		}
	}
	if c == nil {
		c = Default()
	}
	s.cache(ctx, name, c)
	return c, nil
}

// Put validates and stores c, then refreshes the cache.
func (s *Service) Put(ctx context.Context, name string, c *Config) error {
	if name == "" {
		name = DefaultName
	}
	if c == nil {
		return &ingest.ValidationError{Fields: []ingest.FieldError{{Field: "body", Message: "is required"}}}
	}
	if fields := ingest.ValidateStruct(c); len(fields) > 0 {
		return &ingest.ValidationError{Fields: fields}
	}
	if s.store != nil {
		if err := s.store.Put(ctx, name, c); err != nil {
			return err
		}
	}
	s.cache(ctx, name, c)
	return nil
}

func (s *Service) cached(ctx context.Context, name string) *Config {
	if s.rdb == nil {
		return nil
	}
	b, err := s.rdb.Get(ctx, cacheKey(name)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WarnContext(ctx, "remote config cache read failed", "error", err)
		}
		return nil
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		s.logger.WarnContext(ctx, "remote config cache entry corrupt", "error", err)
		return nil
	}
	return &c
}

func (s *Service) cache(ctx context.Context, name string, c *Config) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(name), b, CacheTTL).Err(); err != nil {
		s.logger.WarnContext(ctx, "remote config cache write failed", "error", err)
	}
}
