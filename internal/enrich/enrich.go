// Package enrich derives server-side attributes for an event from the request that carried it.
package enrich

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"telemetry-pipeline/internal/telemetry/domain"
)

// DefaultGeoTimeout bounds one geolocation lookup.
const DefaultGeoTimeout = 200 * time.Millisecond

// Enricher fills domain.Enrichment. Every lookup is best-effort: a failure leaves its field empty.
type Enricher struct {
	geo        GeoLocator
	geoTimeout time.Duration
	logger     *slog.Logger
}

// New returns an Enricher. geo may be nil to disable geolocation.
func New(geo GeoLocator, geoTimeout time.Duration, logger *slog.Logger) *Enricher {
	if geoTimeout <= 0 {
		geoTimeout = DefaultGeoTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{geo: geo, geoTimeout: geoTimeout, logger: logger}
}

// Enrich derives geo, user agent and fingerprint for ev. req may be nil, which yields an empty
// enrichment.
func (e *Enricher) Enrich(ctx context.Context, ev *domain.TelemetryEvent, req *domain.RequestContext) domain.Enrichment {
	var out domain.Enrichment
	if req == nil {
		return out
	}
	out.Geo = e.lookupGeo(ctx, req.SourceIP)
	out.UserAgent = ParseUserAgent(req.UserAgent)
	out.Fingerprint = Fingerprint(req, ev)
	return out
}

func (e *Enricher) lookupGeo(ctx context.Context, ip string) *domain.Geo {
	if e.geo == nil || ip == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.geoTimeout)
	defer cancel()
	g, err := e.geo.Lookup(ctx, ip)
	if err != nil {
		e.logger.DebugContext(ctx, "geo lookup skipped", "error", err)
		return nil
	}
	return g
}

// ParseUserAgent returns nil for an empty header.
func ParseUserAgent(header string) *domain.UserAgent {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	ua := useragent.New(header)
	name, version := ua.Browser()
	return &domain.UserAgent{
		Browser:        name,
		BrowserVersion: version,
		OS:             ua.OS(),
		Platform:       ua.Platform(),
		Mobile:         ua.Mobile(),
	}
}

// Fingerprint hashes the request headers that identify a client together with the event's
// client-declared screen metadata (data keys prefixed "screen"). It returns "" when there is
// nothing to hash.
func Fingerprint(req *domain.RequestContext, ev *domain.TelemetryEvent) string {
	var parts []string
	if req != nil {
		parts = append(parts, "ua="+req.UserAgent, "lang="+req.AcceptLanguage, "enc="+req.AcceptEncoding)
	}
	var screen []string
	if ev != nil {
		for k, v := range ev.Data {
			if !strings.HasPrefix(k, "screen") {
				continue
			}
			b, err := v.MarshalJSON()
			if err != nil {
				continue
			}
			screen = append(screen, k+"="+string(b))
		}
	}
	sort.Strings(screen)
	parts = append(parts, screen...)

	empty := len(screen) == 0 && (req == nil || req.UserAgent == "" && req.AcceptLanguage == "" && req.AcceptEncoding == "")
	if empty {
		return ""
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
