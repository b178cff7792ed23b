// Package server assembles the HTTP router and the gRPC server of the ingestion service.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apikeymw "telemetry-pipeline/internal/apikey/middleware"
	cachehandler "telemetry-pipeline/internal/cache/handler"
	gdprhandler "telemetry-pipeline/internal/gdpr/handler"
	healthhandler "telemetry-pipeline/internal/health/handler"
	ingesthandler "telemetry-pipeline/internal/ingest/handler"
	"telemetry-pipeline/internal/metrics"
	remoteconfighandler "telemetry-pipeline/internal/remoteconfig/handler"
	"telemetry-pipeline/internal/respond"
)

// APIPrefix is the versioned mount point. Every API route is also served without it.
const APIPrefix = "/api/v1"

// RequestTimeout bounds handler execution.
const RequestTimeout = 30 * time.Second

// HTTPDeps holds the handlers the router mounts. Nil handlers are not mounted.
type HTTPDeps struct {
	Ingest       *ingesthandler.Handler
	GDPR         *gdprhandler.Handler
	RemoteConfig *remoteconfighandler.Handler
	Realtime     *cachehandler.Handler
	Health       *healthhandler.HTTP
	// Keys authenticates every API route. When nil the API routes are served unauthenticated, which
	// only the agent's local test server does.
	Keys    apikeymw.KeyLookup
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ServiceName names the server spans.
	ServiceName string
}

// NewRouter returns the service's HTTP handler: health and metrics at the root, API routes under
// APIPrefix and at the root, all traced by otelhttp.
func NewRouter(d HTTPDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(middleware.Timeout(RequestTimeout))

	if d.Health != nil {
		d.Health.Routes(r)
	}
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	api := func(r chi.Router) {
		if d.Keys != nil {
			r.Use(apikeymw.Authenticate(d.Keys, logger))
		}
		if d.Ingest != nil {
			d.Ingest.Routes(r)
		}
		if d.GDPR != nil {
			d.GDPR.Routes(r)
		}
		if d.RemoteConfig != nil {
			d.RemoteConfig.Routes(r)
		}
		if d.Realtime != nil {
			d.Realtime.Routes(r)
		}
	}
	r.Route(APIPrefix, api)
	r.Group(api)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	name := d.ServiceName
	if name == "" {
		name = "telemetry-server"
	}
	return otelhttp.NewHandler(r, name,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}))
}

// requestLogger logs one line per request at debug level, or warn for 5xx responses.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
