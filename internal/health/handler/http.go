// Package handler exposes the health checker over HTTP and the standard gRPC health service.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/health"
	"telemetry-pipeline/internal/respond"
)

// Checker is the readiness probe the handlers report.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// HTTP serves liveness and readiness.
type HTTP struct {
	checker Checker
}

func NewHTTP(c Checker) *HTTP {
	return &HTTP{checker: c}
}

// Routes mounts GET /health and GET /ready.
func (h *HTTP) Routes(r chi.Router) {
	r.Get("/health", h.Live)
	r.Get("/ready", h.Ready)
}

// Live reports that the process is serving. It never touches dependencies.
func (h *HTTP) Live(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every dependency probe and answers 503 when any is down.
func (h *HTTP) Ready(w http.ResponseWriter, r *http.Request) {
	rep := health.Report{Ready: true, Dependencies: map[string]health.Dependency{}}
	if h.checker != nil {
		rep = h.checker.Check(r.Context())
	}
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	respond.JSON(w, code, rep)
}
