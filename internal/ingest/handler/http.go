// Package handler exposes the ingestion endpoints over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/respond"
	"telemetry-pipeline/internal/telemetry/domain"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Submitter is the ingestion service as seen by the handlers.
type Submitter interface {
	Submit(ctx context.Context, ev *domain.TelemetryEvent, req *domain.RequestContext) error
	SubmitBatch(ctx context.Context, events []domain.TelemetryEvent) (int, error)
}

// Handler serves POST /telemetry and POST /telemetry/batch.
type Handler struct {
	svc          Submitter
	maxBodyBytes int64
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New returns a Handler. m may be nil.
func New(svc Submitter, maxBodyBytes int64, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, maxBodyBytes: maxBodyBytes, metrics: m, logger: logger}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/telemetry", h.Single)
	r.Post("/telemetry/batch", h.Batch)
}

type batchRequest struct {
	Events []domain.TelemetryEvent `json:"events"`
}

// Single accepts one event.
func (h *Handler) Single(w http.ResponseWriter, r *http.Request) {
	var ev domain.TelemetryEvent
	if !h.decode(w, r, &ev) {
		return
	}
	err := h.svc.Submit(r.Context(), &ev, RequestContext(r))
	if h.fail(w, r, err) {
		return
	}
	h.metrics.EventReceived(string(ev.EventType), "single")
	respond.OK(w, "Event received")
}

// Batch accepts {events: [...]}. The batch is rejected whole if any event is invalid.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.svc.SubmitBatch(r.Context(), req.Events)
	if h.fail(w, r, err) {
		return
	}
	for i := range req.Events {
		h.metrics.EventReceived(string(req.Events[i].EventType), "batch")
	}
	respond.OK(w, fmt.Sprintf("Processed %d events", n))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	err := json.NewDecoder(body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.metrics.RequestRejected("too_large")
		respond.Error(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Payload exceeds %d bytes", tooLarge.Limit))
		return false
	}
	h.metrics.RequestRejected("malformed")
	respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload", []ingest.FieldError{decodeFieldError(err)})
	return false
}

func decodeFieldError(err error) ingest.FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return ingest.FieldError{Field: typeErr.Field, Message: "must be " + jsonKind(typeErr.Type.Kind().String())}
	}
	if errors.Is(err, io.EOF) {
		return ingest.FieldError{Field: "body", Message: "is required"}
	}
	return ingest.FieldError{Field: "body", Message: "malformed JSON: " + err.Error()}
}

func jsonKind(goKind string) string {
	switch {
	case strings.HasPrefix(goKind, "int"), strings.HasPrefix(goKind, "uint"), strings.HasPrefix(goKind, "float"):
		return "a number"
	case goKind == "string":
		return "a string"
	case goKind == "slice":
		return "an array"
	case goKind == "map", goKind == "struct":
		return "an object"
	case goKind == "bool":
		return "a boolean"
	}
	return "of type " + goKind
}

// fail writes the error response for err and reports whether it did.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	if ve, ok := ingest.AsValidationError(err); ok {
		h.metrics.RequestRejected("validation")
		respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload", ve.Fields)
		return true
	}
	if errors.Is(err, ingest.ErrPublish) {
		h.metrics.PublishFailed()
		h.logger.ErrorContext(r.Context(), "ingest publish failed", "error", err)
		respond.Error(w, http.StatusServiceUnavailable, "Event log unavailable, retry later")
		return true
	}
	h.logger.ErrorContext(r.Context(), "ingest failed", "error", err)
	respond.Error(w, http.StatusInternalServerError, "Internal server error")
	return true
}

// RequestContext captures the request attributes the processor uses for enrichment.
func RequestContext(r *http.Request) *domain.RequestContext {
	return &domain.RequestContext{
		SourceIP:       sourceIP(r),
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

func sourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
