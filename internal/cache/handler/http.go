// Package handler serves read-only views of the real-time cache.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/cache"
	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/respond"
	"telemetry-pipeline/internal/telemetry/domain"
)

const (
	defaultWindow = time.Minute
	defaultLimit  = 100
)

type RateReader interface {
	Rate(ctx context.Context, eventType domain.EventType, from, to time.Time) ([]cache.Bucket, error)
}

type SessionReader interface {
	SessionEvents(ctx context.Context, sessionID string, limit int) ([]domain.ProcessedEvent, error)
}

type Handler struct {
	rates    RateReader
	sessions SessionReader
	logger   *slog.Logger
	now      func() time.Time
}

func New(rates RateReader, sessions SessionReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{rates: rates, sessions: sessions, logger: logger, now: time.Now}
}

// Routes mounts GET /realtime/{eventType}/rate?window=<seconds> and
// GET /sessions/{sessionId}/events?limit=<n>.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/realtime/{eventType}/rate", h.Rate)
	r.Get("/sessions/{sessionId}/events", h.SessionEvents)
}

type rateResponse struct {
	EventType domain.EventType `json:"eventType"`
	Total     int64            `json:"total"`
	Buckets   []cache.Bucket   `json:"buckets"`
}

func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	et := domain.EventType(chi.URLParam(r, "eventType"))
	if !et.Valid() {
		badRequest(w, "eventType", "unknown event type")
		return
	}
	window := defaultWindow
	if s := r.URL.Query().Get("window"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || time.Duration(n)*time.Second > cache.CounterTTL {
			badRequest(w, "window", "must be between 1 and 3600 seconds")
			return
		}
		window = time.Duration(n) * time.Second
	}
	to := h.now()
	buckets, err := h.rates.Rate(r.Context(), et, to.Add(-window+time.Second), to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "rate read failed", "error", err)
		respond.Error(w, http.StatusServiceUnavailable, "Cache unavailable")
		return
	}
	resp := rateResponse{EventType: et, Buckets: buckets}
	for _, b := range buckets {
		resp.Total += b.Count
	}
	respond.JSON(w, http.StatusOK, resp)
}

func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > cache.SessionListCap {
			badRequest(w, "limit", "must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := h.sessions.SessionEvents(r.Context(), chi.URLParam(r, "sessionId"), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "session events read failed", "error", err)
		respond.Error(w, http.StatusServiceUnavailable, "Cache unavailable")
		return
	}
	if events == nil {
		events = []domain.ProcessedEvent{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"sessionId": chi.URLParam(r, "sessionId"), "events": events})
}

func badRequest(w http.ResponseWriter, field, msg string) {
	respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload", []ingest.FieldError{{Field: field, Message: msg}})
}
