// Package handler exposes the remote configuration document over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/respond"
)

// Configs is the remote config service as seen by the handlers.
type Configs interface {
	Get(ctx context.Context, name string) (*remoteconfig.Config, error)
	Put(ctx context.Context, name string, c *remoteconfig.Config) error
}

type Handler struct {
	svc    Configs
	logger *slog.Logger
}

func New(svc Configs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts GET and POST /config. The optional ?name= query selects a document.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/config", h.Get)
	r.Post("/config", h.Put)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "remote config read failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	var c remoteconfig.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&c); err != nil {
		respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload",
			[]ingest.FieldError{{Field: "body", Message: "malformed JSON: " + err.Error()}})
		return
	}
	err := h.svc.Put(r.Context(), r.URL.Query().Get("name"), &c)
	if ve, ok := ingest.AsValidationError(err); ok {
		respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload", ve.Fields)
		return
	}
	if errors.Is(err, remoteconfig.ErrStaleVersion) {
		respond.Error(w, http.StatusConflict, "Config version must be newer than the stored version")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "remote config write failed", "error", err)
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respond.OK(w, "Config updated")
}
