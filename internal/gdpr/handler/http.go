// Package handler exposes the GDPR operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/audit"
	"telemetry-pipeline/internal/gdpr"
	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/respond"
)

// Operator is the GDPR service as seen by the handlers.
type Operator interface {
	Export(ctx context.Context, userID string) (*gdpr.Export, error)
	Delete(ctx context.Context, userID string) (*gdpr.Result, error)
	Anonymize(ctx context.Context, userID string) (*gdpr.Result, error)
}

// Auditor records each privacy request. *audit.Logger implements it.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

type Handler struct {
	svc     Operator
	auditor Auditor
	logger  *slog.Logger
}

// New returns the GDPR handler. auditor may be nil.
func New(svc Operator, auditor Auditor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, auditor: auditor, logger: logger}
}

// Routes mounts the path-parameter form and the {userId} body form of each operation.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/gdpr", func(r chi.Router) {
		r.Get("/export/{userId}", h.Export)
		r.Delete("/delete/{userId}", h.Delete)
		r.Post("/anonymize/{userId}", h.Anonymize)
		r.Post("/export", h.Export)
		r.Post("/delete", h.Delete)
		r.Post("/anonymize", h.Anonymize)
	})
}

type exportResponse struct {
	Success bool         `json:"success"`
	Data    *gdpr.Export `json:"data"`
}

type resultResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	AnonymousID string `json:"anonymousId,omitempty"`
	Sessions    int64  `json:"sessions"`
	CacheKeys   int64  `json:"cacheKeys"`
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Export(r.Context(), userID)
	var meta map[string]any
	if out != nil {
		meta = map[string]any{"events": len(out.Events), "sessions": len(out.Sessions), "truncated": out.Truncated}
	}
	h.audit(r, "export", userID, err, meta)
	if h.fail(w, r, "export", err) {
		return
	}
	respond.JSON(w, http.StatusOK, exportResponse{Success: true, Data: out})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Delete(r.Context(), userID)
	h.audit(r, "delete", userID, err, resultMeta(res))
	if h.fail(w, r, "delete", err) {
		return
	}
	respond.JSON(w, http.StatusOK, resultResponse{
		Success:   true,
		Message:   "User data deleted successfully",
		Sessions:  res.Sessions,
		CacheKeys: res.CacheKeys,
	})
}

func (h *Handler) Anonymize(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Anonymize(r.Context(), userID)
	h.audit(r, "anonymize", userID, err, resultMeta(res))
	if h.fail(w, r, "anonymize", err) {
		return
	}
	respond.JSON(w, http.StatusOK, resultResponse{
		Success:     true,
		Message:     "User data anonymized successfully",
		AnonymousID: res.AnonymousID,
		Sessions:    res.Sessions,
		CacheKeys:   res.CacheKeys,
	})
}

// userID reads the {userId} path parameter, falling back to a JSON body {"userId": "..."}.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := chi.URLParam(r, "userId"); id != "" {
		return id, true
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil || body.UserID == "" {
		respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload",
			[]ingest.FieldError{{Field: "userId", Message: "is required"}})
		return "", false
	}
	return body.UserID, true
}

func (h *Handler) audit(r *http.Request, action, userID string, err error, meta map[string]any) {
	if h.auditor == nil || errors.Is(err, gdpr.ErrInvalidUserID) {
		return
	}
	ip := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(ip); splitErr == nil {
		ip = host
	}
	h.auditor.Record(r.Context(), audit.Event{Action: action, UserID: userID, IP: ip, Err: err, Metadata: meta})
}

func resultMeta(res *gdpr.Result) map[string]any {
	if res == nil {
		return nil
	}
	return map[string]any{"sessions": res.Sessions, "cacheKeys": res.CacheKeys}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gdpr.ErrInvalidUserID) {
		respond.ErrorDetails(w, http.StatusBadRequest, "Invalid payload",
			[]ingest.FieldError{{Field: "userId", Message: "is required"}})
		return true
	}
	h.logger.ErrorContext(r.Context(), "gdpr operation failed", "op", op, "error", err)
	respond.Error(w, http.StatusInternalServerError, "Internal server error")
	return true
}
