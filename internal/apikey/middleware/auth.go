// Package middleware authenticates HTTP requests by API key.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"telemetry-pipeline/internal/apikey/domain"
	"telemetry-pipeline/internal/respond"
)

const bearerPrefix = "bearer "

// KeyLookup is the subset of the API key repository the middleware needs.
type KeyLookup interface {
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Authenticate resolves the request's API key and attaches its principal to the request context.
// The key is read from "Authorization: Bearer <key>", a bare Authorization value, or x-api-key.
// Failures: missing 401, unknown 401, inactive 403, store error 500. last_used_at is updated once per
// authenticated request; a failed update is logged and does not reject the request.
func Authenticate(keys KeyLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractKey(r)
			if raw == "" {
				respond.Error(w, http.StatusUnauthorized, "Missing API key")
				return
			}
			ctx := r.Context()
			k, err := keys.GetByHash(ctx, domain.HashKey(raw))
			if err != nil {
				logger.ErrorContext(ctx, "api key lookup failed", "error", err)
				respond.Error(w, http.StatusInternalServerError, "Authentication error")
				return
			}
			if k == nil {
				respond.Error(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			if !k.Active {
				respond.Error(w, http.StatusForbidden, "API key is inactive")
				return
			}
			if err := keys.TouchLastUsed(ctx, k.ID, time.Now().UTC()); err != nil {
				logger.WarnContext(ctx, "api key last_used update failed", "key_id", k.ID, "error", err)
			}
			ctx = WithPrincipal(ctx, domain.Principal{KeyID: k.ID, Label: k.Label})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractKey returns the raw API key from the request headers, or "" if none is present.
func ExtractKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(v[len(bearerPrefix):])
		}
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Api-Key"))
}
