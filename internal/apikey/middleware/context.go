package middleware

import (
	"context"

	"telemetry-pipeline/internal/apikey/domain"
)

type contextKey struct{ name string }

var principalKey = contextKey{"api_key_principal"}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the principal set by Authenticate and true if present.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}
