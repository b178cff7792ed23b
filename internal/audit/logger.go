// Package audit keeps a durable trail of privacy requests (export, delete, anonymize). Writes are
// best-effort: a failed audit insert is logged and never fails the request it describes.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	apikeymw "telemetry-pipeline/internal/apikey/middleware"
	"telemetry-pipeline/internal/audit/domain"
	auditrepo "telemetry-pipeline/internal/audit/repository"
)

// Event is one request to record.
type Event struct {
	Action   string
	UserID   string
	IP       string
	Err      error
	Metadata map[string]any
}

// Logger implements the handlers' auditor using the audit repository.
type Logger struct {
	repo   auditrepo.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger returns a Logger that persists to repo. A nil repo makes Record a no-op.
func NewLogger(repo auditrepo.Repository, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{repo: repo, logger: logger, now: time.Now}
}

// SubjectHash is the stored form of a user id.
func SubjectHash(userID string) string {
	sum := blake2b.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// Record writes one audit entry. The calling API key is taken from ctx when present.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if l == nil || l.repo == nil {
		return
	}
	ip := ev.IP
	if ip == "" {
		ip = "unknown"
	}
	entry := &domain.AuditLog{
		ID:          uuid.NewString(),
		Action:      ev.Action,
		SubjectHash: SubjectHash(ev.UserID),
		IP:          ip,
		Outcome:     domain.OutcomeOK,
		CreatedAt:   l.now().UTC(),
	}
	if p, ok := apikeymw.GetPrincipal(ctx); ok {
		entry.KeyID = p.KeyID
	}
	meta := ev.Metadata
	if ev.Err != nil {
		entry.Outcome = domain.OutcomeError
		meta = make(map[string]any, len(ev.Metadata)+1)
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		meta["error"] = ev.Err.Error()
	}
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err == nil {
			entry.Metadata = string(b)
		}
	}
	if err := l.repo.Create(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.WarnContext(ctx, "audit write failed", "action", ev.Action, "error", err)
	}
}
