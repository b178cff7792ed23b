package domain

import "time"

// Outcome values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// AuditLog records one privacy request. SubjectHash is an unkeyed BLAKE2b-256 digest of the user id, so
// the trail survives deletion without retaining the identifier itself.
type AuditLog struct {
	ID          string    `db:"id"`
	Action      string    `db:"action"`
	SubjectHash string    `db:"subject_hash"`
	KeyID       string    `db:"key_id"`
	IP          string    `db:"ip"`
	Outcome     string    `db:"outcome"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}
