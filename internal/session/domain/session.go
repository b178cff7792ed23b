package domain

import "time"

// Session is the relational side-table row derived from a session's events.
type Session struct {
	ID             string     `db:"id" json:"id"`
	UserID         *string    `db:"user_id" json:"userId,omitempty"`
	StartedAt      time.Time  `db:"started_at" json:"startedAt"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"lastActivityAt"`
	EndedAt        *time.Time `db:"ended_at" json:"endedAt,omitempty"`
}

// Open reports whether the session has not ended.
func (s *Session) Open() bool { return s.EndedAt == nil }
