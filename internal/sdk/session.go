package sdk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-pipeline/internal/telemetry/domain"
)

const (
	actionSessionStart = "session_start"
	actionSessionEnd   = "session_end"
	actionScreenView   = "screen_view"
)

type session struct {
	mu         sync.Mutex
	id         string
	startedAt  time.Time
	lastActive time.Time
}

// SessionID returns the current session id, or "" before the first session starts.
func (c *Client) SessionID() string {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.session.id
}

// Foregrounded marks the app active. After more than the session timeout in the background the old
// session is ended and a new one begins.
func (c *Client) Foregrounded(ctx context.Context) error {
	if !c.consent.Load() {
		return nil
	}
	_, err := c.currentSession(ctx)
	return err
}

// Backgrounded records the moment the app left the foreground.
func (c *Client) Backgrounded() {
	c.session.mu.Lock()
	c.session.lastActive = c.now()
	c.session.mu.Unlock()
}

// ScreenShown captures a screen view in the current session.
func (c *Client) ScreenShown(ctx context.Context, name string) error {
	if !c.consent.Load() {
		return nil
	}
	id, err := c.currentSession(ctx)
	if err != nil {
		return err
	}
	return c.Capture(ctx, c.interaction(id, actionScreenView, map[string]domain.Value{
		"screen": domain.String(name),
	}))
}

// currentSession returns the live session id, rotating it when the previous one went idle.
func (c *Client) currentSession(ctx context.Context) (string, error) {
	now := c.now()
	s := &c.session
	s.mu.Lock()
	if s.id != "" && now.Sub(s.lastActive) <= c.cfg.SessionTimeout {
		s.lastActive = now
		id := s.id
		s.mu.Unlock()
		return id, nil
	}
	oldID, oldStart, oldLast := s.id, s.startedAt, s.lastActive
	s.id = uuid.NewString()
	s.startedAt = now
	s.lastActive = now
	id := s.id
	s.mu.Unlock()

	if oldID != "" {
		end := c.interaction(oldID, actionSessionEnd, map[string]domain.Value{
			"durationMs": domain.Number(float64(oldLast.Sub(oldStart).Milliseconds())),
		})
		end.Timestamp = oldLast.UnixMilli()
		if err := c.enqueue(ctx, end); err != nil {
			return id, err
		}
	}
	c.logger.Debug("session started", "session_id", id)
	return id, c.enqueue(ctx, c.interaction(id, actionSessionStart, nil))
}

func (c *Client) interaction(sessionID, action string, extra map[string]domain.Value) domain.TelemetryEvent {
	data := map[string]domain.Value{"action": domain.String(action)}
	for k, v := range extra {
		data[k] = v
	}
	return domain.TelemetryEvent{
		SessionID: sessionID,
		EventType: domain.EventTypeInteraction,
		Data:      data,
	}
}
