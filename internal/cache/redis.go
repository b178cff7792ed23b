// Package cache holds the short-lived Redis views of processed events: a per-session recent event
// list, a per-user session index and per-second event counters.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-pipeline/internal/telemetry/domain"
)

const (
	// EventTTL bounds every cached event, session list and user index.
	EventTTL = 24 * time.Hour
	// SessionListCap is the number of most recent events kept per session.
	SessionListCap = 1000
	// CounterTTL bounds per-second counters.
	CounterTTL = time.Hour
)

func eventKey(sessionID string, ts int64) string { return fmt.Sprintf("event:%s:%d", sessionID, ts) }
func sessionEventsKey(sessionID string) string   { return "session:" + sessionID + ":events" }
func userSessionsKey(userID string) string       { return "user:" + userID + ":sessions" }
func counterKey(t domain.EventType, sec int64) string {
	return "metrics:" + string(t) + ":" + strconv.FormatInt(sec, 10)
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient returns a go-redis client. It does not dial until the first command.
func NewClient(o Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// EventCache caches processed events for quick session lookups.
type EventCache struct {
	rdb redis.Cmdable
}

func NewEventCache(rdb redis.Cmdable) *EventCache {
	return &EventCache{rdb: rdb}
}

// Put writes ev under event:<session>:<ts>, pushes it onto the session's list (capped at
// SessionListCap, newest first) and indexes the session under its user. All keys expire after EventTTL.
func (c *EventCache) Put(ctx context.Context, ev *domain.ProcessedEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cache: encode event: %w", err)
	}
	listKey := sessionEventsKey(ev.SessionID)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, eventKey(ev.SessionID, ev.Timestamp), b, EventTTL)
		p.LPush(ctx, listKey, b)
		p.LTrim(ctx, listKey, 0, SessionListCap-1)
		p.Expire(ctx, listKey, EventTTL)
		if ev.UserID != "" {
			userKey := userSessionsKey(ev.UserID)
			p.SAdd(ctx, userKey, ev.SessionID)
			p.Expire(ctx, userKey, EventTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// SessionEvents returns up to limit of the session's most recent cached events, newest first.
// limit <= 0 returns the whole list.
func (c *EventCache) SessionEvents(ctx context.Context, sessionID string, limit int) ([]domain.ProcessedEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := c.rdb.LRange(ctx, sessionEventsKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: session events: %w", err)
	}
	out := make([]domain.ProcessedEvent, 0, len(raw))
	for _, s := range raw {
		var ev domain.ProcessedEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("cache: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// UserSessions returns the session ids indexed for userID.
func (c *EventCache) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: user sessions: %w", err)
	}
	return ids, nil
}

// DeleteUser removes every cached key reachable from the user's session index and returns the number
// of keys deleted.
func (c *EventCache) DeleteUser(ctx context.Context, userID string) (int64, error) {
	ids, err := c.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	keys := []string{userSessionsKey(userID)}
	for _, id := range ids {
		keys = append(keys, sessionEventsKey(id))
		iter := c.rdb.Scan(ctx, 0, "event:"+id+":*", 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("cache: scan session %s: %w", id, err)
		}
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: delete user: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (c *EventCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
