package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-pipeline/internal/telemetry/domain"
)

// Bucket is one second of a per-type event rate.
type Bucket struct {
	At    time.Time `json:"at"`
	Count int64     `json:"count"`
}

// Counters keeps per-type, per-second event counts.
type Counters struct {
	rdb redis.Cmdable
}

func NewCounters(rdb redis.Cmdable) *Counters {
	return &Counters{rdb: rdb}
}

// Incr counts one event of eventType in the second containing at.
func (c *Counters) Incr(ctx context.Context, eventType domain.EventType, at time.Time) error {
	key := counterKey(eventType, at.Unix())
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, key)
		p.Expire(ctx, key, CounterTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return nil
}

// Rate returns one bucket per second in [from, to], zero-filled where no events were counted.
func (c *Counters) Rate(ctx context.Context, eventType domain.EventType, from, to time.Time) ([]Bucket, error) {
	start, end := from.Unix(), to.Unix()
	if end < start {
		return nil, fmt.Errorf("cache: rate: to before from")
	}
	if end-start >= int64(CounterTTL/time.Second) {
		start = end - int64(CounterTTL/time.Second) + 1
	}
	keys := make([]string, 0, end-start+1)
	for s := start; s <= end; s++ {
		keys = append(keys, counterKey(eventType, s))
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: rate: %w", err)
	}
	out := make([]Bucket, len(keys))
	for i, v := range vals {
		out[i].At = time.Unix(start+int64(i), 0).UTC()
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cache: rate: parse %q: %w", s, err)
			}
			out[i].Count = n
		}
	}
	return out, nil
}
