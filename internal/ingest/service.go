// Package ingest validates telemetry envelopes and writes them to the durable log. It is the only path
// by which events enter the server side of the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
	"telemetry-pipeline/internal/telemetry/producer"
)

// ErrPublish wraps a failed log write. It is transient; callers should retry.
var ErrPublish = errors.New("ingest: publish failed")

// Service publishes accepted envelopes. One instance is shared by all HTTP handlers.
type Service struct {
	producer    producer.Producer
	topicPrefix string
	now         func() time.Time
}

// NewService returns a Service writing to topics named "<topicPrefix>-<eventType>".
func NewService(p producer.Producer, topicPrefix string) *Service {
	if topicPrefix == "" {
		topicPrefix = domain.DefaultTopicPrefix
	}
	return &Service{producer: p, topicPrefix: topicPrefix, now: time.Now}
}

// Submit validates ev and publishes it as a single-event envelope carrying req for enrichment.
func (s *Service) Submit(ctx context.Context, ev *domain.TelemetryEvent, req *domain.RequestContext) error {
	if fields := Validate(ev); len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	msg, err := s.message(ev.EventType, ev.SessionID, domain.Envelope{
		Events:  []domain.TelemetryEvent{*ev},
		Request: req,
	})
	if err != nil {
		return err
	}
	return s.publish(ctx, msg)
}

// SubmitBatch validates every event and, only if all pass, publishes them grouped by event type and
// session. Each group becomes one batch envelope keyed by its session, so a session's events stay on
// one partition in their original order. It returns the number of events accepted.
func (s *Service) SubmitBatch(ctx context.Context, events []domain.TelemetryEvent) (int, error) {
	if fields := ValidateBatch(events); len(fields) > 0 {
		return 0, &ValidationError{Fields: fields}
	}
	type groupKey struct {
		eventType domain.EventType
		sessionID string
	}
	var order []groupKey
	groups := make(map[groupKey][]domain.TelemetryEvent)
	for _, ev := range events {
		k := groupKey{ev.EventType, ev.SessionID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}
	msgs := make([]producer.Message, 0, len(order))
	for _, k := range order {
		msg, err := s.message(k.eventType, k.sessionID, domain.Envelope{Batch: true, Events: groups[k]})
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := s.publish(ctx, msgs...); err != nil {
		return 0, err
	}
	return len(events), nil
}

func (s *Service) message(t domain.EventType, sessionID string, env domain.Envelope) (producer.Message, error) {
	env.ReceivedAt = s.now().UnixMilli()
	b, err := json.Marshal(env)
	if err != nil {
		return producer.Message{}, fmt.Errorf("ingest: encode envelope: %w", err)
	}
	return producer.Message{
		Topic: domain.Topic(s.topicPrefix, t),
		Key:   []byte(sessionID),
		Value: b,
	}, nil
}

func (s *Service) publish(ctx context.Context, msgs ...producer.Message) error {
	if s.producer == nil {
		return fmt.Errorf("%w: no producer configured", ErrPublish)
	}
	if err := s.producer.Publish(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}
