// Package processor turns log envelopes into stored events: enrich, redact, aggregate, persist.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telemetry-pipeline/internal/enrich"
	"telemetry-pipeline/internal/ingest"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/redaction"
	"telemetry-pipeline/internal/telemetry"
	"telemetry-pipeline/internal/telemetry/domain"
)

// ErrDeadLetter marks a message that can never be processed. The consumer logs, counts and commits
// it instead of retrying.
var ErrDeadLetter = errors.New("processor: dead letter")

// Store is the analytical store as seen by the processor.
type Store interface {
	InsertEvents(ctx context.Context, events []*domain.ProcessedEvent) error
}

// EventCache caches processed events.
type EventCache interface {
	Put(ctx context.Context, ev *domain.ProcessedEvent) error
}

// Counters counts events per type and second.
type Counters interface {
	Incr(ctx context.Context, eventType domain.EventType, at time.Time) error
}

// Sessions maintains the session side table.
type Sessions interface {
	Touch(ctx context.Context, id, userID string, at time.Time) error
	End(ctx context.Context, id string, at time.Time) error
}

// Deps are the processor's collaborators. Store is required; the rest are optional and best-effort.
type Deps struct {
	Enricher *enrich.Enricher
	Store    Store
	Cache    EventCache
	Counters Counters
	Sessions Sessions
	Sinks    *telemetry.Fanout
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Processor struct {
	enricher *enrich.Enricher
	store    Store
	cache    EventCache
	counters Counters
	sessions Sessions
	sinks    *telemetry.Fanout
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(d Deps) (*Processor, error) {
	if d.Store == nil {
		return nil, errors.New("processor: store is required")
	}
	if d.Enricher == nil {
		d.Enricher = enrich.New(nil, 0, d.Logger)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Processor{
		enricher: d.Enricher,
		store:    d.Store,
		cache:    d.Cache,
		counters: d.Counters,
		sessions: d.Sessions,
		sinks:    d.Sinks,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      time.Now,
	}, nil
}

// HandleMessage decodes one log message and processes it. Undecodable or invalid envelopes return an
// error wrapping ErrDeadLetter; any other error is transient and the message should be redelivered.
func (p *Processor) HandleMessage(ctx context.Context, value []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrDeadLetter, err)
	}
	if len(env.Events) == 0 {
		return fmt.Errorf("%w: envelope has no events", ErrDeadLetter)
	}
	if fields := ingest.ValidateBatch(env.Events); len(fields) > 0 {
		return fmt.Errorf("%w: %v", ErrDeadLetter, &ingest.ValidationError{Fields: fields})
	}
	if env.Batch || len(env.Events) > 1 {
		_, err := p.ProcessBatch(ctx, env.Events)
		return err
	}
	_, err := p.Process(ctx, &env.Events[0], env.Request)
	return err
}

// Process runs one event through the full pipeline, including request-context enrichment.
func (p *Processor) Process(ctx context.Context, ev *domain.TelemetryEvent, req *domain.RequestContext) (*domain.ProcessedEvent, error) {
	start := p.now()
	pe, err := p.build(ev)
	if err != nil {
		return nil, err
	}
	pe.Enriched = p.enricher.Enrich(ctx, ev, req)
	redaction.RedactProcessed(pe)
	pe.Metrics = Aggregate(&pe.TelemetryEvent)

	if err := p.persist(ctx, []*domain.ProcessedEvent{pe}); err != nil {
		return nil, err
	}
	p.metrics.ObserveProcessing(string(pe.EventType), p.now().Sub(start))
	return pe, nil
}

// ProcessBatch stamps, redacts and aggregates events and stores them with one bulk insert. Batch
// envelopes carry no request context, so no request-derived enrichment is applied.
func (p *Processor) ProcessBatch(ctx context.Context, events []domain.TelemetryEvent) ([]*domain.ProcessedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	start := p.now()
	out := make([]*domain.ProcessedEvent, 0, len(events))
	for i := range events {
		pe, err := p.build(&events[i])
		if err != nil {
			return nil, err
		}
		redaction.RedactProcessed(pe)
		pe.Metrics = Aggregate(&pe.TelemetryEvent)
		out = append(out, pe)
	}
	if err := p.persist(ctx, out); err != nil {
		return nil, err
	}
	p.metrics.ObserveProcessing(string(out[0].EventType), p.now().Sub(start))
	return out, nil
}

// build assigns the content id before redaction so that redelivered copies of an envelope hash
// identically.
func (p *Processor) build(ev *domain.TelemetryEvent) (*domain.ProcessedEvent, error) {
	id, err := domain.ContentID(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeadLetter, err)
	}
	pe := &domain.ProcessedEvent{
		EventID:         id,
		TelemetryEvent:  *ev,
		ServerTimestamp: p.now().UnixMilli(),
	}
	pe.Data = cloneData(ev.Data)
	return pe, nil
}

func cloneData(m map[string]domain.Value) map[string]domain.Value {
	if m == nil {
		return nil
	}
	out := make(map[string]domain.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// persist writes to the analytical store, then applies best-effort side effects. Only a store
// failure is returned.
func (p *Processor) persist(ctx context.Context, events []*domain.ProcessedEvent) error {
	if err := p.store.InsertEvents(ctx, events); err != nil {
		for _, ev := range events {
			p.metrics.EventProcessed(string(ev.EventType), "error")
		}
		return fmt.Errorf("processor: store: %w", err)
	}
	for _, ev := range events {
		p.sideEffects(ctx, ev)
		p.metrics.EventProcessed(string(ev.EventType), "ok")
	}
	return nil
}

func (p *Processor) sideEffects(ctx context.Context, ev *domain.ProcessedEvent) {
	if p.cache != nil {
		if err := p.cache.Put(ctx, ev); err != nil {
			p.sideEffectFailed(ctx, "cache", ev, err)
		}
	}
	if p.counters != nil {
		if err := p.counters.Incr(ctx, ev.EventType, time.UnixMilli(ev.ServerTimestamp)); err != nil {
			p.sideEffectFailed(ctx, "counters", ev, err)
		}
	}
	if p.sessions != nil {
		if err := p.trackSession(ctx, ev); err != nil {
			p.sideEffectFailed(ctx, "sessions", ev, err)
		}
	}
	if ev.EventType == domain.EventTypeLog {
		p.sinks.ForwardAsync(ev)
	}
}

func (p *Processor) trackSession(ctx context.Context, ev *domain.ProcessedEvent) error {
	at := time.UnixMilli(ev.Timestamp)
	if ev.EventType == domain.EventTypeInteraction {
		if action, _ := ev.DataString("action"); action == "session_end" {
			return p.sessions.End(ctx, ev.SessionID, at)
		}
	}
	return p.sessions.Touch(ctx, ev.SessionID, ev.UserID, at)
}

func (p *Processor) sideEffectFailed(ctx context.Context, target string, ev *domain.ProcessedEvent, err error) {
	p.metrics.SideEffectFailed(target)
	p.logger.WarnContext(ctx, "best-effort write failed",
		"target", target, "event_id", ev.EventID, "session_id", ev.SessionID, "error", err)
}
