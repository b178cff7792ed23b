// Package telemetry fans processed log events out to external log sinks.
package telemetry

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
)

// forwardTimeout is the max time allowed for a single sink delivery.
const forwardTimeout = 5 * time.Second

// ShutdownDrainDuration is how long shutdown should wait for in-flight deliveries before closing the
// log providers. Must be >= forwardTimeout.
const ShutdownDrainDuration = forwardTimeout

// Sink receives processed log events (e.g. Loki, OTel Logs). Best-effort; failures are logged.
type Sink interface {
	Name() string
	Forward(ctx context.Context, ev *domain.ProcessedEvent) error
}

// Fanout delivers events to every sink in the background.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	onError func(sink string)
	wg      sync.WaitGroup
}

// NewFanout returns a Fanout over the non-nil sinks. onError, when set, is called once per failed
// delivery.
func NewFanout(logger *slog.Logger, onError func(sink string), sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger, timeout: forwardTimeout, onError: onError}
	for _, s := range sinks {
		if s != nil && !isNilSink(s) {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// isNilSink catches typed nil pointers, e.g. a *loki.Client constructor that returned nil.
func isNilSink(s Sink) bool {
	v := reflect.ValueOf(s)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Len reports the number of active sinks.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// ForwardAsync delivers ev to each sink in its own goroutine so the caller is not blocked. Deliveries
// use a detached context bounded by forwardTimeout; cancelling the caller does not abort them.
// ev must not be mutated afterwards.
func (f *Fanout) ForwardAsync(ev *domain.ProcessedEvent) {
	if f == nil || ev == nil {
		return
	}
	for _, s := range f.sinks {
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			if err := s.Forward(ctx, ev); err != nil {
				f.logger.Warn("log sink delivery failed", "sink", s.Name(), "event_id", ev.EventID, "error", err)
				if f.onError != nil {
					f.onError(s.Name())
				}
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (f *Fanout) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
