package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/telemetry/domain"
	"telemetry-pipeline/internal/telemetry/producer"
)

// DefaultMaxMessageBytes is the largest log message the consumer will process.
const DefaultMaxMessageBytes = 10 << 20

// MessageHandler processes one log message value.
type MessageHandler interface {
	HandleMessage(ctx context.Context, value []byte) error
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures NewConsumer.
type ConsumerConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupPrefix string
	EventTypes  []domain.EventType
	// MaxMessageBytes caps a message's value; larger messages are dead-lettered.
	MaxMessageBytes int
	// DeadLetter, when set, receives the raw value of every dead-lettered message on
	// "<TopicPrefix>-dead-letter".
	DeadLetter producer.Producer
}

// Consumer runs one group reader per event type. Messages are committed only after they were
// processed or dead-lettered, so delivery is at-least-once.
type Consumer struct {
	readers    map[domain.EventType]Reader
	handler    MessageHandler
	deadLetter producer.Producer
	dlqTopic   string
	maxBytes   int
	metrics    *metrics.Metrics
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// NewConsumer creates kafka-go readers in consumer group "<GroupPrefix>-processor-<type>".
func NewConsumer(cfg ConsumerConfig, h MessageHandler, m *metrics.Metrics, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("processor: at least one broker is required")
	}
	types := cfg.EventTypes
	if len(types) == 0 {
		types = domain.EventTypes
	}
	group := cfg.GroupPrefix
	if group == "" {
		group = domain.DefaultTopicPrefix
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	readers := make(map[domain.EventType]Reader, len(types))
	for _, t := range types {
		readers[t] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        fmt.Sprintf("%s-processor-%s", group, t),
			Topic:          domain.Topic(cfg.TopicPrefix, t),
			MinBytes:       1,
			MaxBytes:       maxBytes + 1<<20,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
	}
	c := newConsumer(readers, h, m, logger)
	c.maxBytes = maxBytes
	c.deadLetter = cfg.DeadLetter
	c.dlqTopic = deadLetterTopic(cfg.TopicPrefix)
	return c, nil
}

func deadLetterTopic(prefix string) string {
	if prefix == "" {
		prefix = domain.DefaultTopicPrefix
	}
	return prefix + "-dead-letter"
}

func newConsumer(readers map[domain.EventType]Reader, h MessageHandler, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		readers:  readers,
		handler:  h,
		maxBytes: DefaultMaxMessageBytes,
		dlqTopic: deadLetterTopic(""),
		metrics:  m,
		logger:   logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Run consumes until ctx is cancelled, then closes the readers. A malformed message never stops a
// reader.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(c.readers))
	for t, r := range c.readers {
		wg.Add(1)
		go func(t domain.EventType, r Reader) {
			defer wg.Done()
			if err := c.consume(ctx, t, r); err != nil {
				errs <- fmt.Errorf("processor: %s reader: %w", t, err)
			}
		}(t, r)
	}
	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

func (c *Consumer) consume(ctx context.Context, t domain.EventType, r Reader) error {
	log := c.logger.With("event_type", string(t))
	log.Info("consumer started")
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !c.handle(ctx, log, t, msg) {
			return nil
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle processes msg, retrying transient failures with exponential backoff until it succeeds or
// ctx ends. It returns false only when ctx ended before the message was settled.
func (c *Consumer) handle(ctx context.Context, log *slog.Logger, t domain.EventType, msg kafka.Message) bool {
	if len(msg.Value) > c.maxBytes {
		c.deadLetterMsg(ctx, log, t, msg, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrDeadLetter, len(msg.Value), c.maxBytes))
		return true
	}
	b := c.newBackOff()
	for {
		err := c.handler.HandleMessage(ctx, msg.Value)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrDeadLetter) {
			c.deadLetterMsg(ctx, log, t, msg, err)
			return true
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = 30 * time.Second
		}
		log.Warn("processing failed, will retry",
			"partition", msg.Partition, "offset", msg.Offset, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) deadLetterMsg(ctx context.Context, log *slog.Logger, t domain.EventType, msg kafka.Message, cause error) {
	c.metrics.EventProcessed(string(t), "dead_letter")
	log.Error("dead-lettering message",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", cause)
	if c.deadLetter == nil {
		return
	}
	err := c.deadLetter.Publish(ctx, producer.Message{Topic: c.dlqTopic, Key: msg.Key, Value: msg.Value})
	if err != nil {
		log.Warn("dead-letter publish failed", "offset", msg.Offset, "error", err)
	}
}
