package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// publishTimeout bounds a single Publish so a slow broker cannot hold an ingestion request forever.
const publishTimeout = 5 * time.Second

// KafkaProducer implements Producer using segmentio/kafka-go. Topics are taken from each message.
type KafkaProducer struct {
	writer  *kafka.Writer
	brokers []string
}

// NewKafkaProducer creates a producer for brokers. Messages are hash-partitioned by key and require
// acknowledgement from all in-sync replicas. Call Close when shutting down.
func NewKafkaProducer(brokers []string, clientID string) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("producer: at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: clientID},
	}
	return &KafkaProducer{writer: writer, brokers: brokers}, nil
}

// Publish writes msgs in one batch.
func (p *KafkaProducer) Publish(ctx context.Context, msgs ...Message) error {
	if p == nil || p.writer == nil {
		return errors.New("producer: not configured")
	}
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		if m.Topic == "" {
			return fmt.Errorf("producer: message %d has no topic", i)
		}
		out[i] = kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value}
	}
	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, out...); err != nil {
		return fmt.Errorf("producer: write: %w", err)
	}
	return nil
}

// Ping dials the brokers until one answers. Used by readiness checks.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	if p == nil {
		return errors.New("producer: not configured")
	}
	var lastErr error
	for _, b := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("producer: no broker reachable: %w", lastErr)
}

// Close flushes and closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
