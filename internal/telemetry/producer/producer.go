// Package producer writes ingestion envelopes onto the durable log.
package producer

import "context"

// Message is one record for the log. Records with the same Key land on the same partition, which
// keeps a session's events in capture order.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Producer publishes messages to the durable log.
type Producer interface {
	// Publish writes msgs and returns once the brokers acknowledged all of them or an error occurred.
	// A returned error means some messages may not have been written; callers treat it as transient.
	Publish(ctx context.Context, msgs ...Message) error
	// Close flushes pending writes and releases resources. Safe to call if already closed.
	Close() error
}
