package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// EventType is the category of a telemetry event. Each type has its own log topic and consumer group.
type EventType string

const (
	EventTypeCrash       EventType = "crash"
	EventTypePerformance EventType = "performance"
	EventTypeNetwork     EventType = "network"
	EventTypeInteraction EventType = "interaction"
	EventTypeLog         EventType = "log"
	EventTypeTrace       EventType = "trace"
)

// EventTypes lists every accepted event type in a stable order.
var EventTypes = []EventType{
	EventTypeCrash,
	EventTypePerformance,
	EventTypeNetwork,
	EventTypeInteraction,
	EventTypeLog,
	EventTypeTrace,
}

// Valid reports whether t is one of the fixed event types.
func (t EventType) Valid() bool {
	for _, k := range EventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// DefaultTopicPrefix is prepended to the event type to form the log topic name.
const DefaultTopicPrefix = "telemetry"

// Topic returns the log topic for eventType, e.g. "telemetry-crash".
func Topic(prefix string, eventType EventType) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "-" + string(eventType)
}

// DeviceInfo describes the device that captured an event.
type DeviceInfo struct {
	Platform    string `json:"platform" cbor:"platform" validate:"required"`
	OSVersion   string `json:"osVersion" cbor:"osVersion" validate:"required"`
	DeviceModel string `json:"deviceModel" cbor:"deviceModel" validate:"required"`
	AppVersion  string `json:"appVersion" cbor:"appVersion" validate:"required"`
}

// TelemetryEvent is the envelope captured on the device and accepted by the ingestion endpoints.
// Timestamp is the client capture time in epoch milliseconds.
type TelemetryEvent struct {
	SessionID  string           `json:"sessionId" cbor:"sessionId" validate:"required"`
	UserID     string           `json:"userId,omitempty" cbor:"userId,omitempty"`
	EventType  EventType        `json:"eventType" cbor:"eventType" validate:"required,eventtype"`
	Timestamp  int64            `json:"timestamp" cbor:"timestamp" validate:"required,gt=0"`
	Data       map[string]Value `json:"data" cbor:"data" validate:"required"`
	DeviceInfo DeviceInfo       `json:"deviceInfo" cbor:"deviceInfo"`
}

// DataValue returns data[key] and whether it was present.
func (e *TelemetryEvent) DataValue(key string) (Value, bool) {
	if e == nil || e.Data == nil {
		return Value{}, false
	}
	v, ok := e.Data[key]
	return v, ok
}

// DataNumber returns data[key] when it is a number.
func (e *TelemetryEvent) DataNumber(key string) (float64, bool) {
	v, ok := e.DataValue(key)
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// DataString returns data[key] when it is a string.
func (e *TelemetryEvent) DataString(key string) (string, bool) {
	v, ok := e.DataValue(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// ContentID returns a stable identifier derived from the envelope's content. Redelivered copies of the
// same event share an ID, which lets the analytical store collapse duplicates.
func ContentID(e *TelemetryEvent) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("telemetry: content id: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}

// Geo is the best-effort location derived from the request's source address.
type Geo struct {
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lon,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
}

// UserAgent holds the parsed fields of a User-Agent header.
type UserAgent struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	Platform       string `json:"platform,omitempty"`
	Mobile         bool   `json:"mobile,omitempty"`
}

// Enrichment holds derived attributes. Every field is optional; a failed lookup leaves it empty.
type Enrichment struct {
	Geo         *Geo       `json:"geo,omitempty"`
	UserAgent   *UserAgent `json:"userAgent,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// ProcessedEvent is an event after enrichment, redaction and aggregation, as written to storage.
// ServerTimestamp is the processing time in epoch milliseconds.
type ProcessedEvent struct {
	EventID string `json:"eventId"`
	TelemetryEvent
	ServerTimestamp int64              `json:"serverTimestamp"`
	Enriched        Enrichment         `json:"enriched"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
}

// RequestContext is the slice of the originating HTTP request that enrichment needs.
type RequestContext struct {
	SourceIP       string `json:"sourceIp,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
	AcceptEncoding string `json:"acceptEncoding,omitempty"`
}

// Envelope is the message written to the durable log. A single-event envelope carries the request
// context for enrichment; a batch envelope carries several events of one type and session and no
// request context.
type Envelope struct {
	Batch      bool             `json:"batch"`
	Events     []TelemetryEvent `json:"events"`
	Request    *RequestContext  `json:"request,omitempty"`
	ReceivedAt int64            `json:"receivedAt"`
}
