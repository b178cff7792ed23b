// Package loki pushes processed log events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// Client pushes to one Loki instance. The zero value is not usable; use New.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
}

// New returns a client for baseURL (e.g. http://localhost:3100). Returns nil when baseURL is empty;
// a nil *Client is a no-op sink.
func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), job: "telemetry-pipeline", http: httpClient}
}

// Name identifies the sink in logs and metrics.
func (c *Client) Name() string { return "loki" }

// Forward pushes ev as one JSON log line labelled by event type, platform and app version.
func (c *Client) Forward(ctx context.Context, ev *domain.ProcessedEvent) error {
	if c == nil || ev == nil {
		return nil
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	labels := map[string]string{
		"event_type":  string(ev.EventType),
		"platform":    ev.DeviceInfo.Platform,
		"app_version": ev.DeviceInfo.AppVersion,
	}
	if level, ok := ev.DataString("level"); ok {
		labels["level"] = strings.ToLower(level)
	}
	ts := time.Now().UTC()
	if ev.Timestamp > 0 {
		ts = time.UnixMilli(ev.Timestamp).UTC()
	}
	return c.Push(ctx, ts, string(line), labels)
}

// Push sends a single log line. Empty label values are dropped. Returns an error if the request fails
// or Loki answers non-2xx.
func (c *Client) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if c == nil {
		return fmt.Errorf("loki: client is nil")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = c.job
	for k, v := range labels {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{Streams: []Stream{{
		Stream: streamLabels,
		Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
	}}}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
