// Package transport uploads queued events to the ingestion service.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/telemetry/domain"
)

// DefaultTimeout bounds one upload request.
const DefaultTimeout = 10 * time.Second

// BatchPath is the batch ingestion route relative to the endpoint.
const BatchPath = "/api/v1/telemetry/batch"

// ConfigPath is the remote configuration route relative to the endpoint.
const ConfigPath = "/api/v1/config"

// ErrRejected marks an upload the server refused as invalid or unauthorized. Retrying the same batch
// will fail the same way.
var ErrRejected = errors.New("transport: upload rejected")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: server answered %d: %s", e.Code, e.Body)
}

// Options configures an HTTPUploader.
type Options struct {
	// Endpoint is the service base URL, e.g. https://telemetry.example.com.
	Endpoint string
	APIKey   string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// UserAgent identifies the SDK build.
	UserAgent string
	// AllowInsecure permits a plain http endpoint.
	AllowInsecure bool
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPUploader posts batches to the ingestion service.
type HTTPUploader struct {
	base      *url.URL
	apiKey    string
	userAgent string
	client    *http.Client
}

// NewHTTPUploader validates o and returns an uploader. Endpoints must use https unless AllowInsecure
// is set.
func NewHTTPUploader(o Options) (*HTTPUploader, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("transport: api key is required")
	}
	u, err := url.Parse(strings.TrimRight(o.Endpoint, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid endpoint %q", o.Endpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && o.AllowInsecure:
	default:
		return nil, fmt.Errorf("transport: endpoint must use https, got %q", u.Scheme)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = "telemetry-go-sdk/1.0"
	}
	client := o.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	client = &http.Client{Transport: client.Transport, Timeout: o.Timeout, CheckRedirect: client.CheckRedirect, Jar: client.Jar}
	return &HTTPUploader{base: u, apiKey: o.APIKey, userAgent: o.UserAgent, client: client}, nil
}

type batchBody struct {
	Events []domain.TelemetryEvent `json:"events"`
}

// Upload sends events as one batch. A nil error means the server accepted every event. Rejections
// (4xx other than 408 and 429) wrap ErrRejected; everything else is transient.
func (u *HTTPUploader) Upload(ctx context.Context, events []domain.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(batchBody{Events: events})
	if err != nil {
		return fmt.Errorf("transport: encode batch: %w", err)
	}
	req, err := u.newRequest(ctx, http.MethodPost, BatchPath, body)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: upload: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// FetchConfig reads the remote configuration document.
func (u *HTTPUploader) FetchConfig(ctx context.Context) (*remoteconfig.Config, error) {
	req, err := u.newRequest(ctx, http.MethodGet, ConfigPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch config: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var c remoteconfig.Config
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&c); err != nil {
		return nil, fmt.Errorf("transport: decode config: %w", err)
	}
	return &c, nil
}

func (u *HTTPUploader) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.base.String()+path, rd)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("User-Agent", u.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRejected, se)
	}
	return se
}
