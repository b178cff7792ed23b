package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telemetry-pipeline/internal/telemetry/domain"
)

type fakeLocator struct {
	mu    sync.Mutex
	calls []string
	geo   *domain.Geo
	err   error
	delay time.Duration
}

func (f *fakeLocator) Lookup(ctx context.Context, ip string) (*domain.Geo, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ip)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.geo, f.err
}

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"

func TestEnrich_AllFields(t *testing.T) {
	loc := &fakeLocator{geo: &domain.Geo{Country: "DE", City: "Berlin"}}
	e := New(loc, 0, nil)
	ev := &domain.TelemetryEvent{Data: map[string]domain.Value{"screenWidth": domain.Number(390)}}
	req := &domain.RequestContext{SourceIP: "203.0.113.9", UserAgent: iphoneUA, AcceptLanguage: "de-DE"}

	got := e.Enrich(context.Background(), ev, req)
	if got.Geo == nil || got.Geo.Country != "DE" {
		t.Errorf("geo = %+v", got.Geo)
	}
	if got.UserAgent == nil || !got.UserAgent.Mobile || got.UserAgent.Browser != "Safari" {
		t.Errorf("user agent = %+v", got.UserAgent)
	}
	if len(got.Fingerprint) != 64 {
		t.Errorf("fingerprint = %q", got.Fingerprint)
	}
}

func TestEnrich_NilRequest(t *testing.T) {
	loc := &fakeLocator{}
	got := New(loc, 0, nil).Enrich(context.Background(), &domain.TelemetryEvent{}, nil)
	if got.Geo != nil || got.UserAgent != nil || got.Fingerprint != "" {
		t.Errorf("enrichment = %+v, want empty", got)
	}
	if len(loc.calls) != 0 {
		t.Error("locator called without request")
	}
}

func TestEnrich_GeoFailureOmitsField(t *testing.T) {
	for name, loc := range map[string]*fakeLocator{
		"error":   {err: errors.New("corrupt db")},
		"timeout": {geo: &domain.Geo{Country: "US"}, delay: time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			e := New(loc, 10*time.Millisecond, nil)
			got := e.Enrich(context.Background(), &domain.TelemetryEvent{}, &domain.RequestContext{SourceIP: "8.8.8.8", UserAgent: iphoneUA})
			if got.Geo != nil {
				t.Errorf("geo = %+v, want nil", got.Geo)
			}
			if got.UserAgent == nil {
				t.Error("user agent should still be parsed")
			}
		})
	}
}

func TestRoutable(t *testing.T) {
	testCases := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", true},
		{"2001:4860:4860::8888", true},
		{"10.1.2.3", false},
		{"192.168.0.1", false},
		{"172.16.5.4", false},
		{"127.0.0.1", false},
		{"::1", false},
		{"0.0.0.0", false},
		{"169.254.1.1", false},
		{"fd00::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tc := range testCases {
		t.Run(tc.ip, func(t *testing.T) {
			if got := Routable(tc.ip) != nil; got != tc.want {
				t.Errorf("Routable(%q) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

func TestParseUserAgent_Empty(t *testing.T) {
	if ua := ParseUserAgent("  "); ua != nil {
		t.Errorf("ParseUserAgent(blank) = %+v", ua)
	}
}

func TestFingerprint(t *testing.T) {
	req := &domain.RequestContext{UserAgent: "a", AcceptLanguage: "en", AcceptEncoding: "gzip"}
	ev := func(data map[string]domain.Value) *domain.TelemetryEvent {
		return &domain.TelemetryEvent{Data: data}
	}
	base := Fingerprint(req, ev(map[string]domain.Value{"screenWidth": domain.Number(390), "screenHeight": domain.Number(844)}))

	same := Fingerprint(req, ev(map[string]domain.Value{
		"screenHeight": domain.Number(844), "screenWidth": domain.Number(390), "other": domain.String("ignored"),
	}))
	if base != same {
		t.Error("fingerprint depends on map order or non-screen keys")
	}
	if Fingerprint(req, ev(map[string]domain.Value{"screenWidth": domain.Number(391), "screenHeight": domain.Number(844)})) == base {
		t.Error("fingerprint ignores screen metadata")
	}
	other := *req
	other.AcceptLanguage = "fr"
	if Fingerprint(&other, ev(nil)) == Fingerprint(req, ev(nil)) {
		t.Error("fingerprint ignores Accept-Language")
	}
	if got := Fingerprint(&domain.RequestContext{}, ev(nil)); got != "" {
		t.Errorf("empty inputs fingerprint = %q", got)
	}
}

func TestOpenMaxMind_MissingFile(t *testing.T) {
	if _, err := OpenMaxMind("/nonexistent/GeoLite2-City.mmdb"); err == nil {
		t.Error("OpenMaxMind on missing file should fail")
	}
}
