package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"telemetry-pipeline/internal/remoteconfig"
)

type memStore struct {
	docs map[string]*remoteconfig.Config
}

func (m *memStore) Get(_ context.Context, name string) (*remoteconfig.Config, error) {
	return m.docs[name], nil
}

func (m *memStore) Put(_ context.Context, name string, c *remoteconfig.Config) error {
	if old, ok := m.docs[name]; ok && old.Version >= c.Version {
		return remoteconfig.ErrStaleVersion
	}
	m.docs[name] = c
	return nil
}

func TestRoutes(t *testing.T) {
	r := chi.NewRouter()
	New(remoteconfig.NewService(&memStore{docs: map[string]*remoteconfig.Config{}}, nil, nil), nil).Routes(r)

	steps := []struct {
		method, body string
		wantCode     int
	}{
		{http.MethodGet, "", http.StatusOK},
		{http.MethodPost, `{"version":2,"samplingRate":0.5}`, http.StatusOK},
		{http.MethodPost, `{"version":2}`, http.StatusConflict},
		{http.MethodPost, `{"version":0}`, http.StatusBadRequest},
		{http.MethodPost, `{not json`, http.StatusBadRequest},
	}
	for _, s := range steps {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(s.method, "/config", strings.NewReader(s.body)))
		if rec.Code != s.wantCode {
			t.Errorf("%s %s: status = %d, want %d", s.method, s.body, rec.Code, s.wantCode)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	var c remoteconfig.Config
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Version != 2 || c.SamplingRate == nil || *c.SamplingRate != 0.5 {
		t.Errorf("config = %+v", c)
	}
}
