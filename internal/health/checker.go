// Package health probes the pipeline's backing services for readiness.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"telemetry-pipeline/internal/metrics"
)

// DefaultTimeout bounds each dependency probe.
const DefaultTimeout = 2 * time.Second

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Pinger is implemented by every client the checker probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Dependency is the probe result for one backing service.
type Dependency struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the readiness outcome. Ready is true only when every dependency is up.
type Report struct {
	Ready        bool                  `json:"ready"`
	Dependencies map[string]Dependency `json:"dependencies"`
}

// Checker runs the registered probes concurrently.
type Checker struct {
	timeout time.Duration
	metrics *metrics.Metrics
	names   []string
	pingers map[string]Pinger
}

// NewChecker returns a Checker with no dependencies; a Checker with none is always ready.
func NewChecker(timeout time.Duration, m *metrics.Metrics) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{timeout: timeout, metrics: m, pingers: make(map[string]Pinger)}
}

// Add registers p under name. A nil p is ignored so optional clients can be passed unconditionally.
func (c *Checker) Add(name string, p Pinger) *Checker {
	if p == nil {
		return c
	}
	if _, ok := c.pingers[name]; !ok {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.pingers[name] = p
	return c
}

// Names returns the registered dependency names in sorted order.
func (c *Checker) Names() []string {
	return append([]string(nil), c.names...)
}

// Check probes every dependency, each bounded by the checker timeout.
func (c *Checker) Check(ctx context.Context) Report {
	rep := Report{Ready: true, Dependencies: make(map[string]Dependency, len(c.names))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range c.names {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			dep := c.probe(ctx, p)
			c.metrics.DependencyStatus(name, dep.Status == StatusUp)
			mu.Lock()
			rep.Dependencies[name] = dep
			if dep.Status != StatusUp {
				rep.Ready = false
			}
			mu.Unlock()
		}(name, c.pingers[name])
	}
	wg.Wait()
	return rep
}

// probe returns when p answers or the timeout passes, whichever is first; a pinger that ignores ctx
// is left to finish in the background.
func (c *Checker) probe(ctx context.Context, p Pinger) Dependency {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Ping(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return Dependency{Status: StatusDown, Error: err.Error()}
		}
		return Dependency{Status: StatusUp}
	case <-ctx.Done():
		return Dependency{Status: StatusDown, Error: fmt.Sprintf("no response within %s", c.timeout)}
	}
}
