// Package health aggregates dependency checks into a single report.
//
// A failing critical check makes the service unhealthy. A failing optional
// check only degrades it: the policy can still evaluate batches while, for
// example, the smart wallet registrar is unreachable.
package health

import (
	"context"
	"sync"
	"time"
)

// Overall states of a Report.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check reports a dependency failure as a non-nil error.
type Check func(ctx context.Context) error

// Result is the outcome of one check.
type Result struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Critical  bool    `json:"critical"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
}

// Report is the outcome of every registered check, in registration order.
type Report struct {
	Status string   `json:"status"`
	Checks []Result `json:"checks"`
}

// OK reports whether no critical check failed.
func (r Report) OK() bool { return r.Status != StatusUnhealthy }

type entry struct {
	name     string
	critical bool
	check    Check
}

// Registry runs the registered checks concurrently, each under its own
// timeout.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

// NewRegistry returns a registry whose checks each get timeout to finish.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Critical registers a check whose failure makes the service unhealthy.
func (r *Registry) Critical(name string, p Check) { r.add(name, true, p) }

// Optional registers a check whose failure only degrades the service.
func (r *Registry) Optional(name string, p Check) { r.add(name, false, p) }

func (r *Registry) add(name string, critical bool, p Check) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, critical: critical, check: p})
	r.mu.Unlock()
}

// Run executes every check and folds the results into a Report.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	results := make([]Result, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.check(ctx, e)
		}()
	}
	wg.Wait()

	status := StatusHealthy
	for _, res := range results {
		switch {
		case res.Healthy:
		case res.Critical:
			status = StatusUnhealthy
		case status == StatusHealthy:
			status = StatusDegraded
		}
	}
	return Report{Status: status, Checks: results}
}

func (r *Registry) check(ctx context.Context, e entry) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := e.check(ctx)
	res := Result{
		Name:      e.name,
		Healthy:   err == nil,
		Critical:  e.critical,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}
