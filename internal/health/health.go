// Package health runs named subsystem probes for the /health endpoint.
//
// Checks are either critical (storage, transport, the commitment sweeper)
// or advisory. A failing critical check makes the node unhealthy; a
// failing advisory check only degrades it.
package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Overall node states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultTimeout bounds a probe that sets no timeout of its own.
const DefaultTimeout = 2 * time.Second

// Probe returns nil when the subsystem is usable.
type Probe func(ctx context.Context) error

// Check is a named probe.
type Check struct {
	Name     string
	Probe    Probe
	Critical bool
	Timeout  time.Duration
}

// Result is one check's outcome.
type Result struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Critical  bool    `json:"critical"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report aggregates every registered check.
type Report struct {
	Status string   `json:"status"`
	Checks []Result `json:"checks"`
}

// Healthy reports whether no critical check failed.
func (r Report) Healthy() bool { return r.Status != StatusUnhealthy }

// Registry holds checks in registration order.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds c.
func (r *Registry) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// Run executes every check concurrently and waits for all of them.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]Check(nil), r.checks...)
	r.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	status := StatusHealthy
	for _, res := range results {
		if res.Healthy {
			continue
		}
		if res.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}
	return Report{Status: status, Checks: results}
}

func run(ctx context.Context, c Check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	err := c.Probe(ctx)
	res := Result{
		Name:      c.Name,
		Healthy:   err == nil,
		Critical:  c.Critical,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping probes p.
func Ping(p Pinger) Probe {
	return p.PingContext
}

// Runner is satisfied by background loops such as the commitment sweeper.
type Runner interface {
	Running() bool
}

// ErrNotRunning is reported for a stopped Runner.
var ErrNotRunning = errors.New("not running")

// Running probes r.
func Running(r Runner) Probe {
	return func(context.Context) error {
		if !r.Running() {
			return ErrNotRunning
		}
		return nil
	}
}
