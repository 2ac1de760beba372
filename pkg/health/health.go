// Package health provides liveness and readiness checking with
// per-check failure thresholds.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/genieops/teams-genie-bot/pkg/logger"
)

// Check represents a single health check that can succeed or fail.
type Check interface {
	// Name returns the human-readable name of this check
	Name() string

	// Check performs the health check
	// Returns nil if healthy, error if unhealthy
	Check(ctx context.Context) error
}

// CheckFunc is a function adapter that allows simple functions to be used as checks.
type CheckFunc struct {
	name string
	fn   func(context.Context) error
}

// NewCheckFunc creates a new CheckFunc with the given name and function.
func NewCheckFunc(name string, fn func(context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name returns the name of this check.
func (c *CheckFunc) Name() string { return c.name }

// Check executes the check function.
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckResult represents the result of a single health check execution.
type CheckResult struct {
	Name    string
	Healthy bool
	Error   string
	Latency time.Duration
}

// Status represents the overall health status.
type Status struct {
	Healthy bool
	Checks  []CheckResult
}

// Checker manages and executes health checks for liveness and readiness probes.
type Checker struct {
	livenessChecks   []Check
	readinessChecks  []Check
	timeout          time.Duration
	failureCount     map[string]int // consecutive failures per check
	failureThreshold int
	logger           logger.Logger
	mu               sync.RWMutex
}

// Option is a functional option for configuring Checker.
type Option func(*Checker)

// WithTimeout sets the timeout for individual health checks. Default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(h *Checker) { h.timeout = d }
}

// WithLogger sets the logger for health check operations.
func WithLogger(l logger.Logger) Option {
	return func(h *Checker) { h.logger = l }
}

// WithFailureThreshold sets the number of consecutive failures before a
// check is considered unhealthy. Default is 3.
func WithFailureThreshold(threshold int) Option {
	return func(h *Checker) {
		if threshold > 0 {
			h.failureThreshold = threshold
		}
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	h := &Checker{
		timeout:          5 * time.Second,
		failureThreshold: 3,
		failureCount:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddLivenessCheck adds a liveness check. Liveness checks determine if
// the process should be restarted.
func (h *Checker) AddLivenessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessChecks = append(h.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check. Readiness checks determine
// if the service can handle requests.
func (h *Checker) AddReadinessCheck(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, check)
}

// CheckLiveness executes all liveness checks and returns an error if any fail.
func (h *Checker) CheckLiveness(ctx context.Context) (*Status, error) {
	h.mu.RLock()
	checks := h.livenessChecks
	h.mu.RUnlock()
	return h.executeChecks(ctx, checks)
}

// CheckReadiness executes all readiness checks and returns an error if any fail.
func (h *Checker) CheckReadiness(ctx context.Context) (*Status, error) {
	h.mu.RLock()
	checks := h.readinessChecks
	h.mu.RUnlock()
	return h.executeChecks(ctx, checks)
}

// executeChecks runs all checks concurrently and aggregates the results.
// A check only counts as unhealthy once it has failed failureThreshold
// times in a row, so a single flaky probe does not flip readiness.
func (h *Checker) executeChecks(ctx context.Context, checks []Check) (*Status, error) {
	if len(checks) == 0 {
		return &Status{Healthy: true, Checks: []CheckResult{}}, nil
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup

	for i, check := range checks {
		wg.Add(1)
		go func(idx int, chk Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := chk.Check(checkCtx)
			latency := time.Since(start)

			result := CheckResult{
				Name:    chk.Name(),
				Healthy: err == nil,
				Latency: latency,
			}
			if err != nil {
				result.Error = err.Error()
			}
			results[idx] = result
		}(i, check)
	}
	wg.Wait()

	status := &Status{Healthy: true, Checks: results}
	var firstFailure string

	h.mu.Lock()
	for i := range results {
		name := results[i].Name
		if results[i].Healthy {
			h.failureCount[name] = 0
			continue
		}

		h.failureCount[name]++
		if h.failureCount[name] >= h.failureThreshold {
			status.Healthy = false
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %s", name, results[i].Error)
			}
		} else {
			// Below threshold: report the result but stay healthy
			if h.logger != nil {
				h.logger.Warn("Health check failed below threshold",
					logger.StringField("check", name),
					logger.IntField("consecutive_failures", h.failureCount[name]),
					logger.StringField("error", results[i].Error))
			}
		}
	}
	h.mu.Unlock()

	if !status.Healthy {
		return status, fmt.Errorf("health check failed: %s", firstFailure)
	}
	return status, nil
}
