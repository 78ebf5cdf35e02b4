// Package health reports component health for the executor and lease manager
// daemons.
//
// Components register named checks. Handler serves them as JSON:
//
//   - /health: overall status only, for load balancers
//   - /health/live: the process answers
//   - /health/ready: no check is unhealthy
//   - /health/detailed: every check result
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates a component works with reduced capacity,
	// e.g. an executor with every core bound.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates a component cannot serve.
	StatusUnhealthy Status = "unhealthy"
)

const (
	// DefaultCacheTTL is how long a computed status is served from cache.
	DefaultCacheTTL = 5 * time.Second
	// DefaultCheckTimeout bounds a single check.
	DefaultCheckTimeout = 2 * time.Second
)

// Check is the result of one check.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc reports the health of one component.
type CheckFunc func(ctx context.Context) Check

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Checker runs the registered checks.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	cached       *HealthStatus
	cacheExpiry  time.Time
	cacheTTL     time.Duration
	checkTimeout time.Duration
}

// NewChecker creates a checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{
		checks:       make(map[string]CheckFunc),
		cacheTTL:     DefaultCacheTTL,
		checkTimeout: DefaultCheckTimeout,
	}
}

// SetCacheTTL changes how long results are cached. Zero disables caching.
func (c *Checker) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheTTL = ttl
	c.cached = nil
}

// SetCheckTimeout changes the per-check deadline.
func (c *Checker) SetCheckTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkTimeout = d
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = fn
	c.cached = nil
}

// Names lists the registered checks in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Check runs every check concurrently and returns the combined status. A
// check that misses its deadline is reported unhealthy.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cached
		c.mu.RUnlock()

		return status
	}

	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}

	timeout := c.checkTimeout
	c.mu.RUnlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]Check, len(funcs))
		g      errgroup.Group
	)

	for name, fn := range funcs {
		g.Go(func() error {
			result := runCheck(ctx, fn, timeout)

			mu.Lock()
			checks[name] = result
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	status := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cached = status
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return status
}

func runCheck(ctx context.Context, fn CheckFunc, timeout time.Duration) Check {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Check, 1)
	go func() { done <- fn(ctx) }()

	select {
	case check := <-done:
		return check
	case <-ctx.Done():
		return Unhealthy(fmt.Errorf("check timed out after %s", timeout))
	}
}

// IsReady reports whether no registered check is unhealthy.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Check(ctx).Status != StatusUnhealthy
}

// Healthy is a check result for a working component.
func Healthy(message string) Check {
	return Check{Status: StatusHealthy, Message: message}
}

// Degraded is a check result for a component with reduced capacity.
func Degraded(message string) Check {
	return Check{Status: StatusDegraded, Message: message}
}

// Unhealthy is a check result for a failed component.
func Unhealthy(err error) Check {
	return Check{Status: StatusUnhealthy, Message: err.Error()}
}

func determineOverallStatus(checks map[string]Check) Status {
	overall := StatusHealthy

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}

	return overall
}

// Handler serves a Checker over HTTP.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// Mount registers the health routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.HealthHandler)
	r.Get("/health/live", h.LivenessHandler)
	r.Get("/health/ready", h.ReadinessHandler)
	r.Get("/health/detailed", h.DetailedHandler)
}

// HealthHandler writes the overall status only.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())
	writeJSON(w, statusCode(status.Status != StatusUnhealthy), map[string]string{"status": string(status.Status)})
}

// LivenessHandler answers as long as the process serves HTTP.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessHandler answers 503 while any check is unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// DetailedHandler returns every check result. Degraded still answers 200.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())
	writeJSON(w, statusCode(status.Status != StatusUnhealthy), status)
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}

	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
