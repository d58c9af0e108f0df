// Package health runs dependency checks for the /health endpoint.
//
// A failing critical dependency (the database) makes the service unhealthy
// and answers 503. A failing optional one (Redis, payment providers) only
// marks it degraded: bookings still work, but some paths fall back.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// Overall service states reported by Handler.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Result is one dependency's outcome.
type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report aggregates a full check run.
type Report struct {
	Status  string    `json:"status"`
	Checks  []Result  `json:"checks"`
	Checked time.Time `json:"checked_at"`
}

type check struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// Option adjusts a registered check.
type Option func(*check)

// Optional marks a dependency whose failure degrades the service rather
// than taking it down.
func Optional() Option {
	return func(c *check) { c.critical = false }
}

// Registry holds the service's dependency checks.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout, now: time.Now}
}

// Ping registers a dependency checked by calling ping, for example
// sql.DB.PingContext. Checks are critical unless Optional is given.
func (r *Registry) Ping(name string, ping func(ctx context.Context) error, opts ...Option) {
	c := check{name: name, critical: true, ping: ping}
	for _, o := range opts {
		o(&c)
	}
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// Run executes every check concurrently, each under its own timeout, and
// returns results in registration order.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := r.now()
			err := c.ping(cctx)
			res := Result{Name: c.name, Critical: c.critical, Healthy: err == nil, LatencyMS: r.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Detail = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	rep := Report{Status: StatusHealthy, Checks: results, Checked: r.now().UTC()}
	for _, res := range results {
		if res.Healthy {
			continue
		}
		if res.Critical {
			rep.Status = StatusUnhealthy
			break
		}
		rep.Status = StatusDegraded
	}
	return rep
}

// Handler serves the report. Only an unhealthy service answers 503.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := r.Run(c.Request.Context())
		code := http.StatusOK
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":     rep.Status,
			"version":    version,
			"checks":     rep.Checks,
			"checked_at": rep.Checked.Format(time.RFC3339),
		})
	}
}
