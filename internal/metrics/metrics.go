// Package metrics holds process-wide Prometheus instrumentation: HTTP
// traffic, the database pool and periodic escrow gauges. Domain packages
// register their own counters.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handyhub"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	dbConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "connections",
		Help:      "Database pool connections by state.",
	}, []string{"state"})

	dbWaits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "wait_count_total",
		Help:      "Connections waited for since the pool opened.",
	})

	activeBookings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "active_bookings",
		Help:      "Non-terminal bookings by status at the last sample.",
	}, []string{"status"})

	heldCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "held_cents",
		Help:      "Captured funds awaiting release or refund, in cents.",
	})
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, HTTPInFlight,
		dbConnections, dbWaits, activeBookings, heldCents)
}

// EscrowSnapshot is a point-in-time view of open escrow.
type EscrowSnapshot struct {
	Bookings  map[string]int
	HeldCents int64
}

// Collector samples pool stats and escrow state on an interval. Either
// source may be nil.
type Collector struct {
	db     *sql.DB
	escrow func(context.Context) (EscrowSnapshot, error)
	logger *slog.Logger
}

func NewCollector(db *sql.DB, escrow func(context.Context) (EscrowSnapshot, error), logger *slog.Logger) *Collector {
	return &Collector{db: db, escrow: escrow, logger: logger}
}

// Run samples once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.Sample(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample(ctx)
		}
	}
}

// Sample refreshes every gauge the collector owns.
func (c *Collector) Sample(ctx context.Context) {
	if c.db != nil {
		st := c.db.Stats()
		dbConnections.WithLabelValues("open").Set(float64(st.OpenConnections))
		dbConnections.WithLabelValues("in_use").Set(float64(st.InUse))
		dbConnections.WithLabelValues("idle").Set(float64(st.Idle))
		dbWaits.Set(float64(st.WaitCount))
	}
	if c.escrow == nil {
		return
	}
	snap, err := c.escrow(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("escrow metrics sample failed", "error", err)
		}
		return
	}
	activeBookings.Reset()
	for status, n := range snap.Bookings {
		activeBookings.WithLabelValues(status).Set(float64(n))
	}
	heldCents.Set(float64(snap.HeldCents))
}

// Middleware records request count, latency and in-flight requests. The
// route pattern is the path label, keeping booking ids out of it.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()
		start := time.Now()

		c.Next()

		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return string(rune('0'+code/100)) + "xx"
}
