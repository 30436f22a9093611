package security

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks security-relevant counters, both for Prometheus export at
// /metrics and for the plain-JSON snapshot at /security/metrics.
type Metrics struct {
	authFailures   prometheus.Counter
	authBlocked    prometheus.Counter
	rateLimited    prometheus.Counter
	requestsServed prometheus.Counter
	requestsBusy   prometheus.Counter

	authFailuresCount   atomic.Uint64
	authBlockedCount    atomic.Uint64
	rateLimitedCount    atomic.Uint64
	requestsServedCount atomic.Uint64
	requestsBusyCount   atomic.Uint64
}

// NewMetrics registers task-mcp's security counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_auth_failures_total",
			Help: "Total rejected authentication attempts.",
		}),
		authBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_auth_blocked_total",
			Help: "Total requests rejected due to a sustained failed-attempt block.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_rate_limited_total",
			Help: "Total requests rejected by the per-address rate limiter.",
		}),
		requestsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_http_requests_served_total",
			Help: "Total HTTP requests that reached the MCP dispatcher.",
		}),
		requestsBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_http_requests_busy_total",
			Help: "Total HTTP requests rejected with SERVER_BUSY due to the in-flight cap.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.authFailures, m.authBlocked, m.rateLimited, m.requestsServed, m.requestsBusy)
	}
	return m
}

func (m *Metrics) AuthFailure() {
	m.authFailures.Inc()
	m.authFailuresCount.Add(1)
}

func (m *Metrics) AuthBlocked() {
	m.authBlocked.Inc()
	m.authBlockedCount.Add(1)
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
	m.rateLimitedCount.Add(1)
}

func (m *Metrics) RequestServed() {
	m.requestsServed.Inc()
	m.requestsServedCount.Add(1)
}

func (m *Metrics) RequestBusy() {
	m.requestsBusy.Inc()
	m.requestsBusyCount.Add(1)
}

// Snapshot is the JSON shape exposed at /security/metrics — a
// human/admin-facing view alongside the Prometheus exposition.
type Snapshot struct {
	AuthFailures   uint64 `json:"authFailures"`
	AuthBlocked    uint64 `json:"authBlocked"`
	RateLimited    uint64 `json:"rateLimited"`
	RequestsServed uint64 `json:"requestsServed"`
	RequestsBusy   uint64 `json:"requestsBusy"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		AuthFailures:   m.authFailuresCount.Load(),
		AuthBlocked:    m.authBlockedCount.Load(),
		RateLimited:    m.rateLimitedCount.Load(),
		RequestsServed: m.requestsServedCount.Load(),
		RequestsBusy:   m.requestsBusyCount.Load(),
	}
}
