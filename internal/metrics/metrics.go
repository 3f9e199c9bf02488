// Package metrics exposes Prometheus counters for the authorization flow
// and token lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_connect"

// Outcome labels shared by the counters.
const (
	OutcomeOK     = "ok"
	OutcomeReauth = "reauth"
	OutcomeError  = "error"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	authorizations prometheus.Counter
	callbacks      *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	swept          prometheus.Counter
	eventsDropped  prometheus.Counter
}

// New creates Metrics with Go runtime and process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_started_total",
			Help:      "Authorization flows started.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Authorization callbacks handled, by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh grants attempted, by outcome.",
		}, []string{"outcome"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_swept_total",
			Help:      "Expired pending authorizations removed by the sweeper.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Completion events dropped because a subscriber was slow.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authorizations,
		m.callbacks,
		m.refreshes,
		m.swept,
		m.eventsDropped,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
		Timeout:           10 * time.Second,
	})
}

func (m *Metrics) AuthorizationStarted() {
	m.authorizations.Inc()
}

// CallbackCompleted records a callback. outcome is OutcomeOK or an error
// kind code.
func (m *Metrics) CallbackCompleted(outcome string) {
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenRefreshed(outcome string) {
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PendingSwept(n int) {
	m.swept.Add(float64(n))
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
