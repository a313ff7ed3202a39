// Package metrics exports monitor activity to Prometheus. Metrics is an
// events.Listener; bind it with the wildcard kind.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omon"

type Metrics struct {
	registry *prometheus.Registry
	now      func() time.Time

	events         *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec
	loggedIn       prometheus.Gauge
	accessExpires  prometheus.Gauge
	refreshExpires prometheus.Gauge

	mu           sync.Mutex
	checkStarted time.Time
}

// New builds a Metrics on its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Monitor events dispatched, by kind.",
		}, []string{"kind"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_check_duration_seconds",
			Help:      "Time from START_AUTH_CHECK to the check's outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		loggedIn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "logged_in",
			Help:      "1 if the last known status was logged in.",
		}),
		accessExpires: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "access_expires_timestamp_seconds",
			Help:      "Access token expiry from the last known status.",
		}),
		refreshExpires: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_expires_timestamp_seconds",
			Help:      "Refresh token expiry from the last known status.",
		}),
	}
	for _, k := range events.Kinds {
		m.events.WithLabelValues(k.String())
	}
	m.registry.MustRegister(
		m.events,
		m.checkDuration,
		m.loggedIn,
		m.accessExpires,
		m.refreshExpires,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandleEvent implements events.Listener.
func (m *Metrics) HandleEvent(e events.Event) {
	m.events.WithLabelValues(e.Kind.String()).Inc()

	switch e.Kind {
	case events.StartAuthCheck:
		m.mu.Lock()
		m.checkStarted = m.now()
		m.mu.Unlock()
	case events.EndAuthCheck:
		m.observeCheck("ok")
	case events.InvalidTokens:
		m.observeCheck("invalid_tokens")
	case events.LoginError:
		m.observeCheck("error")
	case events.UserStatusUpdated:
		if e.Status == nil {
			return
		}
		if e.Status.LoggedIn {
			m.loggedIn.Set(1)
		} else {
			m.loggedIn.Set(0)
		}
		m.accessExpires.Set(e.Status.AccessExpires)
		m.refreshExpires.Set(e.Status.RefreshExpires)
	}
}

// observeCheck records the duration of the running check, if any. An
// INVALID_TOKENS from a cache-only check has no start and is not timed.
func (m *Metrics) observeCheck(outcome string) {
	m.mu.Lock()
	started := m.checkStarted
	m.checkStarted = time.Time{}
	m.mu.Unlock()
	if started.IsZero() {
		return
	}
	m.checkDuration.WithLabelValues(outcome).Observe(m.now().Sub(started).Seconds())
}
