package realtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects session counters on a private registry so embedding
// applications can mount them without colliding with their own
// collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connects       *prometheus.CounterVec
	connectSeconds prometheus.Histogram
	disconnects    prometheus.Counter
	eventsRouted   *prometheus.CounterVec
	configSends    *prometheus.CounterVec
	extensions     prometheus.Counter
	timeWarnings   prometheus.Counter
	linkRecoveries prometheus.Counter
	costTotal      prometheus.Gauge
}

// NewMetrics builds a metrics set under the given namespace. An empty
// namespace defaults to "parlo".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "parlo"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connects_total",
		Help:      "Connection attempts by transport and outcome.",
	}, []string{"transport", "outcome"})

	m.connectSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connect_duration_seconds",
		Help:      "Time from connect start to an open control channel.",
		Buckets:   prometheus.DefBuckets,
	})

	m.disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "disconnects_total",
		Help:      "Completed session teardowns.",
	})

	m.eventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_routed_total",
		Help:      "Inbound control events by type.",
	}, []string{"type"})

	m.configSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "config_sends_total",
		Help:      "Configuration sends by outcome.",
	}, []string{"outcome"})

	m.extensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "session_extensions_total",
		Help:      "Session cycles extended by the caller.",
	})

	m.timeWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "time_warnings_total",
		Help:      "Time warnings fired.",
	})

	m.linkRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "link_recoveries_total",
		Help:      "Transient link outages recovered within the grace period.",
	})

	m.costTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "session_cost_dollars",
		Help:      "Running cost of the active session.",
	})

	m.registry.MustRegister(
		m.connects,
		m.connectSeconds,
		m.disconnects,
		m.eventsRouted,
		m.configSends,
		m.extensions,
		m.timeWarnings,
		m.linkRecoveries,
		m.costTotal,
	)
	return m
}

// Handler serves the private registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnect(transport Transport, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.connects.WithLabelValues(string(transport), outcome).Inc()
	if ok {
		m.connectSeconds.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) RecordEventRouted(eventType string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordConfigSend(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.configSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordExtension() {
	if m == nil {
		return
	}
	m.extensions.Inc()
}

func (m *Metrics) RecordTimeWarning() {
	if m == nil {
		return
	}
	m.timeWarnings.Inc()
}

func (m *Metrics) RecordLinkRecovery() {
	if m == nil {
		return
	}
	m.linkRecoveries.Inc()
}

func (m *Metrics) SetTotalCost(dollars float64) {
	if m == nil {
		return
	}
	m.costTotal.Set(dollars)
}
