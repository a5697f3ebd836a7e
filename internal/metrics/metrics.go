// Package metrics exposes Prometheus collectors for the shortener.
package metrics

import (
	"net/http"

	"github.com/life-stream-dev/life-stream-go-shortener/internal/delivery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shortener"

type Metrics struct {
	registry *prometheus.Registry

	sends       *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	unreachable prometheus.Counter
	pending     prometheus.Gauge

	ClientsConnected prometheus.Gauge
	LinksCreated     prometheus.Counter
	LinksResolved    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Frames written to clients, by initial send or retry.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Deliveries that reached a terminal state.",
		}, []string{"outcome"}),
		unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "unreachable_total",
			Help:      "Deliveries dropped because the client was not connected.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "pending",
			Help:      "Deliveries awaiting acknowledgment.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Live WebSocket sessions.",
		}),
		LinksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Short codes created.",
		}),
		LinksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_resolved_total",
			Help:      "Successful short code resolutions.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sends,
		m.outcomes,
		m.unreachable,
		m.pending,
		m.ClientsConnected,
		m.LinksCreated,
		m.LinksResolved,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Delivery adapts the collectors to the delivery manager.
func (m *Metrics) Delivery() delivery.Metrics {
	return deliveryMetrics{m}
}

type deliveryMetrics struct {
	m *Metrics
}

func (d deliveryMetrics) ObserveSend(retry bool) {
	kind := "initial"
	if retry {
		kind = "retry"
	}
	d.m.sends.WithLabelValues(kind).Inc()
}

func (d deliveryMetrics) ObserveOutcome(state delivery.State) {
	d.m.outcomes.WithLabelValues(state.String()).Inc()
}

func (d deliveryMetrics) ObserveUnreachable() {
	d.m.unreachable.Inc()
}

func (d deliveryMetrics) SetPending(n int) {
	d.m.pending.Set(float64(n))
}
