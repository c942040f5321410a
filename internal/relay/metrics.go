package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the relay's operational counters.
type Metrics struct {
	registry *prometheus.Registry

	peersConnected  prometheus.Gauge
	envelopesRouted *prometheus.CounterVec
	relayedPayloads prometheus.Counter
	rateLimited     prometheus.Counter
	routingErrors   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_relay_peers_connected",
			Help: "Number of peers currently registered with the relay",
		}),

		envelopesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_envelopes_routed_total",
			Help: "Signaling envelopes routed, by envelope type",
		}, []string{"type"}),

		relayedPayloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_relay_fallback_payloads_total",
			Help: "Application payloads delivered through the relay fallback path",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_relay_rate_limited_total",
			Help: "Envelopes dropped because a peer exceeded its rate limit",
		}),

		routingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_relay_routing_errors_total",
			Help: "Envelopes that could not be delivered to their target",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
