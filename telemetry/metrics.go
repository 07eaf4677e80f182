package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "publish_total",
			Help:      "Publish attempts per topic, by result.",
		},
		[]string{"result"},
	)

	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "messages_received_total",
			Help:      "Inbound gossip messages accepted by the router.",
		},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "messages_dropped_total",
			Help:      "Inbound gossip messages dropped at the router boundary, by reason.",
		},
		[]string{"reason"},
	)

	RPCDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "rpc_dropped_total",
			Help:      "Outbound gossip RPCs dropped for a single peer link.",
		},
	)

	DiscoveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "discovery_events_total",
			Help:      "Local-network discovery events, by kind.",
		},
		[]string{"kind"},
	)

	DialTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clcat",
			Name:      "dial_total",
			Help:      "Outbound dial attempts, by result.",
		},
		[]string{"result"},
	)

	Links = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clcat",
			Name:      "links",
			Help:      "Established links, by transport.",
		},
		[]string{"transport"},
	)

	ExplicitPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clcat",
			Name:      "explicit_peers",
			Help:      "Peers in the router's explicit relay set.",
		},
	)
)

func init() {
	Registry.MustRegister(
		PublishTotal,
		MessagesReceived,
		MessagesDropped,
		RPCDropped,
		DiscoveryEvents,
		DialTotal,
		Links,
		ExplicitPeers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
