package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus registry and the host meters.
type Metrics struct {
	Registry        *prometheus.Registry
	InvokeDuration  *prometheus.HistogramVec
	InvokeTotal     *prometheus.CounterVec
	IngressTotal    *prometheus.CounterVec
	EgressTotal     *prometheus.CounterVec
	HTTPClientTotal *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	RoutedTotal     *prometheus.CounterVec
}

// NewMetrics creates a private registry with the standard meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	invokeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msg_invoke_duration_seconds",
		Help:    "Duration of provider invocations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	invokeTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_invoke_total",
		Help: "Provider invocations by outcome.",
	}, []string{"provider", "op", "status"})

	ingressTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_ingress_total",
		Help: "Webhook deliveries by HTTP status.",
	}, []string{"provider", "status"})

	egressTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_egress_total",
		Help: "Outbound sends by final egress state.",
	}, []string{"provider", "state"})

	httpTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_http_client_requests_total",
		Help: "Outbound HTTP requests by host and status class.",
	}, []string{"host", "code"})

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_telemetry_events_total",
		Help: "Telemetry events logged by providers.",
	}, []string{"event"})

	routedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msg_routed_events_total",
		Help: "Ingested envelopes by routing outcome.",
	}, []string{"provider", "outcome"})

	reg.MustRegister(invokeDuration, invokeTotal, ingressTotal, egressTotal, httpTotal, eventsTotal, routedTotal)

	return &Metrics{
		Registry:        reg,
		InvokeDuration:  invokeDuration,
		InvokeTotal:     invokeTotal,
		IngressTotal:    ingressTotal,
		EgressTotal:     egressTotal,
		HTTPClientTotal: httpTotal,
		EventsTotal:     eventsTotal,
		RoutedTotal:     routedTotal,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveHTTP counts one outbound request. code is the status class such
// as "2xx", or a host error code.
func (m *Metrics) ObserveHTTP(host, code string) {
	if m == nil {
		return
	}
	m.HTTPClientTotal.WithLabelValues(host, code).Inc()
}
