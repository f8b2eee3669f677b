package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stylestore"

// Metrics registers on its own registry rather than the global default.
type Metrics struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	LatencyMS         *prometheus.HistogramVec
	StoreState        *prometheus.GaugeVec
	StoreConnected    *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	OrderTransitions  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "method", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		StoreState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_connection_state",
			Help:      "Durable store connection state (0 uninitialized, 1 connecting, 2 connected, 3 disconnecting, 4 disconnected).",
		}, []string{"store"}),
		StoreConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_connected",
			Help:      "1 while the durable store is connected.",
		}, []string{"store"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_connect_attempts_total",
			Help:      "Durable store connection attempts by result.",
		}, []string{"store", "result"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Applied order lifecycle transitions.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.Requests,
		m.LatencyMS,
		m.StoreState,
		m.StoreConnected,
		m.ReconnectAttempts,
		m.OrderTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveRequest(handler, method string, status int, elapsed time.Duration) {
	m.Requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

// SetStoreState records the monitor state by its numeric value.
func (m *Metrics) SetStoreState(store string, state int, connected bool) {
	m.StoreState.WithLabelValues(store).Set(float64(state))
	if connected {
		m.StoreConnected.WithLabelValues(store).Set(1)
	} else {
		m.StoreConnected.WithLabelValues(store).Set(0)
	}
}

func (m *Metrics) ConnectAttempt(store string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ReconnectAttempts.WithLabelValues(store, result).Inc()
}

func (m *Metrics) OrderTransition(event string) {
	m.OrderTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
