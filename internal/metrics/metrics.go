// Package metrics provides Prometheus metrics for the hub.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "metroo_hub"
)

// Relay kinds used as label values.
const (
	KindTunnel = "tunnel"
	KindBridge = "bridge"
)

// Dial results used as label values.
const (
	DialSuccess = "success"
	DialError   = "error"
	DialTimeout = "timeout"
	DialAborted = "aborted"
)

// Byte directions used as label values.
const (
	ToAgent   = "to_agent"
	FromAgent = "from_agent"
)

// Metrics contains all Prometheus metrics for the hub.
type Metrics struct {
	// Agent metrics
	AgentsConnected  prometheus.Gauge
	AgentConnections prometheus.Counter
	AgentDisconnects *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec

	// Listener metrics
	ListenersActive     prometheus.Gauge
	ExposeErrors        *prometheus.CounterVec
	PortsInUse          prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec

	// Relay metrics
	RelaysActive  *prometheus.GaugeVec
	RelaysOpened  *prometheus.CounterVec
	RelaysClosed  *prometheus.CounterVec
	DialResults   *prometheus.CounterVec
	DialLatency   prometheus.Histogram
	ReachRejected *prometheus.CounterVec

	// Data transfer metrics
	BytesRelayed   *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of currently connected agents",
		}),
		AgentConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connections_total",
			Help:      "Total number of authenticated agent sessions",
		}),
		AgentDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_disconnects_total",
			Help:      "Total agent disconnections by reason",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total rejected channel handshakes by code",
		}, []string{"code"}),

		ListenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Number of bound tunnel listeners",
		}),
		ExposeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expose_errors_total",
			Help:      "Total failed expose requests by code",
		}, []string{"code"}),
		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Number of tunnel ports held or reserved",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client connections closed at accept by reason",
		}, []string{"reason"}),

		RelaysActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of registered relays by kind",
		}, []string{"kind"}),
		RelaysOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_opened_total",
			Help:      "Total relays created by kind",
		}, []string{"kind"}),
		RelaysClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_closed_total",
			Help:      "Total relays removed by kind and reason",
		}, []string{"kind", "reason"}),
		DialResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_results_total",
			Help:      "Resolutions of the dialing state by kind and result",
		}, []string{"kind", "result"}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Time from dial to dial_success in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ReachRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reach_rejected_total",
			Help:      "Reach requests refused before a bridge was created, by code",
		}, []string{"code"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes relayed by direction relative to the exposing agent",
		}, []string{"direction"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total control frames sent by type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total control frames received by type",
		}, []string{"type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames ignored by reason",
		}, []string{"reason"}),
	}
}

// RecordAgentConnect records an authenticated session.
func (m *Metrics) RecordAgentConnect() {
	m.AgentsConnected.Inc()
	m.AgentConnections.Inc()
}

// RecordAgentDisconnect records a session teardown.
func (m *Metrics) RecordAgentDisconnect(reason string) {
	m.AgentsConnected.Dec()
	m.AgentDisconnects.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a rejected handshake.
func (m *Metrics) RecordAuthFailure(code string) {
	m.AuthFailures.WithLabelValues(code).Inc()
}

// RecordListenerStart records a bound tunnel listener.
func (m *Metrics) RecordListenerStart() {
	m.ListenersActive.Inc()
}

// RecordListenerStop records a closed tunnel listener.
func (m *Metrics) RecordListenerStop() {
	m.ListenersActive.Dec()
}

// RecordExposeError records a failed expose.
func (m *Metrics) RecordExposeError(code string) {
	m.ExposeErrors.WithLabelValues(code).Inc()
}

// SetPortsInUse sets the allocator used-set size.
func (m *Metrics) SetPortsInUse(n int) {
	m.PortsInUse.Set(float64(n))
}

// RecordConnectionRejected records a client socket closed at accept.
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordRelayOpen records a relay entering the table.
func (m *Metrics) RecordRelayOpen(kind string) {
	m.RelaysActive.WithLabelValues(kind).Inc()
	m.RelaysOpened.WithLabelValues(kind).Inc()
}

// RecordRelayClose records a relay leaving the table.
func (m *Metrics) RecordRelayClose(kind, reason string) {
	m.RelaysActive.WithLabelValues(kind).Dec()
	m.RelaysClosed.WithLabelValues(kind, reason).Inc()
}

// RecordDialResult records how a relay left the dialing state.
func (m *Metrics) RecordDialResult(kind, result string) {
	m.DialResults.WithLabelValues(kind, result).Inc()
}

// RecordDialLatency records the time to dial_success.
func (m *Metrics) RecordDialLatency(latencySeconds float64) {
	m.DialLatency.Observe(latencySeconds)
}

// RecordReachRejected records a refused reach request.
func (m *Metrics) RecordReachRejected(code string) {
	m.ReachRejected.WithLabelValues(code).Inc()
}

// RecordBytes records relayed payload bytes.
func (m *Metrics) RecordBytes(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameDropped records an ignored inbound frame.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}
