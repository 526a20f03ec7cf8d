package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "groundlink_"

const (
	commandResultAcked    = "acked"
	commandResultEmptyAck = "empty_ack"
	commandResultFailed   = "failed"
	commandResultTimeout  = "timeout"
	commandResultOversize = "oversized_ack"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tmChunks        prometheus.Counter
	tmBytes         prometheus.Counter
	tcCommands      *prometheus.CounterVec
	tcAckLatency    prometheus.Histogram
	forwarderUp     *prometheus.GaugeVec
	brokerConnected *prometheus.GaugeVec
	restarts        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tmChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "tm_chunks_total",
			Help: "Telemetry chunks published to the fan-out exchange",
		}),
		tmBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "tm_bytes_total",
			Help: "Telemetry bytes published to the fan-out exchange",
		}),
		tcCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "tc_commands_total",
			Help: "Telecommands processed by result",
		}, []string{"result"}),
		tcAckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "tc_ack_latency_seconds",
			Help:    "Time from modem dial to acknowledgement read",
			Buckets: prometheus.DefBuckets,
		}),
		forwarderUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "forwarder_up",
			Help: "1 while the forwarder loop is running",
		}, []string{"path"}),
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "broker_connected",
			Help: "1 while the forwarder's broker connection is open",
		}, []string{"path"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "forwarder_restarts_total",
			Help: "Forwarder restarts performed by the supervisor",
		}, []string{"path"}),
	}

	reg.MustRegister(
		m.tmChunks,
		m.tmBytes,
		m.tcCommands,
		m.tcAckLatency,
		m.forwarderUp,
		m.brokerConnected,
		m.restarts,
	)
	return m
}

func (m *Metrics) observeChunk(size int) {
	if m == nil {
		return
	}
	m.tmChunks.Inc()
	m.tmBytes.Add(float64(size))
}

func (m *Metrics) observeCommand(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.tcCommands.WithLabelValues(result).Inc()
	if latency > 0 {
		m.tcAckLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) setForwarderUp(path Path, up bool) {
	if m == nil {
		return
	}
	m.forwarderUp.WithLabelValues(string(path)).Set(boolGauge(up))
}

func (m *Metrics) setBrokerConnected(path Path, connected bool) {
	if m == nil {
		return
	}
	m.brokerConnected.WithLabelValues(string(path)).Set(boolGauge(connected))
}

func (m *Metrics) observeRestart(path Path) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(string(path)).Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
