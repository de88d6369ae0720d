// Package metrics provides Prometheus metrics for dan.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/postalsys/dan/internal/udp"
)

const (
	namespace = "dan"
)

// Metrics contains all Prometheus metrics for a socket and its relay.
//
// Metrics implements udp.Observer, so it can be plugged straight into
// udp.Options.
type Metrics struct {
	// Data transfer metrics
	PacketsReceived prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsSent     prometheus.Counter
	BytesSent       prometheus.Counter
	PacingDelay     prometheus.Histogram

	// Queue metrics
	InboundDrops *prometheus.CounterVec
	WriteRejects *prometheus.CounterVec

	// Protocol metrics
	ProtocolMismatches *prometheus.CounterVec

	// Pump metrics
	PumpsRunning *prometheus.GaugeVec
	PumpStops    *prometheus.CounterVec

	// Discovery metrics
	DiscoverRTT      prometheus.Histogram
	DiscoverFailures prometheus.Counter

	// Relay metrics
	RelayRestarts *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
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

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Data transfer metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total datagrams that passed validation",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes of validated datagrams",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total datagrams sent",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		PacingDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_delay_seconds",
			Help:      "Histogram of time the outbound pump waited before a send",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		// Queue metrics
		InboundDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Total valid datagrams discarded by the inbound overflow policy",
		}, []string{"reason"}),
		WriteRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_rejected_total",
			Help:      "Total packets refused by EnqueueWrite by reason",
		}, []string{"reason"}),

		// Protocol metrics
		ProtocolMismatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_mismatches_total",
			Help:      "Total inbound datagrams rejected by kind (size, origin)",
		}, []string{"kind"}),

		// Pump metrics
		PumpsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pumps_running",
			Help:      "Whether the pump of each direction is running",
		}, []string{"direction"}),
		PumpStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_stops_total",
			Help:      "Total pump exits by direction and result (shutdown, error)",
		}, []string{"direction", "result"}),

		// Discovery metrics
		DiscoverRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discover_rtt_seconds",
			Help:      "Histogram of peer discovery round-trip time in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		DiscoverFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discover_failures_total",
			Help:      "Total peer discovery exchanges that failed",
		}),

		// Relay metrics
		RelayRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_restarts_total",
			Help:      "Total pump restarts performed by the relay by direction",
		}, []string{"direction"}),
	}

	return m
}

// PacketReceived records a validated inbound datagram.
func (m *Metrics) PacketReceived(size int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// PacketSent records a datagram sent and the pacing wait before it.
func (m *Metrics) PacketSent(size int, paced time.Duration) {
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(size))
	m.PacingDelay.Observe(paced.Seconds())
}

// InboundDropped records a packet discarded by the overflow policy.
func (m *Metrics) InboundDropped(reason string) {
	m.InboundDrops.WithLabelValues(reason).Inc()
}

// WriteRejected records a packet refused by EnqueueWrite.
func (m *Metrics) WriteRejected(reason string) {
	m.WriteRejects.WithLabelValues(reason).Inc()
}

// ProtocolMismatch records a rejected inbound datagram. A datagram that is
// wrong on both counts is recorded under both kinds.
func (m *Metrics) ProtocolMismatch(err *udp.ProtocolMismatchError) {
	if err.SizeMismatch() {
		m.ProtocolMismatches.WithLabelValues("size").Inc()
	}
	if err.OriginMismatch() {
		m.ProtocolMismatches.WithLabelValues("origin").Inc()
	}
}

// PumpStarted marks a pump as running.
func (m *Metrics) PumpStarted(dir udp.Direction) {
	m.PumpsRunning.WithLabelValues(dir.String()).Set(1)
}

// PumpStopped marks a pump as stopped and counts the exit.
func (m *Metrics) PumpStopped(dir udp.Direction, err error) {
	m.PumpsRunning.WithLabelValues(dir.String()).Set(0)
	result := "shutdown"
	if err != nil {
		result = "error"
	}
	m.PumpStops.WithLabelValues(dir.String(), result).Inc()
}

// PeerDiscovered records the outcome of a discovery exchange.
func (m *Metrics) PeerDiscovered(rtt time.Duration, err error) {
	if err != nil {
		m.DiscoverFailures.Inc()
		return
	}
	m.DiscoverRTT.Observe(rtt.Seconds())
}

// RecordRelayRestart records a pump restart by the relay.
func (m *Metrics) RecordRelayRestart(dir udp.Direction) {
	m.RelayRestarts.WithLabelValues(dir.String()).Inc()
}

var _ udp.Observer = (*Metrics)(nil)
