package rudp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the transport's instrumentation. A nil *Metrics disables
// collection; all recording helpers are nil-safe
type Metrics struct {
	SegmentsIn        *prometheus.CounterVec
	SegmentsOut       *prometheus.CounterVec
	Retransmissions   prometheus.Counter
	MalformedSegments prometheus.Counter
	DroppedSegments   prometheus.Counter
	ActiveConnections prometheus.Gauge
	ConnectionFailures prometheus.Counter
}

// NewMetrics creates unregistered collectors for the transport
func NewMetrics() *Metrics {
	return &Metrics{
		SegmentsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rudp_segments_in_total",
			Help: "Segments received, by variant.",
		}, []string{"kind"}),
		SegmentsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rudp_segments_out_total",
			Help: "Segments transmitted, by variant.",
		}, []string{"kind"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_retransmissions_total",
			Help: "Segments retransmitted after a retransmission timeout or EAK.",
		}),
		MalformedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_malformed_segments_total",
			Help: "Datagrams dropped because they did not parse as a segment.",
		}),
		DroppedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_dropped_segments_total",
			Help: "Parsed segments dropped (inbound queue full, no matching connection, or reassembly buffer full).",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rudp_active_connections",
			Help: "Connections currently open, accepted or dialed.",
		}),
		ConnectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_connection_failures_total",
			Help: "Connections that failed asynchronously.",
		}),
	}
}

// Register registers all collectors with the given registerer
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.SegmentsIn, m.SegmentsOut, m.Retransmissions, m.MalformedSegments,
		m.DroppedSegments, m.ActiveConnections, m.ConnectionFailures,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) segmentIn(k segmentKind) {
	if m != nil {
		m.SegmentsIn.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) segmentOut(k segmentKind) {
	if m != nil {
		m.SegmentsOut.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) retransmission() {
	if m != nil {
		m.Retransmissions.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedSegments.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.DroppedSegments.Inc()
	}
}

func (m *Metrics) connActive(delta float64) {
	if m != nil {
		m.ActiveConnections.Add(delta)
	}
}

func (m *Metrics) connFailure() {
	if m != nil {
		m.ConnectionFailures.Inc()
	}
}
