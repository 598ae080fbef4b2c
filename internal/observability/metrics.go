package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects realtime socket and REST collaborator metrics.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics dependency without guarding every call.
type Metrics struct {
	// FramesSent counts frames written to a socket.
	// Labels: kind (presence|chat|notifications|calls), type
	FramesSent *prometheus.CounterVec

	// FramesReceived counts frames read from a socket.
	// Labels: kind, type
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts sends attempted while the socket was not open.
	// Labels: kind
	FramesDropped *prometheus.CounterVec

	// FramesInvalid counts frames rejected by schema validation.
	// Labels: kind
	FramesInvalid *prometheus.CounterVec

	// ConnectionsOpened counts sockets that reached the open state.
	// Labels: kind
	ConnectionsOpened *prometheus.CounterVec

	// ConnectionsClosed counts socket closes.
	// Labels: kind
	ConnectionsClosed *prometheus.CounterVec

	// DialFailures counts failed dials.
	// Labels: kind, code (connection|auth|protocol)
	DialFailures *prometheus.CounterVec

	// ActiveSockets tracks currently open sockets.
	// Labels: kind
	ActiveSockets *prometheus.GaugeVec

	// HTTPRequestDuration measures REST calls in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_frames_sent_total",
				Help: "Total number of frames written by socket kind and frame type",
			},
			[]string{"kind", "type"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_frames_received_total",
				Help: "Total number of frames read by socket kind and frame type",
			},
			[]string{"kind", "type"},
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_frames_dropped_total",
				Help: "Total number of frames dropped because the socket was not open",
			},
			[]string{"kind"},
		),

		FramesInvalid: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_frames_invalid_total",
				Help: "Total number of frames rejected by schema validation",
			},
			[]string{"kind"},
		),

		ConnectionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_connections_opened_total",
				Help: "Total number of sockets opened by kind",
			},
			[]string{"kind"},
		),

		ConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_connections_closed_total",
				Help: "Total number of sockets closed by kind",
			},
			[]string{"kind"},
		),

		DialFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_dial_failures_total",
				Help: "Total number of failed socket dials by kind and error code",
			},
			[]string{"kind", "code"},
		),

		ActiveSockets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "huddle_active_sockets",
				Help: "Current number of open sockets by kind",
			},
			[]string{"kind"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "huddle_http_request_duration_seconds",
				Help:    "Duration of REST requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(kind, frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind, frameType).Inc()
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(kind, frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind, frameType).Inc()
}

// FrameDropped records a send attempted on a socket that was not open.
func (m *Metrics) FrameDropped(kind string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(kind).Inc()
}

// FrameInvalid records a frame rejected by validation.
func (m *Metrics) FrameInvalid(kind string) {
	if m == nil {
		return
	}
	m.FramesInvalid.WithLabelValues(kind).Inc()
}

// SocketOpened records a socket reaching the open state.
func (m *Metrics) SocketOpened(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsOpened.WithLabelValues(kind).Inc()
	m.ActiveSockets.WithLabelValues(kind).Inc()
}

// SocketClosed records an open socket closing.
func (m *Metrics) SocketClosed(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(kind).Inc()
	m.ActiveSockets.WithLabelValues(kind).Dec()
}

// DialFailed records a failed dial.
func (m *Metrics) DialFailed(kind, code string) {
	if m == nil {
		return
	}
	m.DialFailures.WithLabelValues(kind, code).Inc()
}

// RecordHTTPRequest records a REST call.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
