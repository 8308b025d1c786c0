package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	ViewersActive  prometheus.Gauge

	// Capture metrics
	FramesSent      prometheus.Counter
	FramesSkipped   prometheus.Counter
	FramesDropped   prometheus.Counter
	CaptureFailures prometheus.Counter
	StreamBytes     prometheus.Counter

	// Input metrics
	TouchCommands  *prometheus.CounterVec
	DeviceCommands *prometheus.CounterVec

	// WebSocket metrics
	WSMessages *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of active device sessions",
			},
		),
		SessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_sessions_total",
				Help: "Total number of device sessions created",
			},
		),
		ViewersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_viewers_active",
				Help: "Number of attached viewer connections",
			},
		),

		FramesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_frames_sent_total",
				Help: "Total number of frames fanned out to viewers",
			},
		),
		FramesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_frames_skipped_total",
				Help: "Capture ticks skipped due to in-flight capture or zero viewers",
			},
		),
		FramesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_frames_dropped_total",
				Help: "Frames dropped on slow viewer send buffers",
			},
		),
		CaptureFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_capture_failures_total",
				Help: "Total number of failed capture attempts",
			},
		),
		StreamBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_stream_bytes_total",
				Help: "Total encoded stream bytes forwarded to viewers",
			},
		),

		TouchCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_touch_commands_total",
				Help: "Total number of touch commands issued to devices",
			},
			[]string{"kind"},
		),
		DeviceCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_device_commands_total",
				Help: "Total number of discrete device commands",
			},
			[]string{"kind", "status"},
		),

		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_uptime_seconds",
				Help: "Relay uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWSMessage records a WebSocket message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordTouchCommand records an issued touch command.
func (m *Metrics) RecordTouchCommand(kind string) {
	m.TouchCommands.WithLabelValues(kind).Inc()
}

// RecordDeviceCommand records a discrete device command outcome.
func (m *Metrics) RecordDeviceCommand(kind, status string) {
	m.DeviceCommands.WithLabelValues(kind, status).Inc()
}
