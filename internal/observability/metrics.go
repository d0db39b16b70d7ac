package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"transport", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Frames sent and received by envelope kind.",
		},
		[]string{"direction", "kind"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "channel",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes sent and received.",
		},
		[]string{"direction"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands handled by the responder.",
		},
		[]string{"kind", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Time from acknowledge to completion.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"kind", "outcome"},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "session",
			Name:      "handshake_failures_total",
			Help:      "Connection-fatal channel and protocol failures.",
		},
		[]string{"role", "reason"},
	)
	simulations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "scheduler",
			Name:      "simulations_total",
			Help:      "Simulations executed by the scheduler.",
		},
		[]string{"success"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "service",
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, frameBytes,
			commands, commandDuration, handshakeFailures,
			simulations, connections,
		)
	})
}

func RecordHTTPRequest(transport, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(transport, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(transport, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, kind string, payloadBytes int) {
	RegisterMetrics()
	frames.WithLabelValues(direction, kind).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(payloadBytes))
}

func RecordCommand(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(kind, outcome).Inc()
	commandDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

func RecordHandshakeFailure(role, reason string) {
	RegisterMetrics()
	handshakeFailures.WithLabelValues(role, reason).Inc()
}

func RecordSimulation(success bool) {
	RegisterMetrics()
	simulations.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}
