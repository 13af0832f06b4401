package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_gateway_active_sessions",
		Help: "Number of active bot sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_gateway_sessions_total",
		Help: "Total number of sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_gateway_session_duration_seconds",
		Help:    "Duration of bot sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	})

	// Startup step metrics
	startupStepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bot_gateway_startup_step_seconds",
		Help:    "Latency of each session startup step in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0, 30.0},
	}, []string{"step"}) // step: ports, bot, proxy, tunnel, registration

	// Registration metrics
	registrationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_registration_requests_total",
		Help: "Total number of external registration requests",
	}, []string{"status"}) // status: success, duplicate, timeout, error

	// Process metrics
	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_process_exits_total",
		Help: "Total number of supervised process exits",
	}, []string{"role", "expected"})

	// Bridge metrics
	relayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_relay_bytes_total",
		Help: "Total audio bytes relayed through the bridge",
	}, []string{"direction"}) // direction: "to_pipeline" or "to_meeting"

	frameDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_gateway_frame_decode_errors_total",
		Help: "Total number of pipeline frames dropped as undecodable",
	})

	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_dropped_messages_total",
		Help: "Messages dropped because a connection send queue was full",
	}, []string{"role"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	stepStart time.Time
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStepStart marks the beginning of a startup step
func (m *SessionMetrics) RecordStepStart() {
	m.mu.Lock()
	m.stepStart = time.Now()
	m.mu.Unlock()
}

// RecordStepEnd records the latency of a startup step
func (m *SessionMetrics) RecordStepEnd(step string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.stepStart.IsZero() {
		startupStepLatency.WithLabelValues(step).Observe(time.Since(m.stepStart).Seconds())
	}
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordRegistration records the outcome of an external registration request
func RecordRegistration(status string) {
	registrationRequests.WithLabelValues(status).Inc()
}

// RecordProcessExit records a supervised process exit
func RecordProcessExit(role string, expected bool) {
	label := "true"
	if !expected {
		label = "false"
	}
	processExits.WithLabelValues(role, label).Inc()
}

// RecordRelayBytes records audio bytes relayed by the bridge
func RecordRelayBytes(direction string, bytes int64) {
	relayBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameDecodeError records a dropped, undecodable pipeline frame
func RecordFrameDecodeError() {
	frameDecodeErrors.Inc()
}

// RecordDroppedMessage records a message dropped on a full send queue
func RecordDroppedMessage(role string) {
	droppedMessages.WithLabelValues(role).Inc()
}
