package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lifelinetty"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Serial connect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	linkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while a serial link is up.",
		},
	)
	backoffDelay = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "backoff_delay_seconds",
			Help:      "Current reconnect backoff delay.",
		},
	)
	negotiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "outcomes_total",
			Help:      "Handshake outcomes by local role.",
		},
		[]string{"role", "fallback"},
	)
	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "frames_rejected_total",
			Help:      "Tunnel frames rejected by reason.",
		},
		[]string{"reason"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "commands_total",
			Help:      "Command requests by result.",
		},
		[]string{"result"},
	)
	watchdogExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "expiries_total",
			Help:      "Watchdog expiry episodes by channel.",
		},
		[]string{"channel"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connectAttempts, linkConnected, backoffDelay,
			negotiations, framesRejected, commands, watchdogExpiries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordConnect counts one connect attempt. outcome is "connected" or a
// transport failure kind.
func RecordConnect(outcome string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(outcome).Inc()
}

func SetLinkConnected(up bool) {
	RegisterMetrics()
	if up {
		linkConnected.Set(1)
		return
	}
	linkConnected.Set(0)
}

func SetBackoffDelay(d time.Duration) {
	RegisterMetrics()
	backoffDelay.Set(d.Seconds())
}

func RecordNegotiation(role string, fallback bool) {
	RegisterMetrics()
	negotiations.WithLabelValues(role, strconv.FormatBool(fallback)).Inc()
}

func RecordFrameRejected(reason string) {
	RegisterMetrics()
	framesRejected.WithLabelValues(reason).Inc()
}

func RecordCommand(result string) {
	RegisterMetrics()
	commands.WithLabelValues(result).Inc()
}

func RecordWatchdogExpiry(channel string) {
	RegisterMetrics()
	watchdogExpiries.WithLabelValues(channel).Inc()
}
