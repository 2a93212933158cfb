package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	tgpMetricsOnce sync.Once
	tgpRegistry    *TGPMetrics
)

// HTTP returns the lazily-initialised registry recording controller HTTP
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total controller HTTP requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total controller HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tbc",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for controller HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter or auth middleware.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	method = label(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "unauthorized".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(label(route), reason).Inc()
}

// TGPMetrics counts protocol messages handled by the controller and the
// settlement outcomes they produce.
type TGPMetrics struct {
	messages    *prometheus.CounterVec
	settlements *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// TGP returns the lazily-initialised protocol metrics registry.
func TGP() *TGPMetrics {
	tgpMetricsOnce.Do(func() {
		tgpRegistry = &TGPMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "tgp",
				Name:      "messages_total",
				Help:      "TGP messages handled by the controller segmented by phase and outcome code.",
			}, []string{"phase", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "tgp",
				Name:      "settlements_total",
				Help:      "SETTLE reports segmented by the action the controller took.",
			}, []string{"result"}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tbc",
				Subsystem: "tgp",
				Name:      "sessions",
				Help:      "Number of sessions currently tracked by the controller.",
			}),
		}
		prometheus.MustRegister(tgpRegistry.messages, tgpRegistry.settlements, tgpRegistry.sessions)
	})
	return tgpRegistry
}

// ObserveMessage records a handled message. Outcome is "ok" or an error code.
func (m *TGPMetrics) ObserveMessage(phase, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(strings.ToUpper(label(phase)), label(outcome)).Inc()
}

// RecordSettlement increments the settlement counter for result.
func (m *TGPMetrics) RecordSettlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(result)).Inc()
}

// SetSessions updates the tracked session gauge.
func (m *TGPMetrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
