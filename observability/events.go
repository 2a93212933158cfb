package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tbc/core/events"
	"tbc/core/types"
	"tbc/observability/metrics"
)

type eventMetrics struct {
	transitions *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking escrow lifecycle events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tbc",
				Subsystem: "events",
				Name:      "escrow_total",
				Help:      "Count of escrow lifecycle events segmented by type and mode.",
			}, []string{"type", "mode"}),
		}
		prometheus.MustRegister(eventRegistry.transitions)
	})
	return eventRegistry
}

// RecordEscrow increments the event counter for the supplied event type.
func (m *eventMetrics) RecordEscrow(eventType, mode string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(mode))
	if normalized == "" {
		normalized = "unknown"
	}
	m.transitions.WithLabelValues(label(eventType), normalized).Inc()
}

type payloadCarrier interface {
	Event() *types.Event
}

// EventMetricsEmitter counts every event it receives and feeds settlement
// volume into the ledger metrics. Install it alongside other emitters with
// events.NewFanout.
type EventMetricsEmitter struct{}

var _ events.Emitter = EventMetricsEmitter{}

// Emit implements events.Emitter.
func (EventMetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	var payload *types.Event
	if carrier, ok := evt.(payloadCarrier); ok {
		payload = carrier.Event()
	}
	mode := payload.Attr("mode")
	Events().RecordEscrow(evt.EventType(), mode)
	if evt.EventType() != "escrow.settled" {
		return
	}
	amount, ok := new(big.Int).SetString(payload.Attr("buyerAmount"), 10)
	if !ok {
		amount = nil
	}
	metrics.Ledger().RecordReceipt(mode, amount)
}
