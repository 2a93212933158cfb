package metrics

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks receipts minted by the settlement ledger and the
// exports taken from it.
type LedgerMetrics struct {
	receipts       *prometheus.CounterVec
	volume         *prometheus.CounterVec
	exportRows     prometheus.Counter
	exportFailures prometheus.Counter
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tbc_ledger_receipts_total",
				Help: "Count of settlement receipts minted by escrow mode.",
			}, []string{"mode"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tbc_ledger_settled_volume",
				Help: "Cumulative buyer amount released to sellers by escrow mode.",
			}, []string{"mode"}),
			exportRows: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tbc_ledger_export_rows_total",
				Help: "Receipts written to parquet exports.",
			}),
			exportFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tbc_ledger_export_failures_total",
				Help: "Parquet exports that returned an error.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.receipts,
			ledgerRegistry.volume,
			ledgerRegistry.exportRows,
			ledgerRegistry.exportFailures,
		)
	})
	return ledgerRegistry
}

// RecordReceipt counts one minted receipt and adds amount to the settled
// volume. A nil amount only bumps the receipt count.
func (m *LedgerMetrics) RecordReceipt(mode string, amount *big.Int) {
	if m == nil {
		return
	}
	mode = strings.TrimSpace(strings.ToLower(mode))
	if mode == "" {
		mode = "unknown"
	}
	m.receipts.WithLabelValues(mode).Inc()
	if v := bigToFloat(amount); v > 0 {
		m.volume.WithLabelValues(mode).Add(v)
	}
}

func (m *LedgerMetrics) RecordExport(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.exportFailures.Inc()
		return
	}
	m.exportRows.Add(float64(rows))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
