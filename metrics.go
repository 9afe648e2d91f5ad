package zfs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK           = "ok"
	resultError        = "error"
	resultSkipped      = "skipped"
	resultUnrecognized = "unrecognized"
)

// Metrics counts dispatched ABI sensitive operations. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics registers the library collectors with the registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "zfsabi_operations_total",
				Help: "Total number of ABI sensitive operations by operation, mode and result",
			},
			[]string{"operation", "mode", "result"}, // result: ok, error, skipped, unrecognized
		),
	}
}

func (m *Metrics) observe(op Operation, mode Mode, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(op), string(mode), result).Inc()
}
