package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grieco/vdisk/pkg/block"
)

// ioMetrics is the Prometheus implementation of block.Metrics.
//
// It collects per-node dispatch statistics:
//   - Operation counts by operation type and status
//   - Operation latency
//   - Bytes transferred
//   - Error counts
type ioMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// NewIOMetrics creates a new Prometheus-backed block.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes nodes to fall back to their built-in no-op implementation.
func NewIOMetrics() block.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &ioMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdisk_block_operations_total",
				Help: "Total number of block operations by operation type and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "vdisk_block_operation_duration_seconds",
				Help: "Duration of block operations in seconds",
				Buckets: []float64{
					0.0001, // 100us
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					5.0,    // 5s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdisk_block_bytes_transferred_total",
				Help: "Total bytes transferred in block operations",
			},
			[]string{"operation"},
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdisk_block_errors_total",
				Help: "Total number of block operation errors by operation type",
			},
			[]string{"operation"},
		),
	}
}

// ObserveOp implements block.Metrics.
func (m *ioMetrics) ObserveOp(op string, d time.Duration, bytes int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(op).Inc()
	}

	m.operationsTotal.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
	if bytes > 0 {
		m.bytesTransferred.WithLabelValues(op).Add(float64(bytes))
	}
}
