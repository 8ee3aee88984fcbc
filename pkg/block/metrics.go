package block

import "time"

// Metrics is the sink for per-node I/O instrumentation. A nil sink is
// replaced by a no-op implementation with zero overhead, so metrics are
// strictly optional.
type Metrics interface {
	// ObserveOp records one dispatched operation with its duration, the
	// bytes transferred (zero for non-transfer operations) and the error
	// outcome, nil on success.
	ObserveOp(op string, d time.Duration, bytes int64, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOp(string, time.Duration, int64, error) {}
