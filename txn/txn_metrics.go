package txn

import (
	"time"

	"github.com/basaltdb/basalt/telemetry"
)

// opMetrics provides centralized per-operation telemetry recording for the
// transaction manager's state machine ops.
type opMetrics struct {
	op        string // "prepare", "commit", "publish", "rollback", "delete"
	startTime time.Time
}

func newOpMetrics(op string) *opMetrics {
	return &opMetrics{
		op:        op,
		startTime: time.Now(),
	}
}

// failure records a failed operation with the specified result label and
// returns the original error unchanged (pass-through).
// Common results: "failed", "exists", "rejected", "not_found"
func (m *opMetrics) failure(result string, err error) error {
	telemetry.TxnOpsTotal.With(m.op, result).Inc()
	telemetry.TxnOpDurationSeconds.With(m.op).Observe(time.Since(m.startTime).Seconds())
	return err
}

// success records a successful operation. Returns nil for convenient use in
// return statements.
func (m *opMetrics) success() error {
	telemetry.TxnOpsTotal.With(m.op, "success").Inc()
	telemetry.TxnOpDurationSeconds.With(m.op).Observe(time.Since(m.startTime).Seconds())
	return nil
}
