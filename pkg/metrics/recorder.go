package metrics

import (
	"context"
	"strconv"
	"time"
)

const (
	cycleCounterName       = "branch_cdc.cycles"
	cycleCounterDesc       = "number of sync cycles by task, mode and status"
	cycleDurationName      = "branch_cdc.cycle_latency"
	cycleDurationDesc      = "duration of sync cycles by task and status"
	rowsAppliedName        = "branch_cdc.rows_applied"
	rowsAppliedDesc        = "rows loaded or statements executed downstream"
	verificationName       = "branch_cdc.verifications"
	verificationDesc       = "number of verifications by task, level and result"
	lockContentionName     = "branch_cdc.lock_contention"
	lockContentionDesc     = "cycles skipped because another instance held the task lock"
	applyFailureStreakName = "branch_cdc.apply_failure_streak"
	applyFailureStreakDesc = "consecutive apply failures of a task"
)

// Status of a finished cycle.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// M records the replication metrics of sync cycles.
type M struct {
	underlying Handler
}

func (m *M) RecordCycle(ctx context.Context, taskID string, mode string, status string, dur time.Duration) {
	c := m.underlying.Int64Counter(cycleCounterName, cycleCounterDesc, Dimensionless)
	h := m.underlying.Int64Histogram(cycleDurationName, cycleDurationDesc, Milliseconds)
	c.Add(ctx, 1, map[string]string{"task_id": taskID, "mode": mode, "status": status})
	h.Record(ctx, dur.Milliseconds(), map[string]string{"task_id": taskID, "status": status})
}

func (m *M) RecordRows(ctx context.Context, taskID string, mode string, rows int64) {
	if rows <= 0 {
		return
	}
	c := m.underlying.Int64Counter(rowsAppliedName, rowsAppliedDesc, Dimensionless)
	c.Add(ctx, rows, map[string]string{"task_id": taskID, "mode": mode})
}

func (m *M) RecordVerification(ctx context.Context, taskID string, level string, match bool) {
	c := m.underlying.Int64Counter(verificationName, verificationDesc, Dimensionless)
	c.Add(ctx, 1, map[string]string{"task_id": taskID, "level": level, "match": strconv.FormatBool(match)})
}

func (m *M) RecordLockContention(ctx context.Context, taskID string) {
	c := m.underlying.Int64Counter(lockContentionName, lockContentionDesc, Dimensionless)
	c.Add(ctx, 1, map[string]string{"task_id": taskID})
}

func (m *M) ObserveApplyFailures(ctx context.Context, taskID string, streak int) {
	g := m.underlying.Int64Gauge(applyFailureStreakName, applyFailureStreakDesc, Dimensionless)
	g.Observe(ctx, int64(streak), map[string]string{"task_id": taskID})
}

func New(handler Handler) *M {
	if handler == nil {
		handler = discard{}
	}
	return &M{underlying: handler}
}
