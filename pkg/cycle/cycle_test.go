package cycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/conductorone/branch-cdc/internal/enginetest"
	"github.com/conductorone/branch-cdc/pkg/apply"
	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/lock"
	"github.com/conductorone/branch-cdc/pkg/metrics"
	"github.com/conductorone/branch-cdc/pkg/reaper"
	"github.com/conductorone/branch-cdc/pkg/stage"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/verify"
	"github.com/conductorone/branch-cdc/pkg/watermark"
)

const ordersDDL = "CREATE TABLE `orders` (`id` INTEGER NOT NULL PRIMARY KEY, `item` TEXT, `qty` INTEGER)"

type fixture struct {
	up    *enginetest.Upstream
	down  *enginetest.Downstream
	task  *task.SyncTask
	rs    *task.RunState
	locks *lock.Manager
	wm    *watermark.Store
	deps  Deps

	mtx sync.Mutex
	now time.Time
}

// clock advances one second per call so every snapshot gets its own name.
func (f *fixture) clock() time.Time {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.now = f.now.Add(time.Second)
	return f.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		up:   enginetest.NewUpstream(t),
		down: enginetest.NewDownstream(t),
		now:  time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	f.up.SetClock(f.clock)
	f.up.Exec(t, ordersDDL)
	f.up.Exec(t, "INSERT INTO orders VALUES (1, 'apple', 3), (2, 'pear', 1), (3, 'fig', 8)")

	var err error
	f.task, err = task.New(
		task.Endpoint{Host: "up", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		task.Endpoint{Host: "down", Port: 6001, Database: enginetest.Schema, Table: "orders_replica"},
		"file://"+t.TempDir(),
	)
	require.NoError(t, err)
	f.rs = task.NewRunState(f.task, "owner-a")

	f.locks, err = lock.NewManager(f.down.DB(), f.down.Dialect(), enginetest.Table("cdc_lock"))
	require.NoError(t, err)
	require.NoError(t, f.locks.EnsureSchema(ctx))
	f.wm, err = watermark.NewStore(f.down.DB(), f.down.Dialect(), enginetest.Table("cdc_watermark"))
	require.NoError(t, err)
	require.NoError(t, f.wm.EnsureSchema(ctx))

	store := stage.LocalStore{}
	f.deps = Deps{
		Upstream:     f.up,
		Downstream:   f.down,
		Locks:        f.locks,
		Watermarks:   f.wm,
		Archeologist: watermark.NewArcheologist(f.up, f.down, f.wm, watermark.WithProbesPerSecond(0)),
		Capturer:     capture.New(f.up, capture.WithClock(f.clock)),
		Applier:      apply.New(f.down, store, apply.NewRowLoader(store, f.down.Dialect()), f.wm, f.locks),
		Verifier:     verify.New(f.up, f.down, verify.WithFullEvery(1)),
		Reaper:       reaper.New(f.up, store),
	}
	return f
}

func (f *fixture) controller(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c, err := New(f.rs, f.deps, append([]Option{WithClock(f.clock)}, opts...)...)
	require.NoError(t, err)
	return c
}

func (f *fixture) run(t *testing.T, c *Controller) *Outcome {
	t.Helper()
	out, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, out.Skipped)
	return out
}

func (f *fixture) requireInSync(t *testing.T) {
	t.Helper()
	require.Equal(t,
		enginetest.RowTexts(t, f.up.DB(), f.task.Source()),
		enginetest.RowTexts(t, f.down.DB(), f.task.Target()),
	)
}

func (f *fixture) watermark(t *testing.T) string {
	t.Helper()
	snap, _, err := f.wm.Get(context.Background(), f.task.ID())
	require.NoError(t, err)
	return snap
}

func (f *fixture) snapshotNames() []string {
	var names []string
	for _, s := range f.up.Snapshots() {
		names = append(names, s.Name)
	}
	return names
}

func (f *fixture) requireNoTempTables(t *testing.T) {
	t.Helper()
	for _, suffix := range []string{"zero", "prev"} {
		exists, err := f.up.TableExists(context.Background(), f.task.TempTable(suffix))
		require.NoError(t, err)
		require.False(t, exists, suffix)
	}
}

func TestRoundTripFullThenIncremental(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)

	first := f.run(t, c)
	require.Equal(t, capture.ModeFull, first.Mode)
	require.Equal(t, "initial load", first.Reason)
	require.False(t, first.Truncated)
	require.EqualValues(t, 3, first.Rows)
	require.Equal(t, first.Watermark, f.watermark(t))
	require.NotNil(t, first.Verification)
	require.True(t, first.Verification.Match)
	f.requireInSync(t)
	f.requireNoTempTables(t)

	f.up.Exec(t, "UPDATE orders SET qty = 4 WHERE id = 2")
	f.up.Exec(t, "DELETE FROM orders WHERE id = 1")
	f.up.Exec(t, "INSERT INTO orders VALUES (4, 'kiwi', 2)")

	second := f.run(t, c)
	require.Equal(t, capture.ModeIncremental, second.Mode)
	require.Equal(t, "watermark", second.Reason)
	require.Positive(t, second.Statements)
	require.NotEqual(t, first.Watermark, second.Watermark)
	require.Equal(t, second.Watermark, f.watermark(t))
	require.True(t, second.Verification.Match)
	f.requireInSync(t)
	f.requireNoTempTables(t)

	require.Equal(t, []string{first.Watermark, second.Watermark}, f.snapshotNames())
	require.EqualValues(t, 2, f.rs.Cycles())
	require.Same(t, second, c.LastOutcome())
}

func TestCreatesMissingTargetTable(t *testing.T) {
	f := newFixture(t)
	exists, err := f.down.TableExists(context.Background(), f.task.Target())
	require.NoError(t, err)
	require.False(t, exists)

	f.run(t, f.controller(t))

	keys, err := f.down.PrimaryKey(context.Background(), f.task.Target())
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, keys)
}

func TestFullVerificationMismatchForcesResync(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	f.run(t, c)

	// Drift the replica behind the engine's back.
	f.down.Exec(t, "UPDATE orders_replica SET item = 'rotten' WHERE id = 3")

	second := f.run(t, c)
	require.Equal(t, capture.ModeIncremental, second.Mode)
	require.NotNil(t, second.Verification)
	require.False(t, second.Verification.Match)
	pending, reason := f.rs.ForceFullPending()
	require.True(t, pending)
	require.Contains(t, reason, "full verification mismatch")

	third := f.run(t, c)
	require.Equal(t, capture.ModeFull, third.Mode)
	require.True(t, strings.HasPrefix(third.Reason, "forced: "))
	require.True(t, third.Truncated)
	require.True(t, third.Verification.Match)
	f.requireInSync(t)

	pending, _ = f.rs.ForceFullPending()
	require.False(t, pending)
}

func TestRecoversLostWatermark(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	first := f.run(t, c)

	f.down.Exec(t, "DELETE FROM cdc_watermark")
	f.up.Exec(t, "INSERT INTO orders VALUES (5, 'plum', 6)")

	second := f.run(t, c)
	require.Equal(t, capture.ModeIncremental, second.Mode)
	require.Equal(t, "recovered watermark", second.Reason)
	require.False(t, second.Truncated)
	require.Equal(t, 1, second.Statements)
	require.NotEqual(t, first.Watermark, second.Watermark)
	f.requireInSync(t)
}

func TestRecoveryErrorLeavesTargetAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.controller(t)
	first := f.run(t, c)

	f.down.Exec(t, "DELETE FROM cdc_watermark")
	reset := errors.New("connection reset")
	f.up.FailOn("ListSnapshots", reset)

	out, err := c.RunOnce(ctx)
	require.ErrorIs(t, err, reset)
	require.False(t, out.Truncated)
	require.Empty(t, out.Reason, "no capture plan is chosen")
	require.Empty(t, f.watermark(t))
	f.requireInSync(t)

	f.up.FailOn("ListSnapshots", nil)
	second := f.run(t, c)
	require.Equal(t, capture.ModeIncremental, second.Mode)
	require.Equal(t, "recovered watermark", second.Reason)
	require.NotEqual(t, first.Watermark, second.Watermark)
	f.requireInSync(t)
}

func TestLostWatermarkWithoutMatchReloads(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	f.run(t, c)

	f.down.Exec(t, "DELETE FROM cdc_watermark")
	f.down.Exec(t, "INSERT INTO orders_replica VALUES (99, 'ghost', 1)")

	out := f.run(t, c)
	require.Equal(t, capture.ModeFull, out.Mode)
	require.Equal(t, "watermark lost", out.Reason)
	require.True(t, out.Truncated)
	f.requireInSync(t)
}

func TestMissingWatermarkSnapshotForcesFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.controller(t)
	first := f.run(t, c)

	require.NoError(t, f.up.DropSnapshot(ctx, first.Watermark))
	f.down.Exec(t, "INSERT INTO orders_replica VALUES (99, 'ghost', 1)")

	out := f.run(t, c)
	require.Equal(t, capture.ModeFull, out.Mode)
	require.Equal(t, "watermark snapshot missing", out.Reason)
	require.True(t, out.Truncated)
	f.requireInSync(t)
}

func TestSkipsWhenLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f.deps.Metrics = metrics.New(metrics.NewOtelHandler(ctx, provider, "cycle-test"))
	c := f.controller(t)

	ok, err := f.locks.Acquire(ctx, f.task.ID(), "owner-b")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.Zero(t, f.up.Calls("CreateSnapshot"))
	require.Empty(t, f.watermark(t))

	rec, err := f.locks.Get(ctx, f.task.ID())
	require.NoError(t, err)
	require.Equal(t, "owner-b", rec.OwnerID)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var contention int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "branch_cdc.lock_contention" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				contention += dp.Value
			}
		}
	}
	require.EqualValues(t, 1, contention)
}

func TestReleasesLockAfterCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.run(t, f.controller(t))

	ok, err := f.locks.Acquire(ctx, f.task.ID(), "owner-b")
	require.NoError(t, err)
	require.True(t, ok, "lock must be free once the cycle ends")
}

func TestApplyFailureStreakForcesFull(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, WithFullFallbackAfter(2))
	first := f.run(t, c)

	f.down.Exec(t, "CREATE TRIGGER reject_rows BEFORE INSERT ON orders_replica BEGIN SELECT RAISE(ABORT, 'rejected'); END")
	f.up.Exec(t, "INSERT INTO orders VALUES (6, 'lime', 1)")

	for i := 1; i <= 2; i++ {
		out, err := c.RunOnce(context.Background())
		require.Error(t, err)
		require.Equal(t, capture.ModeIncremental, out.Mode)
		require.Equal(t, i, f.rs.ApplyFailures())
		require.Equal(t, first.Watermark, f.watermark(t))
		// The snapshot taken by the failed cycle is gone again.
		require.Equal(t, []string{first.Watermark}, f.snapshotNames())
		f.requireNoTempTables(t)
	}
	pending, reason := f.rs.ForceFullPending()
	require.True(t, pending)
	require.Equal(t, "2 consecutive apply failures", reason)

	f.down.Exec(t, "DROP TRIGGER reject_rows")
	out := f.run(t, c)
	require.Equal(t, capture.ModeFull, out.Mode)
	require.True(t, out.Truncated)
	require.Zero(t, f.rs.ApplyFailures())
	f.requireInSync(t)
}

func TestCaptureFailureLeavesNoResidue(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	first := f.run(t, c)

	f.up.Exec(t, "INSERT INTO orders VALUES (7, 'date', 2)")
	f.up.FailOn("Diff", errors.New("stage unavailable"))

	out, err := c.RunOnce(context.Background())
	require.Error(t, err)
	require.Same(t, out, c.LastOutcome())
	require.Equal(t, err, out.Err)
	require.Equal(t, first.Watermark, f.watermark(t))
	require.Equal(t, []string{first.Watermark}, f.snapshotNames())
	f.requireNoTempTables(t)
	require.Zero(t, f.rs.ApplyFailures(), "capture failures do not count toward the apply streak")

	f.up.FailOn("Diff", nil)
	f.run(t, c)
	f.requireInSync(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return f.rs.Cycles() >= 2
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	f.requireInSync(t)
}

func TestGroupRunsTasksIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.controller(t)

	other, err := task.New(
		task.Endpoint{Host: "up", Port: 6001, Database: enginetest.Schema, Table: "orders"},
		task.Endpoint{Host: "down", Port: 6001, Database: enginetest.Schema, Table: "orders_archive"},
		"file://"+t.TempDir(),
	)
	require.NoError(t, err)
	require.NotEqual(t, f.task.Fingerprint(), other.Fingerprint())
	b, err := New(task.NewRunState(other, "owner-a"), f.deps, WithClock(f.clock))
	require.NoError(t, err)

	outs, err := NewGroup(a, b).RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	for _, out := range outs {
		require.False(t, out.Skipped)
		require.Equal(t, capture.ModeFull, out.Mode)
	}
	require.NotEqual(t, outs[0].TaskID, outs[1].TaskID)

	want := enginetest.RowTexts(t, f.up.DB(), f.task.Source())
	require.Equal(t, want, enginetest.RowTexts(t, f.down.DB(), engine.TableRef{Database: enginetest.Schema, Table: "orders_archive"}))
	require.Equal(t, want, enginetest.RowTexts(t, f.down.DB(), f.task.Target()))
}

func TestNewRejectsIncompleteDeps(t *testing.T) {
	f := newFixture(t)
	deps := f.deps
	deps.Reaper = nil
	_, err := New(f.rs, deps)
	require.Error(t, err)

	_, err = New(nil, f.deps)
	require.Error(t, err)
}
