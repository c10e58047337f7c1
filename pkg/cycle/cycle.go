// Package cycle drives the replication of one task: each cycle takes the task
// lock, decides between a full and an incremental capture, applies the patch,
// audits the result when due and cleans up after itself.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/apply"
	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/lock"
	"github.com/conductorone/branch-cdc/pkg/metrics"
	"github.com/conductorone/branch-cdc/pkg/reaper"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/verify"
	"github.com/conductorone/branch-cdc/pkg/watermark"
)

var tracer = otel.Tracer("branch-cdc/cycle")

const (
	DefaultInterval          = 10 * time.Second
	DefaultFullFallbackAfter = 3
)

// Deps are the components a controller drives. Archeologist and Metrics may
// be nil.
type Deps struct {
	Upstream     engine.Upstream
	Downstream   engine.Downstream
	Locks        *lock.Manager
	Watermarks   *watermark.Store
	Archeologist *watermark.Archeologist
	Capturer     *capture.Capturer
	Applier      *apply.Applier
	Verifier     *verify.Verifier
	Reaper       *reaper.Reaper
	Metrics      *metrics.M
}

func (d Deps) validate() error {
	switch {
	case d.Upstream == nil, d.Downstream == nil:
		return errors.New("cycle: upstream and downstream engines are required")
	case d.Locks == nil, d.Watermarks == nil:
		return errors.New("cycle: lock manager and watermark store are required")
	case d.Capturer == nil, d.Applier == nil, d.Verifier == nil, d.Reaper == nil:
		return errors.New("cycle: capturer, applier, verifier and reaper are required")
	}
	return nil
}

type Option func(*Controller)

// WithInterval sets the pause between cycles in Run.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.interval = d
	}
}

// WithHeartbeatInterval sets how often the lock keeper refreshes the lock.
// Values not shorter than the lock TTL fall back to a third of it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.heartbeatInterval = d
	}
}

// WithFullFallbackAfter sets how many consecutive apply failures force a
// full resync.
func WithFullFallbackAfter(n int) Option {
	return func(c *Controller) {
		c.fullFallbackAfter = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Outcome describes one cycle.
type Outcome struct {
	CycleID ksuid.KSUID
	TaskID  string
	// Skipped is set when another instance held the task lock.
	Skipped    bool
	Mode       capture.Mode
	Reason     string
	Truncated  bool
	Watermark  string
	Rows       int64
	Statements int
	// Verification is nil when no audit was due or the audit could not run.
	Verification *verify.Report
	Started      time.Time
	Finished     time.Time
	Err          error
}

func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

type Controller struct {
	deps  Deps
	state *task.RunState

	interval          time.Duration
	heartbeatInterval time.Duration
	fullFallbackAfter int
	now               func() time.Time

	mtx  sync.RWMutex
	last *Outcome
}

func New(state *task.RunState, deps Deps, opts ...Option) (*Controller, error) {
	if state == nil || state.Task == nil {
		return nil, errors.New("cycle: run state with a task is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	c := &Controller{
		deps:              deps,
		state:             state,
		interval:          DefaultInterval,
		heartbeatInterval: lock.DefaultHeartbeatInterval,
		fullFallbackAfter: DefaultFullFallbackAfter,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fullFallbackAfter < 1 {
		c.fullFallbackAfter = 1
	}
	return c, nil
}

func (c *Controller) State() *task.RunState {
	return c.state
}

// LastOutcome returns the most recent finished cycle, or nil before the first.
func (c *Controller) LastOutcome() *Outcome {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.last
}

// Run executes cycles until ctx is done, pausing interval between them. Cycle
// errors are logged and retried on the next iteration.
func (c *Controller) Run(ctx context.Context) error {
	l := ctxzap.Extract(ctx).With(zap.String("task_id", c.state.Task.ID()))

	var wait time.Duration
	for {
		if wait > 0 {
			l.Debug("waiting for next cycle", zap.Duration("wait_duration", wait))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = c.interval

		if _, err := c.RunOnce(ctx); err != nil {
			l.Error("sync cycle failed", zap.Error(err))
		}
	}
}

// RunOnce executes a single cycle. Losing the lock race is not an error; the
// outcome is marked skipped.
func (c *Controller) RunOnce(ctx context.Context) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "cycle.RunOnce")
	defer span.End()

	t := c.state.Task
	out := &Outcome{
		CycleID: ksuid.New(),
		TaskID:  t.ID(),
		Started: c.now(),
	}
	l := ctxzap.Extract(ctx).With(
		zap.String("task_id", t.ID()),
		zap.Stringer("cycle_id", out.CycleID),
	)
	ctx = ctxzap.ToContext(ctx, l)

	err := c.locked(ctx, out)
	out.Err = err
	out.Finished = c.now()
	c.record(ctx, out)

	c.mtx.Lock()
	c.last = out
	c.mtx.Unlock()
	return out, err
}

func (c *Controller) locked(ctx context.Context, out *Outcome) error {
	l := ctxzap.Extract(ctx)
	t := c.state.Task

	ok, err := c.deps.Locks.Acquire(ctx, t.ID(), c.state.OwnerID)
	if err != nil {
		return fmt.Errorf("cycle: acquire lock: %w", err)
	}
	if !ok {
		l.Info("task lock held by another instance, skipping cycle")
		out.Skipped = true
		return nil
	}
	defer func() {
		if err := c.deps.Locks.Release(context.WithoutCancel(ctx), t.ID(), c.state.OwnerID); err != nil {
			l.Warn("failed to release task lock", zap.Error(err))
		}
	}()

	cycleCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	keeper := lock.StartKeeper(ctx, c.deps.Locks, t.ID(), c.state.OwnerID, c.heartbeatInterval, func(err error) {
		cancel(fmt.Errorf("%w: %w", lock.ErrLockLost, err))
	})
	defer keeper.Stop()

	err = c.cycle(cycleCtx, out)
	if err != nil && keeper.Lost() {
		return errors.Join(err, context.Cause(cycleCtx))
	}
	return err
}

func (c *Controller) cycle(ctx context.Context, out *Outcome) error {
	l := ctxzap.Extract(ctx)
	t := c.state.Task

	if err := c.ensureTarget(ctx); err != nil {
		return err
	}

	plan, err := c.resolvePlan(ctx)
	if err != nil {
		return err
	}
	out.Mode = plan.Mode
	out.Reason = plan.Reason
	l.Info("starting sync cycle",
		zap.Stringer("mode", plan.Mode),
		zap.String("reason", plan.Reason),
		zap.String("watermark", plan.Watermark),
		zap.Bool("truncate", plan.Truncate),
	)

	art, err := c.deps.Capturer.Capture(ctx, t, plan)
	if err != nil {
		c.reapFailed(ctx, art)
		return err
	}

	res, err := c.deps.Applier.Apply(ctx, c.state, art)
	if err != nil {
		streak := c.state.RecordApplyFailure()
		c.deps.Metrics.ObserveApplyFailures(ctx, t.ID(), streak)
		if streak >= c.fullFallbackAfter {
			reason := fmt.Sprintf("%d consecutive apply failures", streak)
			l.Warn("forcing full resync", zap.String("reason", reason))
			c.state.ForceFull(reason)
		}
		c.reapFailed(ctx, art)
		return err
	}
	out.Watermark = res.Watermark
	out.Rows = res.Rows
	out.Statements = res.Statements
	out.Truncated = res.Truncated

	cycles := c.state.CompleteCycle()
	c.state.ClearForceFull()
	c.deps.Metrics.ObserveApplyFailures(ctx, t.ID(), 0)

	if level := c.deps.Verifier.LevelFor(cycles); level != verify.LevelNone {
		rep, err := c.deps.Verifier.Verify(ctx, t, level, res.Watermark)
		if err != nil {
			l.Warn("verification could not run", zap.Stringer("level", level), zap.Error(err))
		} else {
			out.Verification = rep
			c.deps.Metrics.RecordVerification(ctx, t.ID(), level.String(), rep.Match)
			if !rep.Match && level == verify.LevelFull {
				c.state.ForceFull("full verification mismatch at " + res.Watermark)
			}
		}
	}

	c.deps.Reaper.Reap(context.WithoutCancel(ctx), t, art, false, res.Watermark)

	l.Info("sync cycle complete",
		zap.Stringer("mode", plan.Mode),
		zap.String("watermark", res.Watermark),
		zap.Int64("rows", res.Rows),
		zap.Int("statements", res.Statements),
		zap.Uint64("cycle", cycles),
	)
	return nil
}

// reapFailed cleans up after a failed cycle, keeping whatever watermark is
// committed now.
func (c *Controller) reapFailed(ctx context.Context, art *capture.Artifact) {
	ctx = context.WithoutCancel(ctx)
	t := c.state.Task
	keep, _, err := c.deps.Watermarks.Get(ctx, t.ID())
	if err != nil {
		// Without the watermark no older snapshot can be pruned safely.
		ctxzap.Extract(ctx).Warn("watermark unreadable, skipping snapshot pruning", zap.Error(err))
		c.deps.Reaper.Discard(ctx, t, art, true)
		return
	}
	c.deps.Reaper.Reap(ctx, t, art, true, keep)
}

// ensureTarget creates the downstream table from the upstream definition when
// it does not exist yet.
func (c *Controller) ensureTarget(ctx context.Context) error {
	t := c.state.Task
	exists, err := c.deps.Downstream.TableExists(ctx, t.Target())
	if err != nil {
		return fmt.Errorf("cycle: check target table: %w", err)
	}
	if exists {
		return nil
	}

	ddl, err := c.deps.Upstream.ShowCreateTable(ctx, t.Source())
	if err != nil {
		return fmt.Errorf("cycle: read source definition: %w", err)
	}
	ddl = engine.RewriteCreateTable(ddl, t.Source(), t.Target())
	if err := c.deps.Downstream.EnsureTable(ctx, t.Target(), ddl); err != nil {
		return fmt.Errorf("cycle: create target table: %w", err)
	}
	ctxzap.Extract(ctx).Info("created target table", zap.Stringer("table", t.Target()))
	return nil
}

// resolvePlan decides how this cycle captures changes.
func (c *Controller) resolvePlan(ctx context.Context) (capture.Plan, error) {
	l := ctxzap.Extract(ctx)
	t := c.state.Task

	if force, reason := c.state.ForceFullPending(); force {
		return capture.Plan{Mode: capture.ModeFull, Truncate: true, Reason: "forced: " + reason}, nil
	}

	wm, ok, err := c.deps.Watermarks.Get(ctx, t.ID())
	if err != nil {
		return capture.Plan{}, fmt.Errorf("cycle: read watermark: %w", err)
	}
	if ok {
		exists, err := c.deps.Upstream.SnapshotExists(ctx, wm)
		if err != nil {
			return capture.Plan{}, fmt.Errorf("cycle: check watermark snapshot: %w", err)
		}
		if exists {
			return capture.Plan{Mode: capture.ModeIncremental, Watermark: wm, Reason: "watermark"}, nil
		}
		l.Warn("watermark snapshot no longer exists upstream", zap.String("watermark", wm))
		return capture.Plan{Mode: capture.ModeFull, Truncate: true, Reason: "watermark snapshot missing"}, nil
	}

	empty, err := c.deps.Downstream.IsEmpty(ctx, t.Target())
	if err != nil {
		return capture.Plan{}, fmt.Errorf("cycle: inspect target table: %w", err)
	}
	if empty {
		return capture.Plan{Mode: capture.ModeFull, Reason: "initial load"}, nil
	}

	if c.deps.Archeologist != nil {
		snap, found, err := c.deps.Archeologist.Recover(ctx, t)
		if err != nil {
			return capture.Plan{}, fmt.Errorf("cycle: recover watermark: %w", err)
		}
		if found {
			return capture.Plan{Mode: capture.ModeIncremental, Watermark: snap, Reason: "recovered watermark"}, nil
		}
	}
	return capture.Plan{Mode: capture.ModeFull, Truncate: true, Reason: "watermark lost"}, nil
}

func (c *Controller) record(ctx context.Context, out *Outcome) {
	m := c.deps.Metrics
	status := metrics.StatusSuccess
	mode := "none"
	if out.Reason != "" {
		mode = out.Mode.String()
	}
	switch {
	case out.Skipped:
		status = metrics.StatusSkipped
		m.RecordLockContention(ctx, out.TaskID)
	case out.Err != nil:
		status = metrics.StatusFailure
	default:
		m.RecordRows(ctx, out.TaskID, mode, out.Rows+int64(out.Statements))
	}
	m.RecordCycle(ctx, out.TaskID, mode, status, out.Duration())
}
