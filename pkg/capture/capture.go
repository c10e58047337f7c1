// Package capture turns the difference between the watermark snapshot and the
// current upstream table into patch artifacts in the stage.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/task"
)

var tracer = otel.Tracer("branch-cdc/capture")

var ErrNoWatermark = errors.New("capture: incremental capture requires a watermark")

const (
	zeroSuffix = "zero"
	prevSuffix = "prev"
)

type Mode uint8

const (
	ModeFull Mode = iota
	ModeIncremental
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Plan is the capture decision for one cycle.
type Plan struct {
	Mode      Mode
	Watermark string
	// Truncate empties the downstream table before loading. Only set on the
	// explicit resync path.
	Truncate bool
	Reason   string
}

type Location struct {
	Path   string
	Format engine.Format
}

// Artifact describes a patch produced by one capture.
type Artifact struct {
	Mode      Mode
	Source    engine.TableRef
	Target    engine.TableRef
	Base      string
	Snapshot  string
	Truncate  bool
	Locations []Location
	// TempTables were created upstream to produce the diff and must be dropped.
	TempTables []engine.TableRef
}

func (a *Artifact) Paths() []string {
	ret := make([]string, 0, len(a.Locations))
	for _, l := range a.Locations {
		ret = append(ret, l.Path)
	}
	return ret
}

type Capturer struct {
	upstream engine.Upstream
	now      func() time.Time
}

type Option func(*Capturer)

func WithClock(now func() time.Time) Option {
	return func(c *Capturer) {
		c.now = now
	}
}

func New(upstream engine.Upstream, opts ...Option) *Capturer {
	c := &Capturer{upstream: upstream, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture snapshots the upstream table and diffs it against the plan's
// baseline. The artifact is returned even on error, carrying whatever the
// capture created so far so it can be reaped. Downstream is never touched.
func (c *Capturer) Capture(ctx context.Context, t *task.SyncTask, plan Plan) (*Artifact, error) {
	ctx, span := tracer.Start(ctx, "capture.Capture")
	defer span.End()

	art := &Artifact{
		Mode:     plan.Mode,
		Source:   t.Source(),
		Target:   t.Target(),
		Base:     plan.Watermark,
		Truncate: plan.Truncate,
	}

	var err error
	switch plan.Mode {
	case ModeFull:
		err = c.full(ctx, t, art)
	case ModeIncremental:
		err = c.incremental(ctx, t, art)
	default:
		err = fmt.Errorf("capture: unknown mode %d", plan.Mode)
	}
	if err != nil {
		return art, err
	}

	ctxzap.Extract(ctx).Debug("capture complete",
		zap.String("task_id", t.ID()),
		zap.Stringer("mode", plan.Mode),
		zap.String("snapshot", art.Snapshot),
		zap.Strings("locations", art.Paths()),
	)
	return art, nil
}

func (c *Capturer) full(ctx context.Context, t *task.SyncTask, art *Artifact) error {
	zero := t.TempTable(zeroSuffix)
	if err := c.upstream.DropTable(ctx, zero); err != nil {
		return fmt.Errorf("capture: drop stale %s: %w", zero, err)
	}
	if err := c.upstream.CreateEmptyLike(ctx, zero, t.Source()); err != nil {
		return fmt.Errorf("capture: create %s: %w", zero, err)
	}
	art.TempTables = append(art.TempTables, zero)

	if err := c.snapshot(ctx, t, art); err != nil {
		return err
	}
	return c.diff(ctx, t, art, zero)
}

func (c *Capturer) incremental(ctx context.Context, t *task.SyncTask, art *Artifact) error {
	if art.Base == "" {
		return ErrNoWatermark
	}
	prev := t.TempTable(prevSuffix)
	if err := c.upstream.DropTable(ctx, prev); err != nil {
		return fmt.Errorf("capture: drop stale %s: %w", prev, err)
	}
	if err := c.upstream.CloneAt(ctx, prev, t.Source(), art.Base); err != nil {
		return fmt.Errorf("capture: clone %s at %s: %w", t.Source(), art.Base, err)
	}
	art.TempTables = append(art.TempTables, prev)

	if err := c.snapshot(ctx, t, art); err != nil {
		return err
	}
	return c.diff(ctx, t, art, prev)
}

func (c *Capturer) snapshot(ctx context.Context, t *task.SyncTask, art *Artifact) error {
	name := t.SnapshotName(c.now())
	if err := c.upstream.CreateSnapshot(ctx, name, t.Source()); err != nil {
		return fmt.Errorf("capture: create snapshot %s: %w", name, err)
	}
	art.Snapshot = name
	return nil
}

func (c *Capturer) diff(ctx context.Context, t *task.SyncTask, art *Artifact, base engine.TableRef) error {
	paths, err := c.upstream.Diff(ctx, t.Source(), art.Snapshot, base, t.Stage())
	if err != nil {
		return fmt.Errorf("capture: diff %s against %s: %w", art.Snapshot, base, err)
	}
	for _, p := range paths {
		art.Locations = append(art.Locations, Location{Path: p, Format: engine.FormatForLocation(p)})
	}
	for _, l := range art.Locations {
		if l.Format == engine.FormatUnknown {
			return fmt.Errorf("capture: cannot tell the format of %s", l.Path)
		}
	}
	return nil
}
