// Package reaper cleans up after a cycle: scratch tables, staged artifacts and
// old task snapshots. Nothing it does can fail a cycle.
package reaper

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/stage"
	"github.com/conductorone/branch-cdc/pkg/task"
)

var tracer = otel.Tracer("branch-cdc/reaper")

const DefaultRetention = 4

type Reaper struct {
	upstream  engine.Upstream
	stage     stage.Store
	archiver  *stage.Archiver
	retention int
}

type Option func(*Reaper)

// WithRetention sets how many task snapshots survive a prune, the watermark
// included. Values below 1 are treated as 1.
func WithRetention(n int) Option {
	return func(r *Reaper) {
		r.retention = n
	}
}

// WithArchiver keeps a compressed copy of every artifact before deleting it.
func WithArchiver(a *stage.Archiver) Option {
	return func(r *Reaper) {
		r.archiver = a
	}
}

func New(upstream engine.Upstream, st stage.Store, opts ...Option) *Reaper {
	r := &Reaper{
		upstream:  upstream,
		stage:     st,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retention < 1 {
		r.retention = 1
	}
	return r
}

// Summary reports what a reap removed and what it failed to.
type Summary struct {
	TablesDropped    []engine.TableRef
	ArtifactsRemoved []string
	Archived         []string
	SnapshotsDropped []string
	Errors           []error
}

// Reap cleans up after a cycle and prunes old task snapshots. art may be nil
// when the cycle never reached capture. When failed is set, the snapshot the
// cycle created is dropped. keep is the committed watermark, which is never
// dropped.
func (r *Reaper) Reap(ctx context.Context, t *task.SyncTask, art *capture.Artifact, failed bool, keep string) *Summary {
	ctx, span := tracer.Start(ctx, "reaper.Reap")
	defer span.End()

	sum := &Summary{}
	r.discard(ctx, t, art, failed, keep, sum)
	r.prune(ctx, t, keep, sum)
	r.log(ctx, t, sum)
	return sum
}

// Discard cleans up what art left behind without pruning older snapshots.
func (r *Reaper) Discard(ctx context.Context, t *task.SyncTask, art *capture.Artifact, failed bool) *Summary {
	ctx, span := tracer.Start(ctx, "reaper.Discard")
	defer span.End()

	sum := &Summary{}
	r.discard(ctx, t, art, failed, "", sum)
	r.log(ctx, t, sum)
	return sum
}

func (s *Summary) note(ctx context.Context, msg string, err error, fields ...zap.Field) {
	s.Errors = append(s.Errors, err)
	ctxzap.Extract(ctx).Warn(msg, append(fields, zap.Error(err))...)
}

func (r *Reaper) log(ctx context.Context, t *task.SyncTask, sum *Summary) {
	ctxzap.Extract(ctx).Debug("reap complete",
		zap.String("task_id", t.ID()),
		zap.Int("tables_dropped", len(sum.TablesDropped)),
		zap.Int("artifacts_removed", len(sum.ArtifactsRemoved)),
		zap.Strings("snapshots_dropped", sum.SnapshotsDropped),
		zap.Int("errors", len(sum.Errors)),
	)
}

func (r *Reaper) discard(ctx context.Context, t *task.SyncTask, art *capture.Artifact, failed bool, keep string, sum *Summary) {
	if art == nil {
		return
	}
	for _, tbl := range art.TempTables {
		if err := r.upstream.DropTable(ctx, tbl); err != nil {
			sum.note(ctx, "failed to drop temp table", err, zap.Stringer("table", tbl))
			continue
		}
		sum.TablesDropped = append(sum.TablesDropped, tbl)
	}

	for _, loc := range art.Locations {
		if r.archiver != nil {
			dst, err := r.archiver.Archive(ctx, t.Fingerprint(), loc.Path)
			if err != nil {
				sum.note(ctx, "failed to archive artifact", err, zap.String("location", loc.Path))
			} else {
				sum.Archived = append(sum.Archived, dst)
			}
		}
		if err := r.stage.Remove(ctx, loc.Path); err != nil {
			sum.note(ctx, "failed to remove artifact", err, zap.String("location", loc.Path))
			continue
		}
		sum.ArtifactsRemoved = append(sum.ArtifactsRemoved, loc.Path)
	}

	if failed && art.Snapshot != "" && art.Snapshot != keep {
		if err := r.upstream.DropSnapshot(ctx, art.Snapshot); err != nil {
			sum.note(ctx, "failed to drop snapshot of failed cycle", err, zap.String("snapshot", art.Snapshot))
		} else {
			sum.SnapshotsDropped = append(sum.SnapshotsDropped, art.Snapshot)
		}
	}
}

// prune keeps at most retention task snapshots: keep, when it exists, and the
// newest of the rest.
func (r *Reaper) prune(ctx context.Context, t *task.SyncTask, keep string, sum *Summary) {
	refs, err := r.upstream.ListSnapshots(ctx, t.SnapshotPrefix())
	if err != nil {
		sum.note(ctx, "failed to list snapshots", err)
		return
	}

	dropped := mapset.NewThreadUnsafeSet(sum.SnapshotsDropped...)
	owned := make([]engine.SnapshotRef, 0, len(refs))
	for _, ref := range refs {
		if t.OwnsSnapshot(ref) && !dropped.Contains(ref.Name) {
			owned = append(owned, ref)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].Name > owned[j].Name
	})

	kept := 0
	for _, ref := range owned {
		if ref.Name == keep {
			kept++
			break
		}
	}
	for _, ref := range owned {
		if ref.Name == keep {
			continue
		}
		if kept < r.retention {
			kept++
			continue
		}
		if err := r.upstream.DropSnapshot(ctx, ref.Name); err != nil {
			sum.note(ctx, "failed to drop old snapshot", err, zap.String("snapshot", ref.Name))
			continue
		}
		sum.SnapshotsDropped = append(sum.SnapshotsDropped, ref.Name)
	}
}
