package watermark

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/task"
)

const (
	DefaultSamplePercent   = 10
	DefaultMaxCandidates   = 32
	DefaultProbesPerSecond = 2
)

// Archeologist rebuilds a lost watermark by finding the newest task snapshot
// whose content matches the downstream table.
type Archeologist struct {
	upstream      engine.Upstream
	downstream    engine.Downstream
	store         *Store
	samplePercent int
	maxCandidates int
	limiter       ratelimit.Limiter
}

type ArcheologyOption func(*Archeologist)

// WithSamplePercent sets the share of rows, by primary key hash, compared per probe.
func WithSamplePercent(p int) ArcheologyOption {
	return func(a *Archeologist) {
		a.samplePercent = p
	}
}

func WithMaxCandidates(n int) ArcheologyOption {
	return func(a *Archeologist) {
		a.maxCandidates = n
	}
}

// WithProbesPerSecond caps the probe rate. Zero disables pacing.
func WithProbesPerSecond(n int) ArcheologyOption {
	return func(a *Archeologist) {
		if n <= 0 {
			a.limiter = ratelimit.NewUnlimited()
			return
		}
		a.limiter = ratelimit.New(n)
	}
}

func NewArcheologist(upstream engine.Upstream, downstream engine.Downstream, store *Store, opts ...ArcheologyOption) *Archeologist {
	a := &Archeologist{
		upstream:      upstream,
		downstream:    downstream,
		store:         store,
		samplePercent: DefaultSamplePercent,
		maxCandidates: DefaultMaxCandidates,
		limiter:       ratelimit.New(DefaultProbesPerSecond),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Candidates lists the task's snapshots newest first. Snapshots that merely
// share the name prefix but cover another table, or whose name does not parse,
// are rejected.
func (a *Archeologist) Candidates(ctx context.Context, t *task.SyncTask) ([]engine.SnapshotRef, error) {
	refs, err := a.upstream.ListSnapshots(ctx, t.SnapshotPrefix())
	if err != nil {
		return nil, fmt.Errorf("watermark: list snapshots: %w", err)
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	ret := make([]engine.SnapshotRef, 0, len(refs))
	for _, ref := range refs {
		if !t.OwnsSnapshot(ref) || !seen.Add(ref.Name) {
			continue
		}
		ret = append(ret, ref)
	}

	sort.SliceStable(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].Name > ret[j].Name
	})
	return ret, nil
}

// Recover probes candidates newest first and adopts the first whose content
// matches the downstream table, writing it back as the watermark. It returns
// false only when every candidate was probed and none matched; a failed probe
// ends the search with an error so the caller can retry later.
func (a *Archeologist) Recover(ctx context.Context, t *task.SyncTask) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "watermark.Recover")
	defer span.End()

	l := ctxzap.Extract(ctx).With(zap.String("task_id", t.ID()))

	candidates, err := a.Candidates(ctx, t)
	if err != nil {
		return "", false, err
	}
	if a.maxCandidates > 0 && len(candidates) > a.maxCandidates {
		candidates = candidates[:a.maxCandidates]
	}

	keys, err := a.upstream.PrimaryKey(ctx, t.Source())
	if err != nil {
		return "", false, fmt.Errorf("watermark: primary key of %s: %w", t.Source(), err)
	}

	downCount, err := a.downstream.Checksum(ctx, t.Target(), engine.ChecksumOptions{CountOnly: true})
	if err != nil {
		return "", false, fmt.Errorf("watermark: count downstream: %w", err)
	}

	l.Info("searching for a snapshot matching downstream",
		zap.Int("candidates", len(candidates)),
		zap.Int64("downstream_rows", downCount.Rows),
	)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		a.limiter.Take()

		ok, err := a.probe(ctx, t, c.Name, keys, downCount.Rows)
		if errors.Is(err, engine.ErrSnapshotNotFound) {
			// Dropped between listing and probing.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("watermark: probe %s: %w", c.Name, err)
		}
		if !ok {
			l.Debug("snapshot does not match downstream", zap.String("snapshot", c.Name))
			continue
		}

		if err := a.store.Put(ctx, t.ID(), c.Name); err != nil {
			return "", false, err
		}
		l.Info("recovered watermark", zap.String("snapshot", c.Name))
		return c.Name, true, nil
	}

	l.Warn("no snapshot matches downstream")
	return "", false, nil
}

func (a *Archeologist) probe(ctx context.Context, t *task.SyncTask, snapshot string, keys []string, downRows int64) (bool, error) {
	upCount, err := a.upstream.Checksum(ctx, t.Source(), engine.ChecksumOptions{Snapshot: snapshot, CountOnly: true})
	if err != nil {
		return false, err
	}
	if upCount.Rows != downRows {
		return false, nil
	}

	sample := engine.ChecksumOptions{SamplePercent: a.samplePercent, KeyColumns: keys}
	var up, down engine.Checksum
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		opts := sample
		opts.Snapshot = snapshot
		var err error
		up, err = a.upstream.Checksum(egCtx, t.Source(), opts)
		return err
	})
	eg.Go(func() error {
		var err error
		down, err = a.downstream.Checksum(egCtx, t.Target(), sample)
		return err
	})
	if err := eg.Wait(); err != nil {
		return false, err
	}
	return up.Equal(down), nil
}
