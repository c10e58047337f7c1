// Package verify audits the downstream table against the upstream snapshot it
// is supposed to match.
package verify

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/task"
)

var tracer = otel.Tracer("branch-cdc/verify")

const (
	DefaultFastEvery     = 5
	DefaultFullEvery     = 50
	DefaultSamplePercent = 1
)

type Level uint8

const (
	LevelNone Level = iota
	LevelFast
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelFast:
		return "fast"
	case LevelFull:
		return "full"
	default:
		return "none"
	}
}

func ParseLevel(s string) (Level, error) {
	switch s {
	case "fast":
		return LevelFast, nil
	case "full":
		return LevelFull, nil
	default:
		return LevelNone, fmt.Errorf("verify: unknown level %q", s)
	}
}

type Report struct {
	Level    Level
	Snapshot string
	// Sampled is set when the fast check hashed a key sample rather than counting only.
	Sampled    bool
	Upstream   engine.Checksum
	Downstream engine.Checksum
	Match      bool
}

type Verifier struct {
	upstream      engine.Upstream
	downstream    engine.Downstream
	fastEvery     uint64
	fullEvery     uint64
	samplePercent int
}

type Option func(*Verifier)

// WithFullEvery sets how many successful cycles pass between full audits.
// Zero disables full audits.
func WithFullEvery(n int) Option {
	return func(v *Verifier) {
		if n < 0 {
			n = 0
		}
		v.fullEvery = uint64(n)
	}
}

func WithFastEvery(n int) Option {
	return func(v *Verifier) {
		if n < 0 {
			n = 0
		}
		v.fastEvery = uint64(n)
	}
}

func WithSamplePercent(p int) Option {
	return func(v *Verifier) {
		v.samplePercent = p
	}
}

func New(upstream engine.Upstream, downstream engine.Downstream, opts ...Option) *Verifier {
	v := &Verifier{
		upstream:      upstream,
		downstream:    downstream,
		fastEvery:     DefaultFastEvery,
		fullEvery:     DefaultFullEvery,
		samplePercent: DefaultSamplePercent,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LevelFor returns the audit due after the given successful cycle count.
// A full audit takes precedence when both are due.
func (v *Verifier) LevelFor(cycle uint64) Level {
	if cycle == 0 {
		return LevelNone
	}
	if v.fullEvery > 0 && cycle%v.fullEvery == 0 {
		return LevelFull
	}
	if v.fastEvery > 0 && cycle%v.fastEvery == 0 {
		return LevelFast
	}
	return LevelNone
}

// Verify compares the downstream table with the upstream table as of snapshot.
func (v *Verifier) Verify(ctx context.Context, t *task.SyncTask, level Level, snapshot string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "verify.Verify")
	defer span.End()

	rep := &Report{Level: level, Snapshot: snapshot}
	switch level {
	case LevelNone:
		rep.Match = true
		return rep, nil
	case LevelFull:
		if err := v.compare(ctx, t, rep, engine.ChecksumOptions{}); err != nil {
			return nil, err
		}
	case LevelFast:
		if err := v.fast(ctx, t, rep); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("verify: unknown level %d", level)
	}

	l := ctxzap.Extract(ctx).With(
		zap.String("task_id", t.ID()),
		zap.Stringer("level", level),
		zap.String("snapshot", snapshot),
		zap.Int64("upstream_rows", rep.Upstream.Rows),
		zap.Int64("downstream_rows", rep.Downstream.Rows),
	)
	if rep.Match {
		l.Info("verification passed")
	} else {
		l.Error("verification mismatch",
			zap.Uint64("upstream_hash", rep.Upstream.Hash),
			zap.Uint64("downstream_hash", rep.Downstream.Hash),
		)
	}
	return rep, nil
}

func (v *Verifier) fast(ctx context.Context, t *task.SyncTask, rep *Report) error {
	if err := v.compare(ctx, t, rep, engine.ChecksumOptions{CountOnly: true}); err != nil {
		return err
	}
	if !rep.Match {
		return nil
	}

	keys, err := v.upstream.PrimaryKey(ctx, t.Source())
	if err != nil {
		return fmt.Errorf("verify: primary key of %s: %w", t.Source(), err)
	}
	// Without a key there is nothing stable to sample by; the count stands.
	if len(keys) == 0 {
		return nil
	}
	rep.Sampled = true
	return v.compare(ctx, t, rep, engine.ChecksumOptions{SamplePercent: v.samplePercent, KeyColumns: keys})
}

func (v *Verifier) compare(ctx context.Context, t *task.SyncTask, rep *Report, opts engine.ChecksumOptions) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		up := opts
		up.Snapshot = rep.Snapshot
		sum, err := v.upstream.Checksum(egCtx, t.Source(), up)
		if err != nil {
			return fmt.Errorf("verify: upstream checksum: %w", err)
		}
		rep.Upstream = sum
		return nil
	})
	eg.Go(func() error {
		sum, err := v.downstream.Checksum(egCtx, t.Target(), opts)
		if err != nil {
			return fmt.Errorf("verify: downstream checksum: %w", err)
		}
		rep.Downstream = sum
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	rep.Match = rep.Upstream.Equal(rep.Downstream)
	return nil
}
