// Package apply commits a captured patch and the matching watermark to the
// downstream database in a single transaction.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/lock"
	"github.com/conductorone/branch-cdc/pkg/stage"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/watermark"
)

var tracer = otel.Tracer("branch-cdc/apply")

var ErrNoSnapshot = errors.New("apply: artifact has no snapshot")

type Result struct {
	Watermark  string
	Rows       int64
	Statements int
	Truncated  bool
}

type Applier struct {
	db         *sql.DB
	dialect    goqu.DialectWrapper
	stage      stage.Store
	loader     engine.BulkLoader
	watermarks *watermark.Store
	locks      *lock.Manager
}

func New(down engine.Downstream, st stage.Store, loader engine.BulkLoader, watermarks *watermark.Store, locks *lock.Manager) *Applier {
	return &Applier{
		db:         down.DB(),
		dialect:    goqu.Dialect(down.Dialect()),
		stage:      st,
		loader:     loader,
		watermarks: watermarks,
		locks:      locks,
	}
}

// Apply runs the patch, checks the lock is still held and advances the
// watermark to the artifact's snapshot, all in one transaction. Any failure
// rolls everything back, leaving data and watermark as they were.
//
// The transaction is not cancelled when ctx is; once begun it either commits
// or fails on its own.
func (a *Applier) Apply(ctx context.Context, rs *task.RunState, art *capture.Artifact) (_ *Result, err error) {
	ctx, span := tracer.Start(ctx, "apply.Apply")
	defer span.End()

	if art.Snapshot == "" {
		return nil, ErrNoSnapshot
	}
	ctx = context.WithoutCancel(ctx)
	l := ctxzap.Extract(ctx).With(zap.String("task_id", rs.Task.ID()), zap.String("snapshot", art.Snapshot))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("apply: begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("apply: rollback: %w", rbErr))
		}
	}()

	res := &Result{Watermark: art.Snapshot}
	if art.Truncate {
		if err := a.truncate(ctx, tx, art.Target); err != nil {
			return nil, err
		}
		res.Truncated = true
	}

	for _, loc := range art.Locations {
		switch loc.Format {
		case engine.FormatBootstrap:
			n, err := a.loader.Load(ctx, tx, loc.Path, art.Target)
			if err != nil {
				return nil, err
			}
			res.Rows += n
		case engine.FormatIncremental:
			n, stmts, err := a.applyPatch(ctx, tx, loc.Path, art)
			if err != nil {
				return nil, err
			}
			res.Rows += n
			res.Statements += stmts
		default:
			return nil, fmt.Errorf("apply: unknown format for %s", loc.Path)
		}
	}

	owned, err := a.locks.Owned(ctx, tx, rs.Task.ID(), rs.OwnerID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, lock.ErrLockLost
	}

	if err := a.watermarks.AdvanceTx(ctx, tx, rs.Task.ID(), art.Snapshot); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply: commit: %w", err)
	}
	committed = true

	l.Info("patch applied",
		zap.Stringer("mode", art.Mode),
		zap.Int64("rows", res.Rows),
		zap.Int("statements", res.Statements),
		zap.Bool("truncated", res.Truncated),
	)
	return res, nil
}

func (a *Applier) truncate(ctx context.Context, tx *sql.Tx, target engine.TableRef) error {
	query, args, err := a.dialect.Delete(goqu.S(target.Database).Table(target.Table)).ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("apply: clear %s: %w", target, err)
	}
	return nil
}

func (a *Applier) applyPatch(ctx context.Context, tx *sql.Tx, location string, art *capture.Artifact) (int64, int, error) {
	rc, err := a.stage.Open(ctx, location)
	if err != nil {
		return 0, 0, err
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("apply: read %s: %w", location, err)
	}

	stmts, err := preparePatch(string(body), art.Source, art.Target)
	if err != nil {
		return 0, 0, fmt.Errorf("apply: %s: %w", location, err)
	}

	var rows int64
	for i, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, 0, fmt.Errorf("apply: %s statement %d: %w", location, i+1, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			rows += n
		}
	}
	return rows, len(stmts), nil
}
