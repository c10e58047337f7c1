package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/stage"
)

const defaultInsertBatch = 500

// RowLoader loads bootstrap artifacts with batched INSERTs, for downstream
// engines that cannot read the stage themselves.
type RowLoader struct {
	stage     stage.Store
	dialect   goqu.DialectWrapper
	batchSize int
}

var _ engine.BulkLoader = (*RowLoader)(nil)

func NewRowLoader(st stage.Store, dialect string) *RowLoader {
	return &RowLoader{
		stage:     st,
		dialect:   goqu.Dialect(dialect),
		batchSize: defaultInsertBatch,
	}
}

func (l *RowLoader) Load(ctx context.Context, tx *sql.Tx, location string, target engine.TableRef) (int64, error) {
	rc, err := l.stage.Open(ctx, location)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	ident := goqu.S(target.Database).Table(target.Table)
	cols, err := l.columns(ctx, tx, ident)
	if err != nil {
		return 0, fmt.Errorf("apply: columns of %s: %w", target, err)
	}
	r := newCSVReader(rc)

	var (
		total int64
		batch [][]any
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		query, args, err := l.dialect.Insert(ident).Prepared(true).Cols(cols...).Vals(batch...).ToSQL()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply: load %s into %s: %w", location, target, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("apply: read %s: %w", location, err)
		}
		if len(rec) != len(cols) {
			return total, fmt.Errorf("%w: %s line %d has %d fields, %s has %d columns",
				ErrMalformedCSV, location, r.line, len(rec), target, len(cols))
		}
		batch = append(batch, rec)
		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// columns reads the target's column names in table order, which is the field
// order of the bootstrap artifact.
func (l *RowLoader) columns(ctx context.Context, tx *sql.Tx, ident exp.IdentifierExpression) ([]any, error) {
	query, args, err := l.dialect.From(ident).Where(goqu.L("1 = 0")).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("table has no columns")
	}
	cols := make([]any, 0, len(names))
	for _, n := range names {
		cols = append(cols, n)
	}
	return cols, rows.Err()
}
