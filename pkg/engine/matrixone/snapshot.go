package matrixone

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql" // register the mysql dialect

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// atSnapshot renders a table reference read as of snapshot, e.g. `db`.`t`{snapshot='s'}.
func atSnapshot(table engine.TableRef, snapshot string) string {
	if snapshot == "" {
		return table.Quoted()
	}
	return table.Quoted() + "{snapshot=" + engine.QuoteString(snapshot) + "}"
}

func createSnapshotSQL(name string, table engine.TableRef) string {
	return fmt.Sprintf("CREATE SNAPSHOT %s FOR TABLE %s %s",
		engine.QuoteIdent(name), engine.QuoteIdent(table.Database), engine.QuoteIdent(table.Table))
}

func cloneAtSQL(dst engine.TableRef, src engine.TableRef, snapshot string) string {
	return fmt.Sprintf("DATA BRANCH CREATE TABLE %s FROM %s", dst.Quoted(), atSnapshot(src, snapshot))
}

func diffSQL(target engine.TableRef, snapshot string, base engine.TableRef, output string) string {
	return fmt.Sprintf("DATA BRANCH DIFF %s AGAINST %s OUTPUT FILE %s",
		atSnapshot(target, snapshot), base.Quoted(), engine.QuoteString(output))
}

// listSnapshotsSQL narrows by name prefix with a plain LIKE; '_' in the prefix
// also matches any character, so callers still filter on the exact prefix.
func listSnapshotsSQL(prefix string) (string, []any, error) {
	return goqu.Dialect(engine.DialectMySQL).
		From(goqu.S("mo_catalog").Table("mo_snapshots")).
		Select("sname", "ts", "database_name", "table_name").
		Where(goqu.L("? LIKE ?", goqu.C("sname"), prefix+"%")).
		Order(goqu.C("ts").Desc()).
		Prepared(true).
		ToSQL()
}

func (e *Engine) CreateSnapshot(ctx context.Context, name string, table engine.TableRef) error {
	if err := e.exec(ctx, createSnapshotSQL(name, table)); err != nil {
		return fmt.Errorf("matrixone: create snapshot %s: %w", name, err)
	}
	return nil
}

func (e *Engine) DropSnapshot(ctx context.Context, name string) error {
	if err := e.exec(ctx, "DROP SNAPSHOT IF EXISTS "+engine.QuoteIdent(name)); err != nil {
		return fmt.Errorf("matrixone: drop snapshot %s: %w", name, err)
	}
	return nil
}

func (e *Engine) SnapshotExists(ctx context.Context, name string) (bool, error) {
	query, args, err := goqu.Dialect(engine.DialectMySQL).
		From(goqu.S("mo_catalog").Table("mo_snapshots")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("sname").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	var n int
	err = e.read(ctx, func(ctx context.Context) error {
		return e.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("matrixone: look up snapshot %s: %w", name, err)
	}
	return n > 0, nil
}

func (e *Engine) ListSnapshots(ctx context.Context, prefix string) ([]engine.SnapshotRef, error) {
	query, args, err := listSnapshotsSQL(prefix)
	if err != nil {
		return nil, err
	}

	var ret []engine.SnapshotRef
	err = e.read(ctx, func(ctx context.Context) error {
		ret = ret[:0]
		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ref   engine.SnapshotRef
				ts    int64
				db    sql.NullString
				table sql.NullString
			)
			if err := rows.Scan(&ref.Name, &ts, &db, &table); err != nil {
				return err
			}
			// LIKE treats '_' as a wildcard.
			if !strings.HasPrefix(ref.Name, prefix) {
				continue
			}
			ref.Database = db.String
			ref.Table = table.String
			ref.CreatedAt = time.Unix(0, ts).UTC()
			ret = append(ret, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("matrixone: list snapshots %s*: %w", prefix, err)
	}
	return ret, nil
}

func (e *Engine) CreateEmptyLike(ctx context.Context, dst engine.TableRef, src engine.TableRef) error {
	if err := e.exec(ctx, fmt.Sprintf("CREATE TABLE %s LIKE %s", dst.Quoted(), src.Quoted())); err != nil {
		return fmt.Errorf("matrixone: create %s like %s: %w", dst, src, err)
	}
	return nil
}

func (e *Engine) CloneAt(ctx context.Context, dst engine.TableRef, src engine.TableRef, snapshot string) error {
	if err := e.exec(ctx, cloneAtSQL(dst, src, snapshot)); err != nil {
		return fmt.Errorf("matrixone: clone %s at %s: %w", src, snapshot, err)
	}
	return nil
}

func (e *Engine) DropTable(ctx context.Context, table engine.TableRef) error {
	e.columns.Delete(table.String())
	if err := e.exec(ctx, "DROP TABLE IF EXISTS "+table.Quoted()); err != nil {
		return fmt.Errorf("matrixone: drop %s: %w", table, err)
	}
	return nil
}

// Diff asks the engine to write the changes from base to target-as-of-snapshot
// into output. The statement returns one row per file written.
func (e *Engine) Diff(ctx context.Context, target engine.TableRef, snapshot string, base engine.TableRef, output string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "matrixone.Diff")
	defer span.End()

	rows, err := e.db.QueryContext(ctx, diffSQL(target, snapshot, base, output))
	if err != nil {
		return nil, fmt.Errorf("matrixone: diff %s against %s: %w", target, base, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var locations []string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(vals) > 0 && vals[0].Valid && vals[0].String != "" {
			locations = append(locations, vals[0].String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("matrixone: diff %s against %s: %w", target, base, err)
	}
	return locations, nil
}
