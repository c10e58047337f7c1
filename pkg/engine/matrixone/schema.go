package matrixone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/go-sql-driver/mysql"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// erNoSuchTable is the server error for a missing table.
const erNoSuchTable = 1146

type column struct {
	Name    string
	Type    string
	Primary bool
}

// isVector reports a vecf32/vecf64 column. Those have no stable text cast.
func (c column) isVector() bool {
	return strings.Contains(strings.ToLower(c.Type), "vec")
}

func isNoSuchTable(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == erNoSuchTable
}

// columnsOf returns the visible columns of table in definition order.
func (e *Engine) columnsOf(ctx context.Context, table engine.TableRef) ([]column, error) {
	if cols, ok := e.columns.Get(table.String()); ok {
		return cols, nil
	}

	var cols []column
	err := e.read(ctx, func(ctx context.Context) error {
		cols = cols[:0]
		rows, err := e.db.QueryContext(ctx, "SHOW COLUMNS FROM "+table.Quoted())
		if err != nil {
			return err
		}
		defer rows.Close()

		names, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			vals := make([]sql.NullString, len(names))
			dest := make([]any, len(names))
			for i := range vals {
				dest[i] = &vals[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			var c column
			for i, n := range names {
				switch strings.ToLower(n) {
				case "field":
					c.Name = vals[i].String
				case "type":
					c.Type = vals[i].String
				case "key":
					c.Primary = strings.EqualFold(vals[i].String, "PRI")
				}
			}
			cols = append(cols, c)
		}
		return rows.Err()
	})
	if err != nil {
		if isNoSuchTable(err) {
			return nil, fmt.Errorf("%w: %s", engine.ErrTableNotFound, table)
		}
		return nil, fmt.Errorf("matrixone: columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s has no columns", engine.ErrTableNotFound, table)
	}
	e.columns.Set(table.String(), cols)
	return cols, nil
}

func (e *Engine) ShowCreateTable(ctx context.Context, table engine.TableRef) (string, error) {
	var name, ddl string
	err := e.read(ctx, func(ctx context.Context) error {
		return e.db.QueryRowContext(ctx, "SHOW CREATE TABLE "+table.Quoted()).Scan(&name, &ddl)
	})
	if err != nil {
		if isNoSuchTable(err) {
			return "", fmt.Errorf("%w: %s", engine.ErrTableNotFound, table)
		}
		return "", fmt.Errorf("matrixone: show create table %s: %w", table, err)
	}
	return ddl, nil
}

func (e *Engine) PrimaryKey(ctx context.Context, table engine.TableRef) ([]string, error) {
	cols, err := e.columnsOf(ctx, table)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, c := range cols {
		if c.Primary {
			keys = append(keys, c.Name)
		}
	}
	return keys, nil
}

func tableExistsSQL(table engine.TableRef) (string, []any, error) {
	return goqu.Dialect(engine.DialectMySQL).
		From(goqu.S("information_schema").Table("tables")).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("table_schema").Eq(table.Database),
			goqu.C("table_name").Eq(table.Table),
		).
		Prepared(true).
		ToSQL()
}

func (e *Engine) TableExists(ctx context.Context, table engine.TableRef) (bool, error) {
	query, args, err := tableExistsSQL(table)
	if err != nil {
		return false, err
	}
	var n int
	err = e.read(ctx, func(ctx context.Context) error {
		return e.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("matrixone: look up table %s: %w", table, err)
	}
	return n > 0, nil
}

func (e *Engine) IsEmpty(ctx context.Context, table engine.TableRef) (bool, error) {
	var one int
	err := e.read(ctx, func(ctx context.Context) error {
		return e.db.QueryRowContext(ctx, "SELECT 1 FROM "+table.Quoted()+" LIMIT 1").Scan(&one)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("matrixone: read %s: %w", table, err)
	}
	return false, nil
}

// EnsureTable creates the database and runs ddl inside it when table is
// missing. The ddl may name the table unqualified, so it runs on a connection
// switched to the database.
func (e *Engine) EnsureTable(ctx context.Context, table engine.TableRef, ddl string) error {
	exists, err := e.TableExists(ctx, table)
	if err != nil || exists {
		return err
	}

	if err := engine.CreateDatabase(ctx, e.db, engine.DialectMySQL, table.Database); err != nil {
		return err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return err
	}
	// Every other query qualifies its tables, so the connection may go back to
	// the pool still switched to the database.
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "USE "+engine.QuoteIdent(table.Database)); err != nil {
		return fmt.Errorf("matrixone: use %s: %w", table.Database, err)
	}
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("matrixone: create %s: %w", table, err)
	}
	e.columns.Delete(table.String())
	ctxzap.Extract(ctx).Info("created table", zap.Stringer("table", table))
	return nil
}
