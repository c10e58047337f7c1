package enginetest

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

// Downstream is an engine.Downstream over SQLite.
type Downstream struct {
	sqliteSchema
	db *sql.DB
}

var _ engine.Downstream = (*Downstream)(nil)

func NewDownstream(t testing.TB) *Downstream {
	t.Helper()
	db := OpenSQLite(t, "downstream")
	return &Downstream{sqliteSchema: sqliteSchema{db: db}, db: db}
}

func (d *Downstream) DB() *sql.DB {
	return d.db
}

func (d *Downstream) Dialect() string {
	return engine.DialectSQLite
}

func (d *Downstream) Exec(t testing.TB, query string, args ...any) {
	t.Helper()
	_, err := d.db.Exec(query, args...)
	require.NoError(t, err)
}

func (d *Downstream) IsEmpty(ctx context.Context, table engine.TableRef) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, "SELECT 1 FROM "+table.Quoted()+" LIMIT 1").Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}

func (d *Downstream) EnsureTable(ctx context.Context, table engine.TableRef, ddl string) error {
	ok, err := d.TableExists(ctx, table)
	if err != nil || ok {
		return err
	}
	_, err = d.db.ExecContext(ctx, ddl)
	return err
}

func (d *Downstream) Checksum(ctx context.Context, table engine.TableRef, opts engine.ChecksumOptions) (engine.Checksum, error) {
	rows, err := ReadRows(ctx, d.db, table)
	if err != nil {
		return engine.Checksum{}, err
	}
	return checksumRows(rows, opts), nil
}

// RowTexts returns the comma-joined text of every row, sorted, for comparing
// table contents in tests.
func RowTexts(t testing.TB, db *sql.DB, table engine.TableRef) []string {
	t.Helper()
	rows, err := ReadRows(context.Background(), db, table)
	require.NoError(t, err)
	ret := make([]string, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, r.Text())
	}
	sort.Strings(ret)
	return ret
}
