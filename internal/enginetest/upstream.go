package enginetest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

const snapshotTablePrefix = "__snap_"

// Upstream is an engine.Upstream over SQLite. Snapshots are materialized as
// copies of the table, and diffs are computed in memory and written as files
// under the output directory.
type Upstream struct {
	sqliteSchema
	db *sql.DB

	mtx       sync.Mutex
	snapshots []engine.SnapshotRef
	keys      map[string][]string
	failures  map[string]error
	now       func() time.Time
	diffs     int
	calls     map[string]int
}

var _ engine.Upstream = (*Upstream)(nil)

func NewUpstream(t testing.TB) *Upstream {
	t.Helper()
	db := OpenSQLite(t, "upstream")
	return &Upstream{
		sqliteSchema: sqliteSchema{db: db},
		db:           db,
		keys:         make(map[string][]string),
		failures:     make(map[string]error),
		calls:        make(map[string]int),
		now:          time.Now,
	}
}

func (u *Upstream) DB() *sql.DB {
	return u.db
}

// Exec runs a statement against the upstream database.
func (u *Upstream) Exec(t testing.TB, query string, args ...any) {
	t.Helper()
	_, err := u.db.Exec(query, args...)
	require.NoError(t, err)
}

// FailOn makes the named operation return err until cleared with a nil err.
func (u *Upstream) FailOn(op string, err error) {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	if err == nil {
		delete(u.failures, op)
		return
	}
	u.failures[op] = err
}

func (u *Upstream) SetClock(now func() time.Time) {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.now = now
}

// Calls reports how many times op was invoked.
func (u *Upstream) Calls(op string) int {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	return u.calls[op]
}

func (u *Upstream) enter(op string) error {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.calls[op]++
	return u.failures[op]
}

func snapshotTable(name string) engine.TableRef {
	return Table(snapshotTablePrefix + name)
}

func (u *Upstream) Snapshots() []engine.SnapshotRef {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	return append([]engine.SnapshotRef(nil), u.snapshots...)
}

func (u *Upstream) CreateSnapshot(ctx context.Context, name string, table engine.TableRef) error {
	if err := u.enter("CreateSnapshot"); err != nil {
		return err
	}
	keys, err := u.PrimaryKey(ctx, table)
	if err != nil {
		return err
	}
	_, err = u.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", snapshotTable(name).Quoted(), table.Quoted()))
	if err != nil {
		return err
	}

	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.keys[name] = keys
	u.snapshots = append(u.snapshots, engine.SnapshotRef{
		Name:      name,
		Database:  table.Database,
		Table:     table.Table,
		CreatedAt: u.now(),
	})
	return nil
}

func (u *Upstream) DropSnapshot(ctx context.Context, name string) error {
	if err := u.enter("DropSnapshot"); err != nil {
		return err
	}
	_, err := u.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+snapshotTable(name).Quoted())
	if err != nil {
		return err
	}

	u.mtx.Lock()
	defer u.mtx.Unlock()
	kept := u.snapshots[:0]
	for _, s := range u.snapshots {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	u.snapshots = kept
	delete(u.keys, name)
	return nil
}

func (u *Upstream) SnapshotExists(ctx context.Context, name string) (bool, error) {
	if err := u.enter("SnapshotExists"); err != nil {
		return false, err
	}
	_, ok := u.snapshot(name)
	return ok, nil
}

func (u *Upstream) snapshot(name string) (engine.SnapshotRef, bool) {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	for _, s := range u.snapshots {
		if s.Name == name {
			return s, true
		}
	}
	return engine.SnapshotRef{}, false
}

func (u *Upstream) ListSnapshots(ctx context.Context, prefix string) ([]engine.SnapshotRef, error) {
	if err := u.enter("ListSnapshots"); err != nil {
		return nil, err
	}
	u.mtx.Lock()
	defer u.mtx.Unlock()
	var ret []engine.SnapshotRef
	for _, s := range u.snapshots {
		if strings.HasPrefix(s.Name, prefix) {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func (u *Upstream) CreateEmptyLike(ctx context.Context, dst engine.TableRef, src engine.TableRef) error {
	if err := u.enter("CreateEmptyLike"); err != nil {
		return err
	}
	_, err := u.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 0", dst.Quoted(), src.Quoted()))
	return err
}

func (u *Upstream) CloneAt(ctx context.Context, dst engine.TableRef, src engine.TableRef, snapshot string) error {
	if err := u.enter("CloneAt"); err != nil {
		return err
	}
	if _, ok := u.snapshot(snapshot); !ok {
		return fmt.Errorf("%w: %s", engine.ErrSnapshotNotFound, snapshot)
	}
	_, err := u.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", dst.Quoted(), snapshotTable(snapshot).Quoted()))
	return err
}

func (u *Upstream) DropTable(ctx context.Context, table engine.TableRef) error {
	if err := u.enter("DropTable"); err != nil {
		return err
	}
	_, err := u.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Quoted())
	return err
}

// Diff writes a bootstrap CSV when base is empty and a SQL patch otherwise.
// No file is written when there is nothing to apply.
func (u *Upstream) Diff(ctx context.Context, target engine.TableRef, snapshot string, base engine.TableRef, output string) ([]string, error) {
	if err := u.enter("Diff"); err != nil {
		return nil, err
	}
	if _, ok := u.snapshot(snapshot); !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrSnapshotNotFound, snapshot)
	}
	u.mtx.Lock()
	keys := u.keys[snapshot]
	u.diffs++
	seq := u.diffs
	u.mtx.Unlock()

	newRows, err := ReadRows(ctx, u.db, snapshotTable(snapshot))
	if err != nil {
		return nil, err
	}
	oldRows, err := ReadRows(ctx, u.db, base)
	if err != nil {
		return nil, err
	}

	dir := strings.TrimPrefix(output, "file://")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var (
		body string
		ext  string
	)
	if len(oldRows) == 0 {
		body, ext = bootstrapCSV(newRows), ".csv"
	} else {
		body, ext = incrementalSQL(target, keys, oldRows, newRows), ".sql"
	}
	if body == "" {
		return nil, nil
	}

	path := filepath.Join(dir, fmt.Sprintf("diff_%s_%d%s", snapshot, seq, ext))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return nil, err
	}
	return []string{"file://" + path}, nil
}

func bootstrapCSV(rows []Row) string {
	var sb strings.Builder
	for _, r := range rows {
		for i, v := range r.Values {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(csvField(v))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func incrementalSQL(target engine.TableRef, keys []string, oldRows []Row, newRows []Row) string {
	oldIdx, oldOrder := indexRows(oldRows, keys)
	newIdx, newOrder := indexRows(newRows, keys)

	var stmts []string
	for _, k := range oldOrder {
		if n, ok := newIdx[k]; ok && n.Text() == oldIdx[k].Text() {
			continue
		}
		if _, ok := newIdx[k]; ok && len(keys) > 0 {
			// Replaced below.
			continue
		}
		stmts = append(stmts, deleteStmt(target, keys, oldIdx[k]))
	}
	for _, k := range newOrder {
		if o, ok := oldIdx[k]; ok && o.Text() == newIdx[k].Text() {
			continue
		}
		verb := "REPLACE INTO"
		if len(keys) == 0 {
			verb = "INSERT INTO"
		}
		stmts = append(stmts, fmt.Sprintf("%s %s VALUES (%s);", verb, target.Quoted(), literals(newIdx[k].Values)))
	}
	if len(stmts) == 0 {
		return ""
	}
	return "BEGIN;\n" + strings.Join(stmts, "\n") + "\nCOMMIT;\n"
}

func deleteStmt(target engine.TableRef, keys []string, r Row) string {
	var conds []string
	for i, c := range r.Columns {
		if len(keys) > 0 && !containsFold(keys, c) {
			continue
		}
		if r.Values[i] == nil {
			conds = append(conds, engine.QuoteIdent(c)+" IS NULL")
			continue
		}
		conds = append(conds, engine.QuoteIdent(c)+" = "+sqlLiteral(r.Values[i]))
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s;", target.Quoted(), strings.Join(conds, " AND "))
}

func literals(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = sqlLiteral(v)
	}
	return strings.Join(parts, ", ")
}

func containsFold(ss []string, s string) bool {
	for _, x := range ss {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

func (u *Upstream) Checksum(ctx context.Context, table engine.TableRef, opts engine.ChecksumOptions) (engine.Checksum, error) {
	if err := u.enter("Checksum"); err != nil {
		return engine.Checksum{}, err
	}
	src := table
	if opts.Snapshot != "" {
		if _, ok := u.snapshot(opts.Snapshot); !ok {
			return engine.Checksum{}, fmt.Errorf("%w: %s", engine.ErrSnapshotNotFound, opts.Snapshot)
		}
		src = snapshotTable(opts.Snapshot)
	}
	rows, err := ReadRows(ctx, u.db, src)
	if err != nil {
		return engine.Checksum{}, err
	}
	return checksumRows(rows, opts), nil
}
