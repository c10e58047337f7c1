// Package watermark records, per task, the upstream snapshot the downstream
// table is known to match.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"go.opentelemetry.io/otel"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

var tracer = otel.Tracer("branch-cdc/watermark")

const watermarkTableSchema = `
CREATE TABLE IF NOT EXISTS %s (
    task_id VARCHAR(255) NOT NULL PRIMARY KEY,
    snapshot VARCHAR(255) NOT NULL,
    updated_at BIGINT NOT NULL
)`

type Record struct {
	TaskID    string
	Snapshot  string
	UpdatedAt time.Time
}

type Store struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	name    string
	table   engine.TableRef
	ident   exp.IdentifierExpression
	now     func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(db *sql.DB, dialect string, table engine.TableRef, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("watermark: db is required")
	}
	if table.Table == "" {
		return nil, errors.New("watermark: table is required")
	}
	s := &Store{
		db:      db,
		dialect: goqu.Dialect(dialect),
		name:    dialect,
		table:   table,
		ident:   goqu.S(table.Database).Table(table.Table),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := engine.CreateDatabase(ctx, s.db, s.name, s.table.Database); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(watermarkTableSchema, s.table.Quoted()))
	if err != nil {
		return fmt.Errorf("watermark: create table %s: %w", s.table, err)
	}
	return nil
}

// Get returns the watermark snapshot of taskID and whether one exists.
func (s *Store) Get(ctx context.Context, taskID string) (string, bool, error) {
	rec, err := s.Record(ctx, taskID)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Snapshot, true, nil
}

// Record returns the full watermark row, or nil when there is none.
func (s *Store) Record(ctx context.Context, taskID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "watermark.Get")
	defer span.End()

	q := s.dialect.From(s.ident).Prepared(true).
		Select("task_id", "snapshot", "updated_at").
		Where(goqu.C("task_id").Eq(taskID)).
		Limit(1)
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	var (
		rec Record
		at  int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&rec.TaskID, &rec.Snapshot, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("watermark: read %s: %w", taskID, err)
	}
	rec.UpdatedAt = time.UnixMilli(at)
	return &rec, nil
}

// Put sets the watermark in its own transaction. It is used when the
// watermark is recovered rather than produced by an apply.
func (s *Store) Put(ctx context.Context, taskID string, snapshot string) error {
	ctx, span := tracer.Start(ctx, "watermark.Put")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.AdvanceTx(ctx, tx, taskID, snapshot); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// AdvanceTx writes the watermark inside tx. The row only becomes visible if
// the caller commits, which is what ties the watermark to the applied data.
func (s *Store) AdvanceTx(ctx context.Context, tx *sql.Tx, taskID string, snapshot string) error {
	if snapshot == "" {
		return errors.New("watermark: snapshot is required")
	}

	del, args, err := s.dialect.Delete(s.ident).Prepared(true).
		Where(goqu.C("task_id").Eq(taskID)).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("watermark: clear %s: %w", taskID, err)
	}

	ins, args, err := s.dialect.Insert(s.ident).Prepared(true).
		Rows(goqu.Record{"task_id": taskID, "snapshot": snapshot, "updated_at": s.now().UnixMilli()}).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
		return fmt.Errorf("watermark: write %s: %w", taskID, err)
	}
	return nil
}
