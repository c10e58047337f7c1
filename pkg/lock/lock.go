// Package lock coordinates instances replicating the same task. Each task has
// one row in a lock table; an instance owns the task while its owner id is in
// the row and the acquired-at time is within the TTL.
package lock

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
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

var tracer = otel.Tracer("branch-cdc/lock")

const (
	DefaultTTL               = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

var ErrLockLost = errors.New("lock: ownership lost")

const lockTableSchema = `
CREATE TABLE IF NOT EXISTS %s (
    task_id VARCHAR(255) NOT NULL PRIMARY KEY,
    owner_id VARCHAR(255),
    acquired_at BIGINT NOT NULL DEFAULT 0
)`

// Record is the lock row of a task. AcquiredAt is refreshed by every heartbeat.
type Record struct {
	TaskID     string
	OwnerID    string
	AcquiredAt time.Time
}

type Manager struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	name    string
	table   engine.TableRef
	ident   exp.IdentifierExpression
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock replaces time.Now, used to age lock rows in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(db *sql.DB, dialect string, table engine.TableRef, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("lock: db is required")
	}
	if table.Table == "" {
		return nil, errors.New("lock: table is required")
	}
	m := &Manager{
		db:      db,
		dialect: goqu.Dialect(dialect),
		name:    dialect,
		table:   table,
		ident:   goqu.S(table.Database).Table(table.Table),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %s", m.ttl)
	}
	return m, nil
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// EnsureSchema creates the lock database and table when missing.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if err := engine.CreateDatabase(ctx, m.db, m.name, m.table.Database); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(lockTableSchema, m.table.Quoted()))
	if err != nil {
		return fmt.Errorf("lock: create table %s: %w", m.table, err)
	}
	return nil
}

// Acquire takes the lock for taskID when it is free, already held by ownerID,
// or held by someone whose heartbeat is older than the TTL. It returns false
// without error when another live owner holds it.
func (m *Manager) Acquire(ctx context.Context, taskID string, ownerID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire")
	defer span.End()

	if err := m.ensureRow(ctx, taskID); err != nil {
		return false, err
	}

	now := m.now()
	q := m.dialect.Update(m.ident).Prepared(true).
		Set(goqu.Record{"owner_id": ownerID, "acquired_at": now.UnixMilli()}).
		Where(
			goqu.C("task_id").Eq(taskID),
			goqu.Or(
				goqu.C("owner_id").IsNull(),
				goqu.C("owner_id").Eq(""),
				goqu.C("owner_id").Eq(ownerID),
				goqu.C("acquired_at").Lt(now.Add(-m.ttl).UnixMilli()),
			),
		)
	query, args, err := q.ToSQL()
	if err != nil {
		return false, err
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", taskID, err)
	}

	rec, err := m.get(ctx, m.db, taskID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.OwnerID != ownerID {
		l := ctxzap.Extract(ctx)
		if rec != nil {
			l.Debug("lock held by another instance",
				zap.String("task_id", taskID),
				zap.String("holder", rec.OwnerID),
				zap.Time("acquired_at", rec.AcquiredAt),
			)
		}
		return false, nil
	}
	return true, nil
}

// Heartbeat refreshes the acquired-at time. It returns false when ownerID no
// longer owns the lock.
func (m *Manager) Heartbeat(ctx context.Context, taskID string, ownerID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "lock.Heartbeat")
	defer span.End()

	q := m.dialect.Update(m.ident).Prepared(true).
		Set(goqu.Record{"acquired_at": m.now().UnixMilli()}).
		Where(goqu.C("task_id").Eq(taskID), goqu.C("owner_id").Eq(ownerID))
	query, args, err := q.ToSQL()
	if err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("lock: heartbeat %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		return true, nil
	}

	// Some engines report zero affected rows when the value did not change.
	rec, err := m.get(ctx, m.db, taskID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.OwnerID == ownerID, nil
}

// Release clears the owner only when it is still ownerID.
func (m *Manager) Release(ctx context.Context, taskID string, ownerID string) error {
	ctx, span := tracer.Start(ctx, "lock.Release")
	defer span.End()

	q := m.dialect.Update(m.ident).Prepared(true).
		Set(goqu.Record{"owner_id": nil, "acquired_at": 0}).
		Where(goqu.C("task_id").Eq(taskID), goqu.C("owner_id").Eq(ownerID))
	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("lock: release %s: %w", taskID, err)
	}
	return nil
}

// Owned checks ownership from inside tx so a commit can be fenced on it.
func (m *Manager) Owned(ctx context.Context, tx *sql.Tx, taskID string, ownerID string) (bool, error) {
	rec, err := m.get(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.OwnerID == ownerID, nil
}

// Get returns the lock row for taskID, or nil when there is none.
func (m *Manager) Get(ctx context.Context, taskID string) (*Record, error) {
	return m.get(ctx, m.db, taskID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Manager) get(ctx context.Context, db queryer, taskID string) (*Record, error) {
	q := m.dialect.From(m.ident).Prepared(true).
		Select("task_id", "owner_id", "acquired_at").
		Where(goqu.C("task_id").Eq(taskID)).
		Limit(1)
	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	var (
		rec   Record
		owner sql.NullString
		at    int64
	)
	err = db.QueryRowContext(ctx, query, args...).Scan(&rec.TaskID, &owner, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: read %s: %w", taskID, err)
	}
	rec.OwnerID = owner.String
	if at > 0 {
		rec.AcquiredAt = time.UnixMilli(at)
	}
	return &rec, nil
}

func (m *Manager) ensureRow(ctx context.Context, taskID string) error {
	rec, err := m.get(ctx, m.db, taskID)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}

	q := m.dialect.Insert(m.ident).Prepared(true).
		Rows(goqu.Record{"task_id": taskID, "owner_id": nil, "acquired_at": 0})
	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	_, insertErr := m.db.ExecContext(ctx, query, args...)
	if insertErr == nil {
		return nil
	}

	// Another instance may have inserted the row first.
	rec, err = m.get(ctx, m.db, taskID)
	if err != nil {
		return errors.Join(insertErr, err)
	}
	if rec == nil {
		return fmt.Errorf("lock: create row for %s: %w", taskID, insertErr)
	}
	return nil
}
