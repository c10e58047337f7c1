// Package matrixone implements the engine capabilities on MatrixOne, spoken to
// over the MySQL wire protocol.
package matrixone

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/retry"
)

var tracer = otel.Tracer("branch-cdc/matrixone")

const (
	DefaultPort = 6001

	columnCacheSize = 1024
	columnCacheTTL  = 5 * time.Minute
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// Database is the default schema of the connection. Optional.
	Database       string
	ConnectTimeout time.Duration
	MaxOpenConns   int
	// Retry governs connection attempts and read-only queries.
	Retry retry.RetryConfig
}

// DSN renders cfg for the mysql driver.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	mc.Addr = c.Host + ":" + strconv.Itoa(port)
	mc.DBName = c.Database
	mc.InterpolateParams = true
	mc.ParseTime = true
	if c.ConnectTimeout > 0 {
		mc.Timeout = c.ConnectTimeout
	}
	return mc.FormatDSN()
}

// Engine is a MatrixOne account reachable through one connection pool. It
// serves as both upstream and downstream.
type Engine struct {
	db      *sql.DB
	retry   retry.RetryConfig
	columns otter.Cache[string, []column]
}

var (
	_ engine.Upstream   = (*Engine)(nil)
	_ engine.Downstream = (*Engine)(nil)
)

// Open connects to MatrixOne and waits for the server to answer a ping,
// retrying transient failures.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("matrixone: open %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	err = retry.Do(ctx, cfg.Retry, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("matrixone: connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	e, err := New(db, cfg.Retry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	ctxzap.Extract(ctx).Debug("connected to matrixone", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return e, nil
}

// New wraps an existing connection pool. A zero MaxAttempts in rc means three
// attempts per read.
func New(db *sql.DB, rc retry.RetryConfig) (*Engine, error) {
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = 3
	}
	cols, err := otter.MustBuilder[string, []column](columnCacheSize).
		WithTTL(columnCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("matrixone: column cache: %w", err)
	}
	return &Engine{db: db, retry: rc, columns: cols}, nil
}

func (e *Engine) DB() *sql.DB {
	return e.db
}

func (e *Engine) Dialect() string {
	return engine.DialectMySQL
}

func (e *Engine) Close() error {
	e.columns.Close()
	return e.db.Close()
}

func (e *Engine) exec(ctx context.Context, query string, args ...any) error {
	ctxzap.Extract(ctx).Debug("matrixone exec", zap.String("query", query))
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

// read runs a read-only fn with retries on transient errors.
func (e *Engine) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.retry, fn)
}
