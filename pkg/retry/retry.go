package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"math"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("branch-cdc/retry")

// MySQL server error numbers worth another attempt.
const (
	erTooManyConnections = 1040
	erLockWaitTimeout    = 1205
	erLockDeadlock       = 1213
	erServerShutdown     = 1053
)

type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
}

type RetryConfig struct {
	MaxAttempts  uint          // 0 means no limit (which is also the default).
	InitialDelay time.Duration // Default is 1 second.
	MaxDelay     time.Duration // Default is 60 seconds. 0 means no limit.
}

func NewRetryer(ctx context.Context, config RetryConfig) *Retryer {
	r := &Retryer{
		attempts:     0,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	return r
}

// IsTransient reports whether err is a connection or contention failure that
// may succeed when attempted again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erTooManyConnections, erLockWaitTimeout, erLockDeadlock, erServerShutdown:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// ShouldWaitAndRetry blocks for the backoff delay and returns true when err is
// transient and attempts remain. A nil err resets the attempt counter.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !IsTransient(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.maxAttempts > 0 && r.attempts > r.maxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		return false
	}

	// use linear backoff by default
	var wait time.Duration
	if r.attempts > math.MaxInt64 {
		wait = r.maxDelay
	} else {
		wait = time.Duration(int64(r.attempts)) * r.initialDelay
	}

	if wait > r.maxDelay {
		wait = r.maxDelay
	}

	l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait))

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run out.
func Do(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	r := NewRetryer(ctx, config)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.ShouldWaitAndRetry(ctx, err) {
			return err
		}
	}
}
