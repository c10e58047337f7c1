// Package uotel sets up OpenTelemetry export for logs, traces and metrics.
package uotel

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"
)

// Telemetry owns the exporters started by InitOtel.
type Telemetry struct {
	cfg *otelConfig
}

// InitOtel starts the exporters the options ask for. Without any, it returns
// a no-op meter provider and leaves logging and tracing untouched.
func InitOtel(ctx context.Context, opts ...Option) (context.Context, *Telemetry, error) {
	config := newConfig(opts...)

	initCtx, err := config.init(ctx)
	if err != nil {
		_ = config.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}

	return initCtx, &Telemetry{cfg: config}, nil
}

func (t *Telemetry) MeterProvider() otelmetric.MeterProvider {
	t.cfg.mtx.Lock()
	defer t.cfg.mtx.Unlock()
	return t.cfg.meterProvider
}

// Shutdown flushes pending telemetry and closes the collector connection.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.cfg.Close(ctx)
}
