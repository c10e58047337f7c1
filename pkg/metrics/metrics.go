// Package metrics records replication cycle metrics. Instruments are created
// lazily by name through a Handler so cycle code never holds meter state.
package metrics

import (
	"context"
)

// Handler creates or returns named instruments. Tags given to WithTags are
// added to every value recorded through the returned handler.
type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	WithTags(tags map[string]string) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags map[string]string)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags map[string]string)
}

// Int64Gauge keeps the last value observed per tag set.
type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags map[string]string)
}

// Unit is a UCUM unit string.
type Unit string

const (
	Dimensionless Unit = "1"
	Milliseconds  Unit = "ms"
)
