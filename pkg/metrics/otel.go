package metrics

import (
	"context"
	"maps"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type otelHandler struct {
	meter otelmetric.Meter
	tags  map[string]string

	// Instruments are shared by every handler derived through WithTags.
	instruments *instruments
}

type instruments struct {
	int64CountersMtx sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   sync.Mutex
	int64Gauges      map[string]*syncInt64Gauge
}

func attributesFor(base map[string]string, tags map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(base)+len(tags))
	for k, v := range base {
		if _, ok := tags[k]; ok {
			continue
		}
		kvs = append(kvs, attribute.String(k, v))
	}
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}

type otelInt64Histogram struct {
	h    otelmetric.Int64Histogram
	base map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.base, tags)))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type otelInt64Counter struct {
	c    otelmetric.Int64Counter
	base map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, otelmetric.WithAttributeSet(attributesFor(o.base, tags)))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

// syncInt64Gauge remembers the last value per attribute set and reports them
// all on collection.
type syncInt64Gauge struct {
	mtx    sync.Mutex
	values map[attribute.Distinct]gaugePoint
	gauge  otelmetric.Int64ObservableGauge
}

type gaugePoint struct {
	value int64
	attrs attribute.Set
}

type taggedGauge struct {
	g    *syncInt64Gauge
	base map[string]string
}

func (t *taggedGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	set := attributesFor(t.base, tags)
	t.g.mtx.Lock()
	defer t.g.mtx.Unlock()
	t.g.values[set.Equivalent()] = gaugePoint{value: value, attrs: set}
}

var _ Int64Gauge = (*taggedGauge)(nil)

func newSyncInt64Gauge(meter otelmetric.Meter, name string, description string, unit Unit) *syncInt64Gauge {
	g, err := meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}

	return &syncInt64Gauge{gauge: g, values: make(map[attribute.Distinct]gaugePoint)}
}

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	in := h.instruments
	in.int64HistosMtx.Lock()
	defer in.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := in.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		in.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: c, base: h.tags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	in := h.instruments
	in.int64CountersMtx.Lock()
	defer in.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := in.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		in.int64Counters[name] = c
	}

	return &otelInt64Counter{c: c, base: h.tags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	in := h.instruments
	in.int64GaugesMtx.Lock()
	defer in.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := in.int64Gauges[name]; ok {
		return &taggedGauge{g: g, base: h.tags}
	}

	newGauge := newSyncInt64Gauge(h.meter, name, description, unit)

	_, err := h.meter.RegisterCallback(func(ctx context.Context, observer otelmetric.Observer) error {
		newGauge.mtx.Lock()
		defer newGauge.mtx.Unlock()
		for _, p := range newGauge.values {
			observer.ObserveInt64(newGauge.gauge, p.value, otelmetric.WithAttributeSet(p.attrs))
		}
		return nil
	}, newGauge.gauge)

	if err != nil {
		panic(err)
	}

	in.int64Gauges[name] = newGauge

	return &taggedGauge{g: newGauge, base: h.tags}
}

func (h *otelHandler) WithTags(tags map[string]string) Handler {
	merged := make(map[string]string, len(h.tags)+len(tags))
	maps.Copy(merged, h.tags)
	maps.Copy(merged, tags)
	return &otelHandler{meter: h.meter, tags: merged, instruments: h.instruments}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		meter: provider.Meter(name),
		instruments: &instruments{
			int64Counters: make(map[string]otelmetric.Int64Counter),
			int64Histos:   make(map[string]otelmetric.Int64Histogram),
			int64Gauges:   make(map[string]*syncInt64Gauge),
		},
	}
}

var _ Handler = (*otelHandler)(nil)
