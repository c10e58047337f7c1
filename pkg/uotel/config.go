package uotel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	logExportInterval    = 5 * time.Second
	metricExportInterval = 30 * time.Second
)

type otelConfig struct {
	serviceName    string
	serviceVersion string
	logFields      map[string]interface{}

	// endpoint receives both logs and traces.
	endpoint    string
	tlsCertPath string
	tlsInsecure bool

	tracingDisabled bool
	loggingDisabled bool

	metricsWriter   io.Writer
	metricsInterval time.Duration

	mtx           sync.Mutex
	resource      *resource.Resource
	conn          *grpc.ClientConn
	meterProvider otelmetric.MeterProvider
	shutdown      []func(context.Context) error
}

type Option func(*otelConfig)

func WithServiceName(name string, version string) Option {
	return func(c *otelConfig) {
		c.serviceName = name
		c.serviceVersion = version
	}
}

// WithLogFields sets fields added to every exported log entry.
func WithLogFields(fields map[string]interface{}) Option {
	return func(c *otelConfig) {
		c.logFields = fields
	}
}

// WithOtelEndpoint exports logs and traces to a collector over TLS. An empty
// certificate path trusts the system pool.
func WithOtelEndpoint(endpoint string, tlsCertPath string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCertPath = tlsCertPath
		c.tlsInsecure = false
	}
}

func WithInsecureOtelEndpoint(endpoint string) Option {
	return func(c *otelConfig) {
		c.endpoint = endpoint
		c.tlsCertPath = ""
		c.tlsInsecure = true
	}
}

func WithTracingDisabled() Option {
	return func(c *otelConfig) {
		c.tracingDisabled = true
	}
}

func WithLoggingDisabled() Option {
	return func(c *otelConfig) {
		c.loggingDisabled = true
	}
}

// WithMetricsWriter periodically writes metrics as JSON to w.
func WithMetricsWriter(w io.Writer, interval time.Duration) Option {
	return func(c *otelConfig) {
		c.metricsWriter = w
		c.metricsInterval = interval
	}
}

func newConfig(opts ...Option) *otelConfig {
	cfg := &otelConfig{
		meterProvider:   noop.NewMeterProvider(),
		metricsInterval: metricExportInterval,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

func (c *otelConfig) init(ctx context.Context) (context.Context, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.initMetrics(ctx); err != nil {
		return nil, fmt.Errorf("otel: failed to initialize metrics: %w", err)
	}

	if c.endpoint == "" || (c.loggingDisabled && c.tracingDisabled) {
		zap.L().Debug("otel: no endpoint provided, skipping log and trace export")
		return ctx, nil
	}

	cc, err := c.connect()
	if err != nil {
		return nil, err
	}

	if !c.loggingDisabled {
		ctx, err = c.initLogging(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("otel: failed to initialize logging: %w", err)
		}
	}

	if !c.tracingDisabled {
		if err := c.initTracing(ctx, cc); err != nil {
			return nil, fmt.Errorf("otel: failed to initialize tracing: %w", err)
		}
	}
	return ctx, nil
}

// connect dials the collector once.
// precondition: c.mtx is locked
func (c *otelConfig) connect() (*grpc.ClientConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	var creds credentials.TransportCredentials
	if c.tlsInsecure {
		zap.L().Warn("otel: using INSECURE connection to collector", zap.String("endpoint", c.endpoint))
		creds = insecure.NewCredentials()
	} else {
		tlsConfig, err := getTLSConfig(c.tlsCertPath)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(c.endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create gRPC connection to collector: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *otelConfig) getResource(ctx context.Context) (*resource.Resource, error) {
	if c.resource != nil {
		return c.resource, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(c.serviceName),
			semconv.ServiceVersionKey.String(c.serviceVersion),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create otel resource: %w", err)
	}
	c.resource = res
	return res, nil
}

func (c *otelConfig) initMetrics(ctx context.Context) error {
	if c.metricsWriter == nil {
		return nil
	}
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(c.metricsWriter))
	if err != nil {
		return err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(c.metricsInterval))),
	)
	c.meterProvider = provider
	otel.SetMeterProvider(provider)
	c.shutdown = append(c.shutdown, provider.Shutdown)
	return nil
}

func (c *otelConfig) initTracing(ctx context.Context, cc *grpc.ClientConn) error {
	res, err := c.getResource(ctx)
	if err != nil {
		return err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(cc))
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctxzap.Extract(ctx).Debug("OpenTelemetry tracing enabled")

	c.shutdown = append(c.shutdown, tracerProvider.Shutdown)
	return nil
}

// initLogging tees the context logger into an OTLP log exporter. The context
// must already carry the logger built by logging.Init.
func (c *otelConfig) initLogging(ctx context.Context, cc *grpc.ClientConn) (context.Context, error) {
	res, err := c.getResource(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(cc))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}
	processor := log.NewBatchProcessor(exp, log.WithExportInterval(logExportInterval))
	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(processor),
	)

	otelzapcore := otelzap.NewCore(c.serviceName, otelzap.WithVersion(c.serviceVersion), otelzap.WithLoggerProvider(provider))
	addOtel := zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, otelzapcore)
	})

	fields := make([]zap.Field, 0, len(c.logFields))
	for k, v := range c.logFields {
		fields = append(fields, zap.Any(k, v))
	}

	l := ctxzap.Extract(ctx).WithOptions(addOtel).With(fields...)
	zap.ReplaceGlobals(l)

	l.Debug("OpenTelemetry logging enabled")

	c.shutdown = append(c.shutdown, provider.Shutdown)
	return ctxzap.ToContext(ctx, l), nil
}

// Close flushes every exporter, then closes the collector connection.
func (c *otelConfig) Close(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for _, shutdown := range c.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.conn = nil
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("otel: failed to shut down: %w", err)
	}
	return nil
}

// getTLSConfig trusts the PEM certificates in tlsCertPath, or the system pool
// when the path is empty.
func getTLSConfig(tlsCertPath string) (*tls.Config, error) {
	if tlsCertPath == "" {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("otel: failed to load system certificate pool: %w", err)
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    systemPool,
		}, nil
	}

	certData, err := os.ReadFile(tlsCertPath)
	if err != nil {
		return nil, fmt.Errorf("otel: failed to read TLS certificate file: %w", err)
	}

	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(certData); !ok {
		return nil, fmt.Errorf("otel: failed to parse TLS certificate %s", tlsCertPath)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    certPool,
	}, nil
}
