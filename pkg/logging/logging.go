package logging

import (
	"context"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Rotation limits for file outputs.
const (
	maxFileSizeMB = 10
	maxBackups    = 10
	maxAgeDays    = 14
)

type Option func(*zap.Config)

func WithLogLevel(level string) Option {
	return func(c *zap.Config) {
		ll := zapcore.InfoLevel
		_ = ll.Set(level)
		c.Level.SetLevel(ll)
	}
}

func WithLogFormat(format string) Option {
	return func(c *zap.Config) {
		switch format {
		case LogFormatConsole:
			c.Encoding = LogFormatConsole
			c.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		default:
			c.Encoding = LogFormatJSON
		}
	}
}

// WithInitialFields attaches fields to every entry, such as the instance owner id.
func WithInitialFields(fields map[string]interface{}) Option {
	return func(c *zap.Config) {
		if c.InitialFields == nil {
			c.InitialFields = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			c.InitialFields[k] = v
		}
	}
}

const rotateScheme = "rotate"

// WithOutputPaths sends logs to stdout, stderr or files. Files rotate by size.
func WithOutputPaths(paths []string) Option {
	return func(c *zap.Config) {
		p := make([]string, 0, len(paths))
		for _, path := range paths {
			switch path {
			case "":
			case "stdout", "stderr":
				p = append(p, path)
			default:
				u := &url.URL{Scheme: rotateScheme, Path: path}
				p = append(p, u.String())
			}
		}
		if len(p) > 0 {
			c.OutputPaths = p
		}
	}
}

type zapSink struct {
	*lumberjack.Logger
}

func (z *zapSink) Sync() error {
	return nil
}

type pathRegistry struct {
	sync.Map
}

func (p *pathRegistry) Register(path string) (zap.Sink, error) {
	sink, _ := p.LoadOrStore(path, &zapSink{Logger: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}})
	return sink.(zap.Sink), nil
}

var pr = &pathRegistry{}

func WriterForPath(path string) (io.Writer, error) {
	switch path {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return pr.Register(path)
	}
}

func init() {
	err := zap.RegisterSink(rotateScheme, func(u *url.URL) (zap.Sink, error) {
		return pr.Register(u.Path)
	})

	if err != nil {
		panic(err)
	}
}

// Init creates a new zap logger and attaches it to the provided context.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	for _, opt := range opts {
		opt(&zc)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)

	l.Debug("logger created", zap.String("log_level", zc.Level.String()), zap.Strings("outputs", zc.OutputPaths))

	return ctxzap.ToContext(ctx, l), nil
}
