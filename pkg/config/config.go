// Package config loads the replication settings from flags, the environment
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conductorone/branch-cdc/pkg/cycle"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/engine/matrixone"
	"github.com/conductorone/branch-cdc/pkg/lock"
	"github.com/conductorone/branch-cdc/pkg/reaper"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/verify"
	"github.com/conductorone/branch-cdc/pkg/watermark"
)

const (
	EnvPrefix     = "branch_cdc"
	ConfigPathEnv = "BRANCH_CDC_CONFIG_PATH"

	LoaderAuto     = "auto"
	LoaderLoadData = "load-data"
	LoaderRows     = "rows"

	MetricsNone   = "none"
	MetricsStdout = "stdout"
)

type Endpoint struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// inherit fills the connection fields e leaves empty from base. The table is
// never inherited.
func (e Endpoint) inherit(base Endpoint) Endpoint {
	if e.Host == "" {
		e.Host = base.Host
	}
	if e.Port == 0 {
		e.Port = base.Port
	}
	if e.User == "" {
		e.User = base.User
	}
	if e.Password == "" {
		e.Password = base.Password
	}
	if e.Database == "" {
		e.Database = base.Database
	}
	return e
}

func (e Endpoint) Task() task.Endpoint {
	return task.Endpoint{
		Host:     e.Host,
		Port:     e.Port,
		User:     e.User,
		Password: e.Password,
		Database: e.Database,
		Table:    e.Table,
	}
}

// Connection is the matrixone connection config for e.
func (e Endpoint) Connection(connectTimeout time.Duration) matrixone.Config {
	return matrixone.Config{
		Host:           e.Host,
		Port:           e.Port,
		User:           e.User,
		Password:       e.Password,
		ConnectTimeout: connectTimeout,
	}
}

// TaskConfig is an additional table pair. Connection fields left empty are
// taken from the top-level upstream and downstream.
type TaskConfig struct {
	Upstream   Endpoint `mapstructure:"upstream"`
	Downstream Endpoint `mapstructure:"downstream"`
	Stage      string   `mapstructure:"stage"`
}

type S3 struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path-style"`
}

type Archeology struct {
	SamplePercent   int `mapstructure:"sample-percent"`
	MaxCandidates   int `mapstructure:"max-candidates"`
	ProbesPerSecond int `mapstructure:"probes-per-second"`
}

type Meta struct {
	Database       string `mapstructure:"database"`
	LockTable      string `mapstructure:"lock-table"`
	WatermarkTable string `mapstructure:"watermark-table"`
}

func (m Meta) LockTableRef() engine.TableRef {
	return engine.TableRef{Database: m.Database, Table: m.LockTable}
}

func (m Meta) WatermarkTableRef() engine.TableRef {
	return engine.TableRef{Database: m.Database, Table: m.WatermarkTable}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File adds a rotated log file next to stderr.
	File string `mapstructure:"file"`
}

type HealthCheck struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind-address"`
}

type Otel struct {
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	TLSCertPath string `mapstructure:"tls-cert-path"`
}

type Profile struct {
	Dir string `mapstructure:"dir"`
	CPU bool   `mapstructure:"cpu"`
	Mem bool   `mapstructure:"mem"`
}

type Config struct {
	Upstream   Endpoint     `mapstructure:"upstream"`
	Downstream Endpoint     `mapstructure:"downstream"`
	Stage      string       `mapstructure:"stage"`
	Tasks      []TaskConfig `mapstructure:"tasks"`
	S3         S3           `mapstructure:"s3"`

	Interval          time.Duration `mapstructure:"interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect-timeout"`
	LockTTL           time.Duration `mapstructure:"lock-ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	// FastVerifyEvery and VerifyInterval count successful cycles.
	FastVerifyEvery     int        `mapstructure:"fast-verify-every"`
	VerifyInterval      int        `mapstructure:"verify-interval"`
	VerifySamplePercent int        `mapstructure:"verify-sample-percent"`
	Retention           int        `mapstructure:"retention"`
	FullFallbackAfter   int        `mapstructure:"full-fallback-after"`
	Archeology          Archeology `mapstructure:"archeology"`
	Meta                Meta       `mapstructure:"meta"`
	Loader              string     `mapstructure:"loader"`
	ArchiveDir          string     `mapstructure:"archive-dir"`

	Log         Log         `mapstructure:"log"`
	HealthCheck HealthCheck `mapstructure:"health-check"`
	Otel        Otel        `mapstructure:"otel"`
	Metrics     string      `mapstructure:"metrics"`
	Profile     Profile     `mapstructure:"profile"`
}

// setting is one config key. The flag name is the key with dots turned into
// dashes, so upstream.host is --upstream-host and BRANCH_CDC_UPSTREAM_HOST.
type setting struct {
	key   string
	def   any
	usage string
}

func (s setting) flag() string {
	return strings.ReplaceAll(s.key, ".", "-")
}

var settings = []setting{
	{"upstream.host", "127.0.0.1", "Upstream MatrixOne host"},
	{"upstream.port", matrixone.DefaultPort, "Upstream MatrixOne port"},
	{"upstream.user", "root", "Upstream user"},
	{"upstream.password", "", "Upstream password"},
	{"upstream.database", "", "Upstream database"},
	{"upstream.table", "", "Upstream table"},
	{"downstream.host", "127.0.0.1", "Downstream MatrixOne host"},
	{"downstream.port", matrixone.DefaultPort, "Downstream MatrixOne port"},
	{"downstream.user", "root", "Downstream user"},
	{"downstream.password", "", "Downstream password"},
	{"downstream.database", "", "Downstream database"},
	{"downstream.table", "", "Downstream table"},
	{"stage", "", "Where diffs are written: stage://name, file:///dir or s3://bucket/prefix"},
	{"s3.region", "", "Region of the S3 stage"},
	{"s3.endpoint", "", "Endpoint override for S3-compatible stages"},
	{"s3.path-style", false, "Use path-style S3 addressing"},

	{"interval", cycle.DefaultInterval, "Pause between cycles"},
	{"connect-timeout", 10 * time.Second, "Connection timeout"},
	{"lock-ttl", lock.DefaultTTL, "Age after which another instance may take a task's lock"},
	{"heartbeat-interval", lock.DefaultHeartbeatInterval, "Lock heartbeat period while a cycle runs"},
	{"fast-verify-every", verify.DefaultFastEvery, "Successful cycles between fast checks (0 disables)"},
	{"verify-interval", verify.DefaultFullEvery, "Successful cycles between full checks (0 disables)"},
	{"verify-sample-percent", verify.DefaultSamplePercent, "Share of rows hashed by the fast check"},
	{"retention", reaper.DefaultRetention, "Task snapshots kept, the watermark included"},
	{"full-fallback-after", cycle.DefaultFullFallbackAfter, "Consecutive apply failures before a full resync"},
	{"archeology.sample-percent", watermark.DefaultSamplePercent, "Share of rows compared per recovery probe"},
	{"archeology.max-candidates", watermark.DefaultMaxCandidates, "Snapshots probed when recovering a lost watermark"},
	{"archeology.probes-per-second", watermark.DefaultProbesPerSecond, "Recovery probe rate (0 is unlimited)"},
	{"meta.database", "cdc_by_data_branch_db", "Downstream database holding lock and watermark tables"},
	{"meta.lock-table", "cdc_lock", "Lock table name"},
	{"meta.watermark-table", "cdc_watermark", "Watermark table name"},
	{"loader", LoaderAuto, "Bootstrap loader: auto, load-data or rows"},
	{"archive-dir", "", "Keep a zstd copy of every artifact under this directory"},

	{"log.level", "info", "Log level"},
	{"log.format", "json", "Log format: json or console"},
	{"log.file", "", "Also write logs to this rotated file"},
	{"health-check.enabled", false, "Serve /health, /ready and /live"},
	{"health-check.port", 8081, "Health check port"},
	{"health-check.bind-address", "127.0.0.1", "Health check bind address"},
	{"otel.endpoint", "", "OTLP collector endpoint for logs and traces"},
	{"otel.insecure", false, "Connect to the collector without TLS"},
	{"otel.tls-cert-path", "", "CA certificate for the collector"},
	{"metrics", MetricsNone, "Metrics exporter: none or stdout"},
	{"profile.dir", "", "Directory for pprof output"},
	{"profile.cpu", false, "Write a CPU profile of the run"},
	{"profile.mem", false, "Write a heap profile when the run ends"},
}

// DefineFlags registers every setting on fs with its default.
func DefineFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		switch def := s.def.(type) {
		case string:
			fs.String(s.flag(), def, s.usage)
		case int:
			fs.Int(s.flag(), def, s.usage)
		case bool:
			fs.Bool(s.flag(), def, s.usage)
		case time.Duration:
			fs.Duration(s.flag(), def, s.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default %T for %s", def, s.key))
		}
	}
}

// NewViper reads the optional config file and binds the environment and the
// flags in fs. The file is $BRANCH_CDC_CONFIG_PATH or ./branch-cdc.yaml.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	path, name, err := CleanOrGetConfigPath(os.Getenv(ConfigPathEnv))
	if err != nil {
		return nil, err
	}
	v.SetConfigName(name)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if fs == nil {
			continue
		}
		if f := fs.Lookup(s.flag()); f != nil {
			if err := v.BindPFlag(s.key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg, viperHook()); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SyncTasks returns the top-level task, when its tables are set, followed by
// every entry of Tasks.
func (c *Config) SyncTasks() ([]*task.SyncTask, error) {
	var ret []*task.SyncTask
	if c.Upstream.Table != "" || c.Downstream.Table != "" {
		t, err := task.New(c.Upstream.Task(), c.Downstream.Task(), c.Stage)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	for i, tc := range c.Tasks {
		stage := tc.Stage
		if stage == "" {
			stage = c.Stage
		}
		t, err := task.New(tc.Upstream.inherit(c.Upstream).Task(), tc.Downstream.inherit(c.Downstream).Task(), stage)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		ret = append(ret, t)
	}
	return ret, nil
}
