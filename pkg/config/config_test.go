package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	DefineFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v)
}

var minimal = []string{
	"--upstream-database", "shop", "--upstream-table", "orders",
	"--downstream-database", "replica", "--downstream-table", "orders",
	"--stage", "stage://cdc",
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, minimal...)
	require.NoError(t, err)

	require.Equal(t, 10*time.Second, cfg.Interval)
	require.Equal(t, 30*time.Second, cfg.LockTTL)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 4, cfg.Retention)
	require.Equal(t, 3, cfg.FullFallbackAfter)
	require.Equal(t, 5, cfg.FastVerifyEvery)
	require.Equal(t, 50, cfg.VerifyInterval)
	require.Equal(t, 6001, cfg.Upstream.Port)
	require.Equal(t, LoaderAuto, cfg.Loader)
	require.Equal(t, engine.TableRef{Database: "cdc_by_data_branch_db", Table: "cdc_lock"}, cfg.Meta.LockTableRef())

	tasks, err := cfg.SyncTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, engine.TableRef{Database: "shop", Table: "orders"}, tasks[0].Source())
	require.Equal(t, engine.TableRef{Database: "replica", Table: "orders"}, tasks[0].Target())
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("BRANCH_CDC_INTERVAL", "1m")
	t.Setenv("BRANCH_CDC_ARCHEOLOGY_MAX_CANDIDATES", "7")

	cfg, err := load(t, minimal...)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.Interval)
	require.Equal(t, 7, cfg.Archeology.MaxCandidates)
}

func TestConfigFileWithTasks(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cdc.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
upstream:
  host: mo-primary
  user: dump
  database: shop
  table: orders
downstream:
  host: mo-replica
  database: replica
  table: orders
stage: stage://cdc
lock-ttl: 45s
tasks:
  - upstream:
      table: customers
    downstream:
      table: customers
  - upstream:
      database: billing
      table: invoices
    downstream:
      host: mo-archive
      database: archive
      table: invoices
    stage: s3://bucket/cdc
`), 0o600))
	t.Setenv(ConfigPathEnv, p)

	cfg, err := load(t)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.LockTTL)

	tasks, err := cfg.SyncTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	require.Equal(t, "mo-primary", tasks[1].Upstream().Host)
	require.Equal(t, "dump", tasks[1].Upstream().User)
	require.Equal(t, engine.TableRef{Database: "shop", Table: "customers"}, tasks[1].Source())
	require.Equal(t, "stage://cdc", tasks[1].Stage())

	require.Equal(t, engine.TableRef{Database: "billing", Table: "invoices"}, tasks[2].Source())
	require.Equal(t, "mo-archive", tasks[2].Downstream().Host)
	require.Equal(t, "s3://bucket/cdc", tasks[2].Stage())
	require.NotEqual(t, tasks[1].ID(), tasks[2].ID())
}

func TestValidateCollectsEveryError(t *testing.T) {
	_, err := load(t, "--retention", "0", "--loader", "bulk", "--heartbeat-interval", "1m")
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Len(t, cfgErr.errs, 4)
	require.Contains(t, err.Error(), "no sync task configured")
	require.Contains(t, err.Error(), "retention must be at least 1")
	require.Contains(t, err.Error(), "loader must be one of")
	require.Contains(t, err.Error(), "heartbeat-interval must be positive and shorter than lock-ttl")
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	args := append([]string{}, minimal[:len(minimal)-1]...)
	_, err := load(t, append(args, "ftp://host/dir")...)
	require.ErrorContains(t, err, "unsupported stage")
}

func TestCleanOrGetConfigPath(t *testing.T) {
	dir, name, err := CleanOrGetConfigPath("")
	require.NoError(t, err)
	require.Equal(t, ".", dir)
	require.Equal(t, "branch-cdc", name)

	dir, name, err = CleanOrGetConfigPath("/etc/cdc/prod.yml")
	require.NoError(t, err)
	require.Equal(t, "/etc/cdc", dir)
	require.Equal(t, "prod", name)

	_, _, err = CleanOrGetConfigPath("/etc/cdc/prod.json")
	require.Error(t, err)
}

func TestStringToSliceHookFunc(t *testing.T) {
	var got struct {
		Names []string `mapstructure:"names"`
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v, err := NewViper(fs)
	require.NoError(t, err)
	v.Set("names", "a, b,c")
	require.NoError(t, v.Unmarshal(&got, viperHook()))
	require.Equal(t, []string{"a", "b", "c"}, got.Names)
}
