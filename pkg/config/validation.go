package config

import (
	"fmt"
	"strings"

	"github.com/conductorone/branch-cdc/pkg/stage"
)

type ConfigurationError struct {
	errs []error
}

func (c *ConfigurationError) Error() string {
	amount := len(c.errs)
	var errstrings []string
	for _, err := range c.errs {
		errstrings = append(errstrings, err.Error())
	}

	return fmt.Sprintf("found %d error(s) in the configuration:\n%s", amount, strings.Join(errstrings, "\n"))
}

func (c *ConfigurationError) PushError(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *ConfigurationError) Unwrap() []error {
	return c.errs
}

// Validate reports every problem at once. Any error is fatal at startup.
func (c *Config) Validate() error {
	errorsFound := &ConfigurationError{}
	push := func(format string, args ...any) {
		errorsFound.PushError(fmt.Errorf(format, args...))
	}

	tasks, err := c.SyncTasks()
	switch {
	case err != nil:
		errorsFound.PushError(err)
	case len(tasks) == 0:
		push("no sync task configured: set upstream.table and downstream.table or add tasks")
	}
	for _, t := range tasks {
		switch stage.Scheme(t.Stage()) {
		case "stage", "file", "s3":
		default:
			push("task %s: unsupported stage %q", t.ID(), t.Stage())
		}
	}

	if c.Interval < 0 {
		push("interval must not be negative, got %s", c.Interval)
	}
	if c.LockTTL <= 0 {
		push("lock-ttl must be positive, got %s", c.LockTTL)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LockTTL {
		push("heartbeat-interval must be positive and shorter than lock-ttl (%s), got %s", c.LockTTL, c.HeartbeatInterval)
	}
	if c.FastVerifyEvery < 0 || c.VerifyInterval < 0 {
		push("verification intervals must not be negative")
	}
	for name, p := range map[string]int{
		"verify-sample-percent":     c.VerifySamplePercent,
		"archeology.sample-percent": c.Archeology.SamplePercent,
	} {
		if p < 0 || p > 100 {
			push("%s must be between 0 and 100, got %d", name, p)
		}
	}
	if c.Retention < 1 {
		push("retention must be at least 1, got %d", c.Retention)
	}
	if c.FullFallbackAfter < 1 {
		push("full-fallback-after must be at least 1, got %d", c.FullFallbackAfter)
	}
	if c.Archeology.MaxCandidates < 1 {
		push("archeology.max-candidates must be at least 1, got %d", c.Archeology.MaxCandidates)
	}
	if c.Meta.Database == "" || c.Meta.LockTable == "" || c.Meta.WatermarkTable == "" {
		push("meta.database, meta.lock-table and meta.watermark-table are required")
	}
	switch c.Loader {
	case LoaderAuto, LoaderLoadData, LoaderRows:
	default:
		push("loader must be one of %s, %s or %s, got %q", LoaderAuto, LoaderLoadData, LoaderRows, c.Loader)
	}
	switch c.Metrics {
	case MetricsNone, MetricsStdout:
	default:
		push("metrics must be %s or %s, got %q", MetricsNone, MetricsStdout, c.Metrics)
	}
	if c.Otel.Insecure && c.Otel.TLSCertPath != "" {
		push("otel.insecure and otel.tls-cert-path are mutually exclusive")
	}

	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}
