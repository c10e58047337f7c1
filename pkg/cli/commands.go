package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/config"
	"github.com/conductorone/branch-cdc/pkg/cycle"
	"github.com/conductorone/branch-cdc/pkg/healthcheck"
	"github.com/conductorone/branch-cdc/pkg/logging"
	"github.com/conductorone/branch-cdc/pkg/metrics"
	"github.com/conductorone/branch-cdc/pkg/profiling"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/uotel"
	"github.com/conductorone/branch-cdc/pkg/verify"
)

var ErrVerificationMismatch = errors.New("verification mismatch")

// session is the process-wide setup shared by every command.
type session struct {
	ctx       context.Context
	cfg       *config.Config
	ownerID   string
	telemetry *uotel.Telemetry
	profiler  *profiling.Profiler
	metrics   *metrics.M
	rt        *runtime
}

func newSession(ctx context.Context, cmd *cobra.Command, name string, version string) (*session, error) {
	v, err := config.NewViper(cmd.Root().PersistentFlags())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, ownerID: task.NewOwnerID()}

	ctx, err = logging.Init(ctx,
		logging.WithLogLevel(cfg.Log.Level),
		logging.WithLogFormat(cfg.Log.Format),
		logging.WithOutputPaths([]string{"stderr", cfg.Log.File}),
		logging.WithInitialFields(map[string]interface{}{"owner_id": s.ownerID}),
	)
	if err != nil {
		return nil, err
	}

	otelOpts := []uotel.Option{
		uotel.WithServiceName(name, version),
		uotel.WithLogFields(map[string]interface{}{"owner_id": s.ownerID}),
	}
	switch {
	case cfg.Otel.Endpoint == "":
	case cfg.Otel.Insecure:
		otelOpts = append(otelOpts, uotel.WithInsecureOtelEndpoint(cfg.Otel.Endpoint))
	default:
		otelOpts = append(otelOpts, uotel.WithOtelEndpoint(cfg.Otel.Endpoint, cfg.Otel.TLSCertPath))
	}
	if cfg.Metrics == config.MetricsStdout {
		otelOpts = append(otelOpts, uotel.WithMetricsWriter(os.Stdout, time.Minute))
	}
	ctx, s.telemetry, err = uotel.InitOtel(ctx, otelOpts...)
	if err != nil {
		return nil, err
	}
	s.ctx = ctx
	s.metrics = metrics.New(metrics.NewOtelHandler(ctx, s.telemetry.MeterProvider(), name))

	s.profiler = profiling.New(profiling.Config{Dir: cfg.Profile.Dir, CPU: cfg.Profile.CPU, Mem: cfg.Profile.Mem}, time.Now())
	if err := s.profiler.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.rt, err = buildRuntime(ctx, cfg, s.ownerID, newConnector(cfg), s.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close tears the session down in reverse order. Errors are only logged.
func (s *session) Close() {
	ctx := context.WithoutCancel(s.ctx)
	l := ctxzap.Extract(ctx)

	if s.rt != nil {
		if err := s.rt.Close(); err != nil {
			l.Warn("closing connections", zap.Error(err))
		}
	}
	if err := s.profiler.Stop(ctx); err != nil {
		l.Warn("writing profiles", zap.Error(err))
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			l.Warn("shutting down telemetry", zap.Error(err))
		}
	}
	_ = l.Sync()
}

func runMain(ctx context.Context, cmd *cobra.Command, name string, version string, mode string) error {
	if mode != ModeAuto && mode != ModeOnce {
		return fmt.Errorf("invalid mode %q (valid: %s, %s)", mode, ModeAuto, ModeOnce)
	}
	output, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	s, err := newSession(ctx, cmd, name, version)
	if err != nil {
		return err
	}
	defer s.Close()
	l := ctxzap.Extract(s.ctx)

	if s.cfg.HealthCheck.Enabled {
		hs := healthcheck.NewServer(healthcheck.Config{
			Enabled:     true,
			Port:        s.cfg.HealthCheck.Port,
			BindAddress: s.cfg.HealthCheck.BindAddress,
		}, groupStatus(s.rt.group))
		if err := hs.Start(s.ctx); err != nil {
			return err
		}
		defer func() {
			if err := hs.Stop(context.WithoutCancel(s.ctx)); err != nil {
				l.Warn("stopping health check server", zap.Error(err))
			}
		}()
	}

	if mode == ModeAuto {
		l.Info("replication started", zap.Int("tasks", len(s.rt.tasks)), zap.Duration("interval", s.cfg.Interval))
		return s.rt.group.Run(s.ctx)
	}

	outcomes, err := s.rt.group.RunOnce(s.ctx)
	summaries := make([]outcomeSummary, 0, len(outcomes))
	for _, out := range outcomes {
		if out != nil {
			summaries = append(summaries, summarize(out))
		}
	}
	if werr := writeOutput(cmd.OutOrStdout(), output, summaries); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

type reportSummary struct {
	TaskID             string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Level              string `json:"level" yaml:"level"`
	Snapshot           string `json:"snapshot" yaml:"snapshot"`
	Sampled            bool   `json:"sampled,omitempty" yaml:"sampled,omitempty"`
	Match              bool   `json:"match" yaml:"match"`
	UpstreamRows       int64  `json:"upstream_rows" yaml:"upstream_rows"`
	DownstreamRows     int64  `json:"downstream_rows" yaml:"downstream_rows"`
	UpstreamChecksum   uint64 `json:"upstream_checksum,omitempty" yaml:"upstream_checksum,omitempty"`
	DownstreamChecksum uint64 `json:"downstream_checksum,omitempty" yaml:"downstream_checksum,omitempty"`
	Error              string `json:"error,omitempty" yaml:"error,omitempty"`
}

func summarizeReport(taskID string, rep *verify.Report) *reportSummary {
	if rep == nil {
		return nil
	}
	return &reportSummary{
		TaskID:             taskID,
		Level:              rep.Level.String(),
		Snapshot:           rep.Snapshot,
		Sampled:            rep.Sampled,
		Match:              rep.Match,
		UpstreamRows:       rep.Upstream.Rows,
		DownstreamRows:     rep.Downstream.Rows,
		UpstreamChecksum:   rep.Upstream.Hash,
		DownstreamChecksum: rep.Downstream.Hash,
	}
}

type outcomeSummary struct {
	TaskID       string         `json:"task_id" yaml:"task_id"`
	CycleID      string         `json:"cycle_id" yaml:"cycle_id"`
	Skipped      bool           `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Mode         string         `json:"mode,omitempty" yaml:"mode,omitempty"`
	Reason       string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Truncated    bool           `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Watermark    string         `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	Rows         int64          `json:"rows" yaml:"rows"`
	Statements   int            `json:"statements" yaml:"statements"`
	Verification *reportSummary `json:"verification,omitempty" yaml:"verification,omitempty"`
	DurationMS   int64          `json:"duration_ms" yaml:"duration_ms"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func summarize(out *cycle.Outcome) outcomeSummary {
	s := outcomeSummary{
		TaskID:       out.TaskID,
		CycleID:      out.CycleID.String(),
		Skipped:      out.Skipped,
		Reason:       out.Reason,
		Truncated:    out.Truncated,
		Watermark:    out.Watermark,
		Rows:         out.Rows,
		Statements:   out.Statements,
		Verification: summarizeReport("", out.Verification),
		DurationMS:   out.Duration().Milliseconds(),
	}
	if out.Reason != "" {
		s.Mode = out.Mode.String()
	}
	if out.Err != nil {
		s.Error = out.Err.Error()
	}
	return s
}

// runVerify audits every task under its lock so no cycle moves the
// watermark mid-audit. Tasks locked by a running instance are reported, not
// waited for.
func runVerify(ctx context.Context, cmd *cobra.Command, name string, version string, levelName string) error {
	level, err := verify.ParseLevel(levelName)
	if err != nil {
		return err
	}
	output, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	s, err := newSession(ctx, cmd, name, version)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		reports []*reportSummary
		errs    []error
	)
	for _, tr := range s.rt.tasks {
		rep, err := s.verifyTask(tr, level)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tr.task.ID(), err))
			if rep == nil {
				rep = &reportSummary{TaskID: tr.task.ID(), Level: level.String()}
			}
			rep.Error = err.Error()
		}
		reports = append(reports, rep)
	}
	if err := writeOutput(cmd.OutOrStdout(), output, reports); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *session) verifyTask(tr *taskRuntime, level verify.Level) (*reportSummary, error) {
	ctx := s.ctx
	id := tr.task.ID()

	acquired, err := tr.locks.Acquire(ctx, id, s.ownerID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errors.New("task is locked by a running instance")
	}
	defer func() {
		if err := tr.locks.Release(context.WithoutCancel(ctx), id, s.ownerID); err != nil {
			ctxzap.Extract(ctx).Warn("releasing lock after verification", zap.String("task_id", id), zap.Error(err))
		}
	}()

	wm, ok, err := tr.watermarks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no watermark; the task has not completed a cycle")
	}

	rep, err := tr.verifier.Verify(ctx, tr.task, level, wm)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordVerification(ctx, id, level.String(), rep.Match)

	sum := summarizeReport(id, rep)
	if !rep.Match {
		return sum, ErrVerificationMismatch
	}
	return sum, nil
}

func runStatus(ctx context.Context, cmd *cobra.Command, name string, version string) error {
	output, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := newSession(ctx, cmd, name, version)
	if err != nil {
		return err
	}
	defer s.Close()

	now := time.Now()
	ret := make([]*persistedStatus, 0, len(s.rt.tasks))
	for _, tr := range s.rt.tasks {
		st, err := tr.status(s.ctx, now)
		if err != nil {
			return fmt.Errorf("%s: %w", tr.task.ID(), err)
		}
		ret = append(ret, st)
	}
	return writeOutput(cmd.OutOrStdout(), output, ret)
}
