// Package profiling captures pprof profiles of a replication run.
package profiling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type Config struct {
	// Dir receives the profiles. Empty means the working directory.
	Dir string
	CPU bool
	Mem bool
}

func (c Config) Enabled() bool {
	return c.CPU || c.Mem
}

// Profiler writes cpu-<stamp>.prof over the run and mem-<stamp>.prof at the end.
type Profiler struct {
	cfg         Config
	cpuFile     *os.File
	cpuFilePath string
	memFilePath string
}

// New returns nil when cfg enables nothing. A nil Profiler is a no-op.
func New(cfg Config, now time.Time) *Profiler {
	if !cfg.Enabled() {
		return nil
	}

	dir := cfg.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		dir = wd
	}

	stamp := now.Format("20060102-150405")
	return &Profiler{
		cfg:         cfg,
		cpuFilePath: filepath.Join(dir, fmt.Sprintf("cpu-%s.prof", stamp)),
		memFilePath: filepath.Join(dir, fmt.Sprintf("mem-%s.prof", stamp)),
	}
}

func (p *Profiler) Start(ctx context.Context) error {
	if p == nil || !p.cfg.CPU {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.cpuFilePath), 0o755); err != nil {
		return fmt.Errorf("profiling: create output directory: %w", err)
	}

	f, err := os.Create(p.cpuFilePath)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return err
	}
	p.cpuFile = f

	ctxzap.Extract(ctx).Info("CPU profiling started", zap.String("output_path", p.cpuFilePath))
	return nil
}

// Stop ends CPU profiling and writes the heap profile.
func (p *Profiler) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	l := ctxzap.Extract(ctx)

	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			return err
		}
		p.cpuFile = nil
		l.Info("CPU profile written", zap.String("path", p.cpuFilePath))
	}

	if !p.cfg.Mem {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.memFilePath), 0o755); err != nil {
		return fmt.Errorf("profiling: create output directory: %w", err)
	}
	f, err := os.Create(p.memFilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return err
	}
	l.Info("memory profile written", zap.String("path", p.memFilePath))
	return nil
}
