package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/branch-cdc/pkg/apply"
	"github.com/conductorone/branch-cdc/pkg/capture"
	"github.com/conductorone/branch-cdc/pkg/config"
	"github.com/conductorone/branch-cdc/pkg/cycle"
	"github.com/conductorone/branch-cdc/pkg/engine"
	"github.com/conductorone/branch-cdc/pkg/engine/matrixone"
	"github.com/conductorone/branch-cdc/pkg/lock"
	"github.com/conductorone/branch-cdc/pkg/metrics"
	"github.com/conductorone/branch-cdc/pkg/reaper"
	"github.com/conductorone/branch-cdc/pkg/stage"
	"github.com/conductorone/branch-cdc/pkg/task"
	"github.com/conductorone/branch-cdc/pkg/verify"
	"github.com/conductorone/branch-cdc/pkg/watermark"
)

// connector opens one engine per distinct server and account.
type connector interface {
	Connect(ctx context.Context, ep task.Endpoint) (*matrixone.Engine, error)
	Close() error
}

type mysqlConnector struct {
	cfg     *config.Config
	mtx     sync.Mutex
	engines map[string]*matrixone.Engine
}

func newConnector(cfg *config.Config) *mysqlConnector {
	return &mysqlConnector{cfg: cfg, engines: make(map[string]*matrixone.Engine)}
}

func (c *mysqlConnector) Connect(ctx context.Context, ep task.Endpoint) (*matrixone.Engine, error) {
	key := ep.User + "@" + ep.Addr()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if e, ok := c.engines[key]; ok {
		return e, nil
	}

	e, err := matrixone.Open(ctx, config.Endpoint{
		Host:     ep.Host,
		Port:     ep.Port,
		User:     ep.User,
		Password: ep.Password,
	}.Connection(c.cfg.ConnectTimeout))
	if err != nil {
		return nil, err
	}
	c.engines[key] = e
	return e, nil
}

func (c *mysqlConnector) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for key, e := range c.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	c.engines = make(map[string]*matrixone.Engine)
	return errors.Join(errs...)
}

// taskRuntime is everything one task needs, wired against live engines.
type taskRuntime struct {
	task       *task.SyncTask
	upstream   engine.Upstream
	downstream engine.Downstream
	locks      *lock.Manager
	watermarks *watermark.Store
	verifier   *verify.Verifier
	controller *cycle.Controller
}

type runtime struct {
	cfg     *config.Config
	ownerID string
	conns   connector
	tasks   []*taskRuntime
	group   *cycle.Group

	s3Once  sync.Once
	s3Store *stage.S3Store
	s3Err   error
}

// buildRuntime connects to every engine the configured tasks name, prepares
// the meta tables and builds one controller per task.
func buildRuntime(ctx context.Context, cfg *config.Config, ownerID string, conns connector, m *metrics.M) (*runtime, error) {
	tasks, err := cfg.SyncTasks()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, ownerID: ownerID, conns: conns}
	controllers := make([]*cycle.Controller, 0, len(tasks))
	for _, t := range tasks {
		tr, err := rt.buildTask(ctx, t, m)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID(), err)
		}
		rt.tasks = append(rt.tasks, tr)
		controllers = append(controllers, tr.controller)
	}
	rt.group = cycle.NewGroup(controllers...)
	return rt, nil
}

func (rt *runtime) buildTask(ctx context.Context, t *task.SyncTask, m *metrics.M) (*taskRuntime, error) {
	cfg := rt.cfg
	l := ctxzap.Extract(ctx).With(zap.String("task_id", t.ID()))

	up, err := rt.conns.Connect(ctx, t.Upstream())
	if err != nil {
		return nil, err
	}
	down, err := rt.conns.Connect(ctx, t.Downstream())
	if err != nil {
		return nil, err
	}

	locks, err := lock.NewManager(down.DB(), down.Dialect(), cfg.Meta.LockTableRef(), lock.WithTTL(cfg.LockTTL))
	if err != nil {
		return nil, err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	watermarks, err := watermark.NewStore(down.DB(), down.Dialect(), cfg.Meta.WatermarkTableRef())
	if err != nil {
		return nil, err
	}
	if err := watermarks.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	router, err := rt.router(ctx, t, up)
	if err != nil {
		return nil, err
	}
	loader := rt.loader(t, down, router)

	reaperOpts := []reaper.Option{reaper.WithRetention(cfg.Retention)}
	if cfg.ArchiveDir != "" {
		reaperOpts = append(reaperOpts, reaper.WithArchiver(stage.NewArchiver(router, cfg.ArchiveDir)))
	}

	verifier := verify.New(up, down,
		verify.WithFastEvery(cfg.FastVerifyEvery),
		verify.WithFullEvery(cfg.VerifyInterval),
		verify.WithSamplePercent(cfg.VerifySamplePercent),
	)

	deps := cycle.Deps{
		Upstream:   up,
		Downstream: down,
		Locks:      locks,
		Watermarks: watermarks,
		Archeologist: watermark.NewArcheologist(up, down, watermarks,
			watermark.WithSamplePercent(cfg.Archeology.SamplePercent),
			watermark.WithMaxCandidates(cfg.Archeology.MaxCandidates),
			watermark.WithProbesPerSecond(cfg.Archeology.ProbesPerSecond),
		),
		Capturer: capture.New(up),
		Applier:  apply.New(down, router, loader, watermarks, locks),
		Verifier: verifier,
		Reaper:   reaper.New(up, router, reaperOpts...),
		Metrics:  m,
	}
	controller, err := cycle.New(task.NewRunState(t, rt.ownerID), deps,
		cycle.WithInterval(cfg.Interval),
		cycle.WithHeartbeatInterval(cfg.HeartbeatInterval),
		cycle.WithFullFallbackAfter(cfg.FullFallbackAfter),
	)
	if err != nil {
		return nil, err
	}

	l.Info("task ready",
		zap.Stringer("source", t.Source()),
		zap.Stringer("target", t.Target()),
		zap.String("stage", t.Stage()),
	)
	return &taskRuntime{
		task:       t,
		upstream:   up,
		downstream: down,
		locks:      locks,
		watermarks: watermarks,
		verifier:   verifier,
		controller: controller,
	}, nil
}

// router resolves artifact locations. Named stages are read through the
// upstream engine that wrote them.
func (rt *runtime) router(ctx context.Context, t *task.SyncTask, up *matrixone.Engine) (*stage.Router, error) {
	r := stage.NewRouter()
	r.Register("stage", up.StageStore())
	r.Register("file", stage.LocalStore{})

	if stage.Scheme(t.Stage()) == "s3" {
		s3, err := rt.s3(ctx)
		if err != nil {
			return nil, err
		}
		r.Register("s3", s3)
	}
	return r, nil
}

func (rt *runtime) s3(ctx context.Context) (*stage.S3Store, error) {
	rt.s3Once.Do(func() {
		rt.s3Store, rt.s3Err = stage.NewS3StoreFromConfig(ctx, stage.S3Config{
			Region:         rt.cfg.S3.Region,
			Endpoint:       rt.cfg.S3.Endpoint,
			ForcePathStyle: rt.cfg.S3.PathStyle,
		})
	})
	return rt.s3Store, rt.s3Err
}

// loader picks LOAD DATA when the downstream server can read the stage
// itself, batched inserts otherwise.
func (rt *runtime) loader(t *task.SyncTask, down *matrixone.Engine, router *stage.Router) engine.BulkLoader {
	switch rt.cfg.Loader {
	case config.LoaderLoadData:
		return matrixone.LoadDataLoader{}
	case config.LoaderRows:
		return apply.NewRowLoader(router, down.Dialect())
	}
	if stage.Scheme(t.Stage()) == "stage" {
		return matrixone.LoadDataLoader{}
	}
	return apply.NewRowLoader(router, down.Dialect())
}

func (rt *runtime) Close() error {
	return rt.conns.Close()
}
