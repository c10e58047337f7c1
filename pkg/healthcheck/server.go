package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	statusTimeout   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config holds the configuration for the health check server.
type Config struct {
	Enabled     bool
	Port        int
	BindAddress string
}

// TaskStatus is the last known state of one replication task.
type TaskStatus struct {
	TaskID        string `json:"task_id"`
	Cycles        uint64 `json:"cycles"`
	LastCycle     string `json:"last_cycle,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Watermark     string `json:"watermark,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	ApplyFailures int    `json:"apply_failures,omitempty"`
	ForceFull     string `json:"force_full,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProcessStats describes the resource use of this process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// HealthResponse represents the JSON response for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
	Tasks     []TaskStatus      `json:"tasks,omitempty"`
	Process   *ProcessStats     `json:"process,omitempty"`
}

// StatusFunc reports the state of every task run by this process.
type StatusFunc func(context.Context) ([]TaskStatus, error)

// Server manages the HTTP health check server lifecycle.
type Server struct {
	cfg        Config
	statusFunc StatusFunc
	server     *http.Server
	mu         sync.Mutex
	started    bool
	ctx        context.Context
}

func NewServer(cfg Config, statusFunc StatusFunc) *Server {
	return &Server{
		cfg:        cfg,
		statusFunc: statusFunc,
	}
}

// Start listens and serves in the background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("health check server already started")
	}

	s.ctx = ctx
	l := ctxzap.Extract(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create health check listener: %w", err)
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.started = true

	go func() {
		l.Info("health check server starting", zap.String("address", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("health check server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctxzap.Extract(ctx).Info("stopping health check server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown health check server: %w", err)
	}

	s.started = false
	return nil
}

func (s *Server) context(r *http.Request) context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return r.Context()
}

func (s *Server) statuses(ctx context.Context) ([]TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	return s.statusFunc(ctx)
}

// healthHandler reports every task. It is unhealthy while any task's last
// cycle failed.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := s.context(r)
	l := ctxzap.Extract(ctx)

	response := HealthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   make(map[string]string),
		Process:   processStats(ctx),
	}

	tasks, err := s.statuses(ctx)
	if err != nil {
		l.Warn("health check failed: could not read task status", zap.Error(err))
		response.Status = "unhealthy"
		response.Details["error"] = "failed to read task status"
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	response.Tasks = tasks

	for _, t := range tasks {
		if t.Error != "" {
			response.Details[t.TaskID] = t.Error
		}
	}
	if len(response.Details) > 0 {
		l.Warn("health check failed: task cycles failing", zap.Int("tasks", len(response.Details)))
		response.Status = "unhealthy"
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Status = "healthy"
	s.writeJSON(w, http.StatusOK, response)
}

// readyHandler reports ready once every task has finished a cycle.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := s.context(r)

	response := HealthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   make(map[string]string),
	}

	tasks, err := s.statuses(ctx)
	if err != nil {
		ctxzap.Extract(ctx).Warn("readiness check failed: could not read task status", zap.Error(err))
		response.Status = "not_ready"
		response.Details["error"] = "failed to read task status"
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	for _, t := range tasks {
		if t.LastCycle == "" {
			response.Details[t.TaskID] = "no cycle finished yet"
		}
	}
	if len(response.Details) > 0 {
		response.Status = "not_ready"
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Status = "ready"
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// processStats is best effort; fields the platform cannot report stay zero.
func processStats(ctx context.Context) *ProcessStats {
	stats := &ProcessStats{Goroutines: runtime.NumGoroutine()}

	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats
}
