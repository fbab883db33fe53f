// Package manager accepts render and login jobs, runs each on the browser
// pool in its own browsing context and tracks in-flight work for health
// reporting and graceful shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/renderd/internal/render/browsing"
	"github.com/GriffinCanCode/renderd/internal/render/filter"
	"github.com/GriffinCanCode/renderd/internal/render/pool"
	"github.com/GriffinCanCode/renderd/internal/render/task"
	"github.com/GriffinCanCode/renderd/internal/shared/id"
)

// ErrStopping is returned for jobs submitted after Stop.
var ErrStopping = errors.New("task manager is stopping")

// Pool is the part of *pool.Pool the manager uses.
type Pool interface {
	Task(ctx context.Context, fn func(context.Context, *browser.Process) error) error
	Ready() bool
	Healthy(ctx context.Context) bool
	Processes() []pool.ProcessInfo
	Pages(ctx context.Context) map[string][]string
	Stop(ctx context.Context) error
}

// Config holds the manager's tunables.
type Config struct {
	// UnhealthyTTL is how long a task may run before the service reports
	// itself unhealthy.
	UnhealthyTTL time.Duration
	// DefaultWait applies when a job leaves its wait bounds unset.
	DefaultWait task.WaitTime
	// WaitLimit caps the max wait a job may ask for. Zero means no cap.
	WaitLimit time.Duration
	// Budget bounds the work after navigation. See task.Spec.Budget.
	Budget time.Duration
	// ForwardHeaders lists the headers a job may forward, case-insensitive.
	ForwardHeaders []string
	Viewport       browser.PageOptions
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		UnhealthyTTL:   120 * time.Second,
		DefaultWait:    task.WaitTime{Max: 30 * time.Second},
		WaitLimit:      60 * time.Second,
		Budget:         task.DefaultBudget,
		ForwardHeaders: []string{"Cookie", "Authorization"},
		Viewport:       browser.PageOptions{ViewportWidth: 1280, ViewportHeight: 800},
	}
}

// Deps are the manager's collaborators. Only Pool is required.
type Deps struct {
	Filter    *filter.Filter
	Telemetry Telemetry
	Tracer    *tracing.Tracer
	Logger    *zap.Logger
}

type entry struct {
	task    *task.Task
	started time.Time
}

// Manager runs jobs. It is safe for concurrent use.
type Manager struct {
	pool      Pool
	cfg       Config
	forward   map[string]string
	filter    *filter.Filter
	telemetry Telemetry
	tracer    *tracing.Tracer
	logger    *zap.Logger

	// mu orders registration against Stop so that no task is added to
	// inflight after Stop starts waiting on it.
	mu       sync.RWMutex
	stopping bool
	inflight sync.WaitGroup
	tasks    sync.Map // task id -> *entry
	running  atomic.Int64
	served   atomic.Int64

	stopOnce sync.Once
	now      func() time.Time
}

// New creates a manager over p.
func New(p Pool, cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.UnhealthyTTL <= 0 {
		cfg.UnhealthyTTL = defaults.UnhealthyTTL
	}
	if cfg.DefaultWait.Max <= 0 {
		cfg.DefaultWait.Max = defaults.DefaultWait.Max
	}

	forward := make(map[string]string, len(cfg.ForwardHeaders))
	for _, h := range cfg.ForwardHeaders {
		h = strings.TrimSpace(h)
		if h != "" {
			forward[strings.ToLower(h)] = http.CanonicalHeaderKey(h)
		}
	}

	return &Manager{
		pool:      p,
		cfg:       cfg,
		forward:   forward,
		filter:    deps.Filter,
		telemetry: SafeTelemetry(deps.Telemetry, logger),
		tracer:    deps.Tracer,
		logger:    logger.With(zap.String("component", "task_manager")),
		now:       time.Now,
	}
}

// Task runs one job to completion. Failures during processing are reported
// in the result; an error is returned only for jobs that were never started.
func (m *Manager) Task(ctx context.Context, spec task.Spec) (task.Result, error) {
	spec = m.prepare(spec)
	if err := spec.Validate(); err != nil {
		return task.Result{}, err
	}
	if m.cfg.WaitLimit > 0 && spec.WaitTime.Max > m.cfg.WaitLimit {
		return task.Result{}, fmt.Errorf("%w: max wait %s exceeds limit %s", task.ErrInvalidSpec, spec.WaitTime.Max, m.cfg.WaitLimit)
	}

	t := task.New(spec, m.logger)
	if err := m.register(t); err != nil {
		return task.Result{}, err
	}
	defer m.unregister(t)

	var span *tracing.Span
	if m.tracer != nil {
		span, ctx = m.tracer.StartSpan(ctx, "task."+string(spec.Kind))
		span.SetTag("task_id", spec.ID)
		span.SetTag("url", spec.URL)
	}

	m.telemetry.TaskStarted(spec.Kind)
	res := m.run(ctx, t)
	m.served.Add(1)
	m.telemetry.TaskFinished(spec.Kind, res.Outcome(), res.Metrics)

	if span != nil {
		span.SetTag("outcome", res.Outcome())
		span.SetStatus(res.StatusCode)
		m.tracer.End(span)
	}

	m.logger.Info("task finished",
		zap.String("task_id", spec.ID),
		zap.String("kind", string(spec.Kind)),
		zap.String("outcome", res.Outcome()),
		zap.Int("status", res.StatusCode),
		zap.Duration("duration", res.Metrics.Total))
	return res, nil
}

// run processes t on the pool. A panic anywhere in processing becomes an
// internal_error result.
func (m *Manager) run(ctx context.Context, t *task.Task) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked",
				zap.String("task_id", t.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = task.Failure(task.CodeInternal)
		}
	}()

	opts := browsing.Options{
		Viewport: m.cfg.Viewport,
		Filter:   m.filter,
		Recorder: m.telemetry,
		Logger:   m.logger,
	}
	err := m.pool.Task(ctx, func(ctx context.Context, proc *browser.Process) error {
		res = t.Process(ctx, proc, opts)
		return nil
	})
	if err != nil {
		m.logger.Warn("no browser process for task", zap.String("task_id", t.ID()), zap.Error(err))
		return task.Failure(task.CodeProcessUnavailable)
	}
	return res
}

// prepare fills defaults and drops headers that may not be forwarded.
func (m *Manager) prepare(spec task.Spec) task.Spec {
	if spec.ID == "" {
		spec.ID = id.NewTaskID().String()
	}
	if spec.WaitTime.Max == 0 {
		spec.WaitTime.Max = m.cfg.DefaultWait.Max
		if spec.WaitTime.Min == 0 {
			spec.WaitTime.Min = m.cfg.DefaultWait.Min
		}
	}
	if spec.Budget == 0 {
		spec.Budget = m.cfg.Budget
	}

	if len(spec.Headers) > 0 {
		headers := make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			if canonical, ok := m.forward[strings.ToLower(k)]; ok {
				headers[canonical] = v
			}
		}
		spec.Headers = headers
	}
	return spec
}

func (m *Manager) register(t *task.Task) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopping {
		return ErrStopping
	}
	if _, loaded := m.tasks.LoadOrStore(t.ID(), &entry{task: t, started: m.now()}); loaded {
		return fmt.Errorf("%w: duplicate task id %q", task.ErrInvalidSpec, t.ID())
	}
	m.inflight.Add(1)
	m.running.Add(1)
	return nil
}

func (m *Manager) unregister(t *task.Task) {
	m.tasks.Delete(t.ID())
	m.running.Add(-1)
	m.inflight.Done()
}

// Healthy is false while stopping or when any task has been running longer
// than the unhealthy TTL. Otherwise it reports the pool's readiness.
func (m *Manager) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	stopping := m.stopping
	m.mu.RUnlock()
	if stopping {
		return false
	}

	now := m.now()
	hung := false
	m.tasks.Range(func(_, v any) bool {
		e := v.(*entry)
		if age := now.Sub(e.started); age > m.cfg.UnhealthyTTL {
			m.logger.Warn("task exceeded unhealthy ttl",
				zap.String("task_id", e.task.ID()),
				zap.String("state", e.task.State().String()),
				zap.Duration("age", age))
			hung = true
			return false
		}
		return true
	})
	if hung {
		return false
	}
	return m.pool.Ready() && m.pool.Healthy(ctx)
}

// TaskInfo describes one in-flight task.
type TaskInfo struct {
	ID      string        `json:"id"`
	Kind    task.Kind     `json:"kind"`
	URL     string        `json:"url"`
	State   string        `json:"state"`
	Running time.Duration `json:"running"`
}

// Stats is a snapshot for the health endpoint.
type Stats struct {
	InFlight  int64              `json:"inFlight"`
	Served    int64              `json:"served"`
	Stopping  bool               `json:"stopping"`
	Tasks     []TaskInfo         `json:"tasks,omitempty"`
	Processes []pool.ProcessInfo `json:"processes"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stopping := m.stopping
	m.mu.RUnlock()

	now := m.now()
	var tasks []TaskInfo
	m.tasks.Range(func(_, v any) bool {
		e := v.(*entry)
		tasks = append(tasks, TaskInfo{
			ID:      e.task.ID(),
			Kind:    e.task.Kind(),
			URL:     e.task.Spec().URL,
			State:   e.task.State().String(),
			Running: now.Sub(e.started),
		})
		return true
	})

	return Stats{
		InFlight:  m.running.Load(),
		Served:    m.served.Load(),
		Stopping:  stopping,
		Tasks:     tasks,
		Processes: m.pool.Processes(),
	}
}

// Pages lists open page URLs per browser process.
func (m *Manager) Pages(ctx context.Context) map[string][]string {
	return m.pool.Pages(ctx)
}

// Stop rejects new jobs, waits for in-flight ones, then stops the pool. If
// ctx ends first the pool is stopped anyway. Calls after the first are
// no-ops.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopping = true
		m.mu.Unlock()

		m.logger.Info("stopping task manager", zap.Int64("in_flight", m.running.Load()))

		done := make(chan struct{})
		go func() {
			m.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("stopping with tasks still in flight", zap.Int64("in_flight", m.running.Load()))
		}

		err = m.pool.Stop(ctx)
	})
	return err
}
