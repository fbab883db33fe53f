// Package pool routes work to a browser process and replaces that process
// after it has served a fixed number of tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/resilience"
)

var (
	// ErrStopping is returned once Stop has been called.
	ErrStopping = errors.New("browser pool is stopping")
	// ErrUnavailable is returned when no ready process can take work.
	ErrUnavailable = errors.New("no browser process available")
	// ErrNotStarted is returned before Start succeeded.
	ErrNotStarted = errors.New("browser pool not started")
)

// Options tunes the pool.
type Options struct {
	// Threshold is the number of tasks a process serves before it is
	// replaced.
	Threshold     int64
	DrainTimeout  time.Duration
	LaunchTimeout time.Duration
	Process       browser.ProcessOptions
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:     200,
		DrainTimeout:  60 * time.Second,
		LaunchTimeout: 60 * time.Second,
		Process:       browser.DefaultProcessOptions(),
	}
}

// Events receives process lifecycle notifications.
type Events interface {
	BrowserLaunched(d time.Duration, err error)
	BrowserRetired(served int64)
}

type nopEvents struct{}

func (nopEvents) BrowserLaunched(time.Duration, error) {}
func (nopEvents) BrowserRetired(int64)                 {}

// retirement tracks the single in-flight stop of a replaced process.
type retirement struct {
	proc *browser.Process
	done chan struct{}
}

// Pool holds one current process serving new work, at most one future
// process warming up, and at most one retiring process. All three slots are
// mutated only under mu by route, warm-up completion and retirement
// completion.
type Pool struct {
	launcher browser.Launcher
	opts     Options
	logger   *zap.Logger
	events   Events
	breaker  *resilience.Breaker

	baseCtx    context.Context
	baseCancel context.CancelFunc
	warmups    sync.WaitGroup

	mu       sync.Mutex
	current  *browser.Process
	future   *browser.Process
	retiring *retirement
	stopping bool
}

// New creates a pool. Start launches the first process.
func New(launcher browser.Launcher, opts Options, events Events, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = nopEvents{}
	}
	defaults := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = defaults.Threshold
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DrainTimeout
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = defaults.LaunchTimeout
	}

	logger = logger.With(zap.String("component", "browser_pool"))
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Pool{
		launcher: launcher,
		opts:     opts,
		logger:   logger,
		events:   events,
		breaker: resilience.New("browser-launch", resilience.Settings{
			Failures: 3,
			Cooldown: 30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("launch breaker state change",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Start launches the first process and waits for it to become ready.
func (p *Pool) Start(ctx context.Context) error {
	proc := browser.NewProcess(p.launcher, p.opts.Process, p.logger)
	if err := p.launch(ctx, proc); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		_ = proc.Stop()
		return ErrStopping
	}
	if p.current != nil {
		_ = proc.Stop()
		return errors.New("browser pool already started")
	}
	p.current = proc
	return nil
}

func (p *Pool) launch(ctx context.Context, proc *browser.Process) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.LaunchTimeout)
	defer cancel()

	start := time.Now()
	err := p.breaker.Do(ctx, proc.Start)
	p.events.BrowserLaunched(time.Since(start), err)
	if err != nil {
		_ = proc.Stop()
		return fmt.Errorf("start browser process: %w", err)
	}
	return nil
}

// Active returns the process new work should go to and counts one task
// against it.
func (p *Pool) Active() (*browser.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.route()
}

// Task runs fn with a lease on the active process. The lease keeps the
// process from being stopped by a rolling replacement until fn returns.
func (p *Pool) Task(ctx context.Context, fn func(context.Context, *browser.Process) error) error {
	p.mu.Lock()
	proc, err := p.route()
	if err == nil {
		if aerr := proc.Acquire(); aerr != nil {
			err = fmt.Errorf("%w: %v", ErrUnavailable, aerr)
		}
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	defer proc.Release()

	return fn(ctx, proc)
}

// route makes one routing decision. Served counts can jump between calls,
// so every threshold comparison uses >=. Must be called with mu held.
func (p *Pool) route() (*browser.Process, error) {
	if p.stopping {
		return nil, ErrStopping
	}
	if p.current == nil {
		return nil, ErrNotStarted
	}

	cur := p.current
	switch {
	case cur.Stopping():
		// Self-evicted. Only a ready replacement can take over.
		if p.future == nil || !p.future.Ready() || p.retiring != nil {
			return nil, ErrUnavailable
		}
		p.promote()
	case cur.Served() < p.opts.Threshold:
	case p.future == nil:
		p.warmUp()
	case p.retiring != nil:
	case !p.future.Ready():
	default:
		p.promote()
	}

	proc := p.current
	proc.AddServed()
	return proc, nil
}

// warmUp starts a replacement launch. Must be called with mu held.
func (p *Pool) warmUp() {
	proc := browser.NewProcess(p.launcher, p.opts.Process, p.logger)
	p.future = proc
	p.logger.Info("warming up replacement browser process",
		zap.String("replacing", p.current.ID()),
		zap.Int64("served", p.current.Served()))

	p.warmups.Add(1)
	go func() {
		defer p.warmups.Done()
		if err := p.launch(p.baseCtx, proc); err != nil {
			p.logger.Error("replacement browser failed to start", zap.Error(err))
			p.mu.Lock()
			if p.future == proc {
				p.future = nil
			}
			p.mu.Unlock()
		}
	}()
}

// promote makes the ready future current and retires the old current in
// the background. Must be called with mu held.
func (p *Pool) promote() {
	old := p.current
	p.current = p.future
	p.future = nil

	r := &retirement{proc: old, done: make(chan struct{})}
	p.retiring = r
	p.logger.Info("promoted replacement browser process",
		zap.String("process_id", p.current.ID()),
		zap.String("retiring", old.ID()))

	go p.retire(r)
}

func (p *Pool) retire(r *retirement) {
	defer close(r.done)

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()
	_ = r.proc.Retire(ctx)
	p.events.BrowserRetired(r.proc.Served())

	p.mu.Lock()
	if p.retiring == r {
		p.retiring = nil
	}
	p.mu.Unlock()
}

// Ready reports whether new work can be routed right now.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping || p.current == nil {
		return false
	}
	if p.current.Ready() && !p.current.Stopping() {
		return true
	}
	return p.future != nil && p.future.Ready() && p.retiring == nil
}

// Healthy runs a health check against the current process.
func (p *Pool) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	cur, stopping := p.current, p.stopping
	p.mu.Unlock()
	if stopping || cur == nil {
		return false
	}
	return cur.HealthCheck(ctx)
}

// ProcessInfo describes one pooled process.
type ProcessInfo struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Ready    bool   `json:"ready"`
	Failed   bool   `json:"failed"`
	Stopping bool   `json:"stopping"`
	Served   int64  `json:"served"`
	Active   int64  `json:"active"`
}

// Processes lists the current, future and retiring processes.
func (p *Pool) Processes() []ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ProcessInfo
	add := func(proc *browser.Process, role string) {
		if proc == nil {
			return
		}
		out = append(out, ProcessInfo{
			ID:       proc.ID(),
			Role:     role,
			Ready:    proc.Ready(),
			Failed:   proc.Failed(),
			Stopping: proc.Stopping(),
			Served:   proc.Served(),
			Active:   proc.Active(),
		})
	}
	add(p.current, "current")
	add(p.future, "future")
	if p.retiring != nil {
		add(p.retiring.proc, "retiring")
	}
	return out
}

// Pages lists open page URLs per process.
func (p *Pool) Pages(ctx context.Context) map[string][]string {
	p.mu.Lock()
	procs := []*browser.Process{p.current, p.future}
	if p.retiring != nil {
		procs = append(procs, p.retiring.proc)
	}
	p.mu.Unlock()

	out := make(map[string][]string)
	for _, proc := range procs {
		if proc == nil {
			continue
		}
		pages, err := proc.Pages(ctx)
		if err != nil {
			p.logger.Debug("failed to list pages", zap.String("process_id", proc.ID()), zap.Error(err))
			continue
		}
		out[proc.ID()] = pages
	}
	return out
}

// Stop rejects new work, waits for a pending retirement, then stops the
// current and future processes. Safe to call more than once.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	cur, fut, retiring := p.current, p.future, p.retiring
	p.mu.Unlock()

	p.baseCancel()

	if retiring != nil {
		select {
		case <-retiring.done:
		case <-ctx.Done():
			p.logger.Warn("stopping before retiring process finished draining")
			_ = retiring.proc.Stop()
		}
	}

	var g errgroup.Group
	if cur != nil {
		g.Go(func() error { return cur.Retire(ctx) })
	}
	if fut != nil {
		g.Go(fut.Stop)
	}
	err := g.Wait()
	p.warmups.Wait()

	p.logger.Info("browser pool stopped")
	return err
}
