package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPageCreateTimeout is returned when the engine does not hand back a page
// within ProcessOptions.PageCreateTimeout. The owning process evicts itself.
var ErrPageCreateTimeout = errors.New("page creation timed out")

const smokeTestURL = "about:blank"

// ProcessOptions tunes a Process.
type ProcessOptions struct {
	PageCreateTimeout time.Duration
	HealthTimeout     time.Duration
	SmokeTestTimeout  time.Duration
}

// DefaultProcessOptions returns production defaults.
func DefaultProcessOptions() ProcessOptions {
	return ProcessOptions{
		PageCreateTimeout: 10 * time.Second,
		HealthTimeout:     2 * time.Second,
		SmokeTestTimeout:  15 * time.Second,
	}
}

// Process owns one browser engine process.
//
// Readiness moves false->true once. Once stopping is set no new page can be
// opened on the process.
type Process struct {
	id       string
	launcher Launcher
	opts     ProcessOptions
	logger   *zap.Logger

	mu     sync.Mutex
	engine Engine

	ready    atomic.Bool
	failed   atomic.Bool
	stopping atomic.Bool
	served   atomic.Int64
	active   atomic.Int64

	stopOnce sync.Once
}

// NewProcess creates a process that is launched by Start.
func NewProcess(launcher Launcher, opts ProcessOptions, logger *zap.Logger) *Process {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageCreateTimeout <= 0 {
		opts.PageCreateTimeout = DefaultProcessOptions().PageCreateTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultProcessOptions().HealthTimeout
	}
	if opts.SmokeTestTimeout <= 0 {
		opts.SmokeTestTimeout = DefaultProcessOptions().SmokeTestTimeout
	}

	id := uuid.NewString()
	return &Process{
		id:       id,
		launcher: launcher,
		opts:     opts,
		logger:   logger.With(zap.String("component", "browser_process"), zap.String("process_id", id)),
	}
}

// Start launches the engine and runs a throwaway navigation before marking
// the process ready. Launch-time failures that only show on first use are
// caught here.
func (p *Process) Start(ctx context.Context) error {
	start := time.Now()

	engine, err := p.launcher.Launch(ctx)
	if err != nil {
		p.failed.Store(true)
		return fmt.Errorf("launch browser: %w", err)
	}

	p.mu.Lock()
	p.engine = engine
	p.mu.Unlock()

	if p.stopping.Load() {
		_ = engine.Close()
		return ErrProcessStopping
	}

	if err := p.smokeTest(ctx, engine); err != nil {
		p.failed.Store(true)
		if cerr := engine.Close(); cerr != nil {
			p.logger.Warn("failed to close engine after smoke test failure", zap.Error(cerr))
		}
		return fmt.Errorf("browser smoke test: %w", err)
	}

	p.ready.Store(true)
	p.logger.Info("browser process ready", zap.Duration("duration", time.Since(start)))
	return nil
}

func (p *Process) smokeTest(ctx context.Context, engine Engine) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SmokeTestTimeout)
	defer cancel()

	page, err := engine.NewPage(ctx, PageOptions{})
	if err != nil {
		return err
	}
	defer page.Close(context.WithoutCancel(ctx))

	_, err = page.Navigate(ctx, smokeTestURL, p.opts.SmokeTestTimeout)
	return err
}

// ID returns the process identity.
func (p *Process) ID() string { return p.id }

// Ready reports whether the launch smoke test passed.
func (p *Process) Ready() bool { return p.ready.Load() }

// Failed reports whether the launch failed.
func (p *Process) Failed() bool { return p.failed.Load() }

// Stopping reports whether the process refuses new pages.
func (p *Process) Stopping() bool { return p.stopping.Load() }

// Served returns the number of tasks routed to this process.
func (p *Process) Served() int64 { return p.served.Load() }

// AddServed records one more routed task and returns the new total.
func (p *Process) AddServed() int64 { return p.served.Add(1) }

// Active returns the number of outstanding leases.
func (p *Process) Active() int64 { return p.active.Load() }

// MarkStopping stops the process from accepting new pages without closing it.
func (p *Process) MarkStopping() {
	if p.stopping.CompareAndSwap(false, true) {
		p.logger.Warn("browser process marked stopping")
	}
}

// Acquire takes a lease on the process for one task. Every successful
// Acquire must be paired with Release.
func (p *Process) Acquire() error {
	p.active.Add(1)
	if p.stopping.Load() {
		p.active.Add(-1)
		return ErrProcessStopping
	}
	return nil
}

// Release returns a lease taken by Acquire.
func (p *Process) Release() {
	p.active.Add(-1)
}

// NewPage opens an isolated page. Creation is raced against
// PageCreateTimeout; an engine that cannot produce a page in time is
// assumed compromised and the process marks itself stopping.
func (p *Process) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	if p.stopping.Load() {
		return nil, ErrProcessStopping
	}
	if !p.ready.Load() {
		return nil, ErrProcessNotReady
	}

	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()

	ch := make(chan pageResult, 1)

	createCtx, cancel := context.WithCancel(ctx)
	go func() {
		page, err := engine.NewPage(createCtx, opts)
		ch <- pageResult{page: page, err: err}
	}()

	timer := time.NewTimer(p.opts.PageCreateTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		cancel()
		return r.page, r.err
	case <-timer.C:
		p.logger.Error("page creation hung, evicting browser process",
			zap.Duration("timeout", p.opts.PageCreateTimeout))
		p.MarkStopping()
		go p.discardLatePage(ch, cancel)
		return nil, ErrPageCreateTimeout
	case <-ctx.Done():
		go p.discardLatePage(ch, cancel)
		return nil, ctx.Err()
	}
}

type pageResult struct {
	page Page
	err  error
}

// discardLatePage abandons a pending creation and closes the page if the
// engine still hands one back.
func (p *Process) discardLatePage(ch <-chan pageResult, cancel context.CancelFunc) {
	cancel()
	r := <-ch
	if r.page != nil {
		if err := r.page.Close(context.Background()); err != nil {
			p.logger.Debug("failed to close late page", zap.Error(err))
		}
	}
}

// HealthCheck succeeds iff the engine answers a version query within
// HealthTimeout.
func (p *Process) HealthCheck(ctx context.Context) bool {
	if !p.ready.Load() || p.stopping.Load() {
		return false
	}

	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		_, err := engine.Version(ctx)
		ch <- err
	}()

	select {
	case err := <-ch:
		if err != nil {
			p.logger.Warn("browser health check failed", zap.Error(err))
			return false
		}
		return true
	case <-ctx.Done():
		p.logger.Warn("browser health check timed out", zap.Duration("timeout", p.opts.HealthTimeout))
		return false
	}
}

// Pages lists the URLs of pages currently open in the engine.
func (p *Process) Pages(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine == nil {
		return nil, nil
	}
	return engine.Pages(ctx)
}

// Drain waits until every lease has been released or ctx is done.
func (p *Process) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.active.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Retire drains in-flight work, bounded by ctx, and then stops the process.
func (p *Process) Retire(ctx context.Context) error {
	if err := p.Drain(ctx); err != nil {
		p.logger.Warn("drain interrupted, stopping with work in flight",
			zap.Int64("active", p.active.Load()),
			zap.Error(err))
	}
	return p.Stop()
}

// Stop closes the engine. It is idempotent and tolerates a dead engine.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		p.mu.Lock()
		engine := p.engine
		p.mu.Unlock()

		if engine == nil {
			return
		}
		if err := engine.Close(); err != nil {
			p.logger.Debug("engine close returned error", zap.Error(err))
		}
		p.logger.Info("browser process stopped", zap.Int64("served", p.served.Load()))
	})
	return nil
}
