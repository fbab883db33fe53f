// Package browsertest provides scriptable in-memory implementations of the
// browser engine interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/renderd/internal/browser"
)

// ErrClosed is returned by a fake engine or page after Close.
var ErrClosed = errors.New("browsertest: closed")

// Launcher hands out fake engines.
type Launcher struct {
	// NewEngine builds each launched engine. Defaults to NewEngine().
	NewEngine func() *Engine
	// Err, when set, fails every launch.
	Err error
	// Delay is applied before each launch returns.
	Delay time.Duration

	mu       sync.Mutex
	launched []*Engine
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context) (browser.Engine, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}

	var e *Engine
	if l.NewEngine != nil {
		e = l.NewEngine()
	} else {
		e = NewEngine()
	}

	l.mu.Lock()
	l.launched = append(l.launched, e)
	l.mu.Unlock()
	return e, nil
}

// Launched returns every engine launched so far.
func (l *Launcher) Launched() []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Engine(nil), l.launched...)
}

// Engine is a fake browser process.
type Engine struct {
	// NewPage builds each page. Defaults to NewPage().
	NewPageFunc func() *Page
	// PageDelay delays page creation; a negative value blocks until ctx ends.
	PageDelay  time.Duration
	VersionErr error
	// VersionDelay delays Version.
	VersionDelay time.Duration

	closed atomic.Bool
	mu     sync.Mutex
	pages  []*Page
}

// NewEngine returns an engine producing default pages.
func NewEngine() *Engine {
	return &Engine{}
}

// NewPage implements browser.Engine.
func (e *Engine) NewPage(ctx context.Context, _ browser.PageOptions) (browser.Page, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	switch {
	case e.PageDelay < 0:
		<-ctx.Done()
		return nil, ctx.Err()
	case e.PageDelay > 0:
		select {
		case <-time.After(e.PageDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var p *Page
	if e.NewPageFunc != nil {
		p = e.NewPageFunc()
	} else {
		p = NewPage()
	}

	e.mu.Lock()
	e.pages = append(e.pages, p)
	e.mu.Unlock()
	return p, nil
}

// Version implements browser.Engine.
func (e *Engine) Version(ctx context.Context) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if e.VersionDelay > 0 {
		select {
		case <-time.After(e.VersionDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.VersionErr != nil {
		return "", e.VersionErr
	}
	return "HeadlessChrome/0.0-test", nil
}

// Pages implements browser.Engine.
func (e *Engine) Pages(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var urls []string
	for _, p := range e.pages {
		if !p.Closed() {
			urls = append(urls, p.URL())
		}
	}
	return urls, nil
}

// Close implements browser.Engine.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool { return e.closed.Load() }

// AllPages returns every page created on the engine.
func (e *Engine) AllPages() []*Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Page(nil), e.pages...)
}
