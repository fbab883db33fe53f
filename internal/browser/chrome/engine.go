package chrome

import (
	"context"
	"fmt"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// Engine is one running Chrome process.
type Engine struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
	closeOnce     sync.Once
}

func newEngine(allocCancel context.CancelFunc, browserCtx context.Context, browserCancel context.CancelFunc, logger *zap.Logger) *Engine {
	return &Engine{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}
}

// NewPage opens a blank tab in a fresh incognito browser context with the
// cache disabled and a fixed viewport.
func (e *Engine) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = defaultViewportWidth
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = defaultViewportHeight
	}

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())

	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var tree *page.FrameTree
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetCacheDisabled(true),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		performance.Enable(),
		emulation.SetDeviceMetricsOverride(int64(opts.ViewportWidth), int64(opts.ViewportHeight), 1.0, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			tree, err = page.GetFrameTree().Do(ctx)
			return err
		}),
	)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if ctx.Err() != nil {
		tabCancel()
		return nil, ctx.Err()
	}

	return newPage(tabCtx, tabCancel, tree.Frame.ID, e.logger), nil
}

// Version queries the browser product version.
func (e *Engine) Version(ctx context.Context) (string, error) {
	c := chromedp.FromContext(e.browserCtx)
	if c == nil || c.Browser == nil {
		return "", fmt.Errorf("browser not connected")
	}
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		return "", err
	}
	return product, nil
}

// Pages lists the URLs of open page targets.
func (e *Engine) Pages(ctx context.Context) ([]string, error) {
	targets, err := chromedp.Targets(e.browserCtx)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Type == "page" {
			urls = append(urls, t.URL)
		}
	}
	return urls, nil
}

// Close shuts Chrome down. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = chromedp.Cancel(e.browserCtx)
		e.browserCancel()
		e.allocCancel()
	})
	return err
}
