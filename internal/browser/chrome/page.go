package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
)

const (
	lifecycleDOMContentLoaded = "DOMContentLoaded"
	lifecycleNetworkIdle      = "networkIdle"
	lifecycleInit             = "init"

	commandTimeout = 2 * time.Second
)

// Page is a tab in its own incognito browser context.
type Page struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mainFrame cdp.FrameID
	logger    *zap.Logger

	queue *eventQueue

	mu         sync.Mutex
	hooks      browser.Hooks
	pending    map[network.RequestID]*browser.Response
	document   *browser.Response
	documentCh chan struct{}
	lifecycle  map[cdp.LoaderID]map[string]bool
	lastLoader cdp.LoaderID
	signal     chan struct{}

	closeOnce sync.Once
}

func newPage(ctx context.Context, cancel context.CancelFunc, mainFrame cdp.FrameID, logger *zap.Logger) *Page {
	p := &Page{
		ctx:        ctx,
		cancel:     cancel,
		mainFrame:  mainFrame,
		logger:     logger.With(zap.String("component", "chrome_page")),
		queue:      newEventQueue(),
		pending:    make(map[network.RequestID]*browser.Response),
		documentCh: make(chan struct{}),
		lifecycle:  make(map[cdp.LoaderID]map[string]bool),
		signal:     make(chan struct{}, 1),
	}

	chromedp.ListenTarget(ctx, p.onEvent)
	go p.queue.run(p.handlePaused)

	return p
}

// bind derives a context that carries the tab's chromedp state and is
// cancelled when ctx is.
func (p *Page) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.bind(ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// onEvent runs on chromedp's event loop and must never block on a CDP
// command; paused requests are handed to the queue worker.
func (p *Page) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		p.queue.push(ev)

	case *network.EventResponseReceived:
		resp := &browser.Response{
			URL:          ev.Response.URL,
			Status:       int(ev.Response.Status),
			Headers:      flattenHeaders(ev.Response.Headers),
			ResourceType: string(ev.Type),
		}
		p.mu.Lock()
		p.pending[ev.RequestID] = resp
		if ev.Type == network.ResourceTypeDocument && ev.FrameID == p.mainFrame && p.document == nil {
			p.document = resp
			close(p.documentCh)
		}
		p.mu.Unlock()

	case *network.EventLoadingFinished:
		p.mu.Lock()
		resp, ok := p.pending[ev.RequestID]
		delete(p.pending, ev.RequestID)
		hook := p.hooks.Response
		p.mu.Unlock()
		if ok && hook != nil {
			r := *resp
			r.ContentLength = int64(ev.EncodedDataLength)
			hook(&r)
		}

	case *network.EventLoadingFailed:
		p.mu.Lock()
		delete(p.pending, ev.RequestID)
		p.mu.Unlock()

	case *page.EventLifecycleEvent:
		if ev.FrameID != p.mainFrame {
			return
		}
		p.mu.Lock()
		if ev.Name == lifecycleInit {
			p.lastLoader = ev.LoaderID
		}
		seen, ok := p.lifecycle[ev.LoaderID]
		if !ok {
			seen = make(map[string]bool)
			p.lifecycle[ev.LoaderID] = seen
		}
		seen[ev.Name] = true
		p.mu.Unlock()
		p.notify()
	}
}

func (p *Page) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// handlePaused runs the request hook and resolves the paused request.
func (p *Page) handlePaused(ev *fetch.EventRequestPaused) {
	p.mu.Lock()
	hook := p.hooks.Request
	p.mu.Unlock()

	decision := browser.Decision{}
	if hook != nil {
		decision = hook(&browser.Request{
			URL:          ev.Request.URL,
			Method:       ev.Request.Method,
			ResourceType: string(ev.ResourceType),
			Navigation:   ev.ResourceType == network.ResourceTypeDocument && ev.FrameID == p.mainFrame,
			Headers:      flattenHeaders(ev.Request.Headers),
		})
	}

	ctx, cancel := context.WithTimeout(p.ctx, commandTimeout)
	defer cancel()
	exec := cdp.WithExecutor(ctx, chromedp.FromContext(p.ctx).Target)

	var err error
	switch {
	case decision.Block:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
	case decision.Headers != nil:
		err = fetch.ContinueRequest(ev.RequestID).WithHeaders(headerEntries(decision.Headers)).Do(exec)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(exec)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("failed to resolve paused request, failing it",
			zap.String("url", ev.Request.URL),
			zap.Error(err))
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(exec)
	}
}

// SetUserAgent overrides the user agent for this page.
func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	return p.run(ctx, emulation.SetUserAgentOverride(userAgent))
}

// Intercept installs hooks and enables request interception.
func (p *Page) Intercept(ctx context.Context, hooks browser.Hooks) error {
	p.mu.Lock()
	p.hooks = hooks
	p.mu.Unlock()

	if hooks.Request == nil {
		return nil
	}
	return p.run(ctx, fetch.Enable())
}

// SetCookies stores cookies in this page's browser context.
func (p *Page) SetCookies(ctx context.Context, cookies []*browser.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      c.URL,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if !c.Expires.IsZero() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &expires
		}
		params = append(params, param)
	}
	return p.run(ctx, network.SetCookies(params))
}

// Cookies returns every cookie of this page's browser context.
func (p *Page) Cookies(ctx context.Context) ([]*browser.Cookie, error) {
	c := chromedp.FromContext(p.ctx)
	exec := cdp.WithExecutor(ctx, c.Browser)

	raw, err := storage.GetCookies().WithBrowserContextID(c.BrowserContextID).Do(exec)
	if err != nil {
		return nil, err
	}

	cookies := make([]*browser.Cookie, 0, len(raw))
	for _, rc := range raw {
		cookie := &browser.Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			HTTPOnly: rc.HTTPOnly,
			Secure:   rc.Secure,
			SameSite: string(rc.SameSite),
		}
		if rc.Expires > 0 {
			cookie.Expires = time.Unix(int64(rc.Expires), 0).UTC()
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (p *Page) resetDocument() {
	p.mu.Lock()
	p.document = nil
	p.documentCh = make(chan struct{})
	p.mu.Unlock()
}

func (p *Page) documentResponse() *browser.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.document
}

// Navigate loads url and waits for DOMContentLoaded and network idle of the
// resulting document.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) (*browser.Response, error) {
	p.resetDocument()

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var loaderID cdp.LoaderID
	var errorText string
	err := p.run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, loaderID, errorText, err = page.Navigate(url).Do(ctx)
		return err
	}))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if errorText != "" {
		p.logger.Debug("navigation failed in engine", zap.String("url", url), zap.String("error", errorText))
		return p.documentResponse(), nil
	}
	if loaderID == "" {
		return p.documentResponse(), nil
	}

	if err := p.waitLoaded(navCtx, loaderID); err != nil {
		if ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return nil, err
	}
	return p.documentResponse(), nil
}

// waitLoaded blocks until loaderID reported both DOMContentLoaded and
// networkIdle.
func (p *Page) waitLoaded(ctx context.Context, loaderID cdp.LoaderID) error {
	for {
		p.mu.Lock()
		seen := p.lifecycle[loaderID]
		done := seen[lifecycleDOMContentLoaded] && seen[lifecycleNetworkIdle]
		p.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Evaluate runs a script in the page and decodes its result into res.
func (p *Page) Evaluate(ctx context.Context, expression string, res any) error {
	return p.run(ctx, chromedp.Evaluate(expression, res))
}

// HaltScripts disables further script execution on the page. DevTools
// evaluation keeps working.
func (p *Page) HaltScripts(ctx context.Context) error {
	return p.run(ctx, emulation.SetScriptExecutionDisabled(true))
}

// OuterHTML serializes the document element. The doctype is not part of
// it.
func (p *Page) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := dom.GetDocument().WithDepth(1).Do(ctx)
		if err != nil {
			return err
		}
		elem := documentElement(root)
		if elem == nil {
			return errors.New("document has no root element")
		}
		html, err = dom.GetOuterHTML().WithNodeID(elem.NodeID).Do(ctx)
		return err
	}))
	return html, err
}

func documentElement(root *cdp.Node) *cdp.Node {
	if root == nil {
		return nil
	}
	for _, child := range root.Children {
		if child.NodeType == cdp.NodeTypeElement {
			return child
		}
	}
	return nil
}

// Fill replaces the value of the matched input, typing it so page scripts
// observe input events.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Submit submits the form of the matched element and waits for the next
// top-level document to load.
func (p *Page) Submit(ctx context.Context, selector string, timeout time.Duration) (*browser.Response, error) {
	p.resetDocument()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.run(waitCtx, chromedp.Submit(selector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return nil, fmt.Errorf("submit: %w", err)
	}

	p.mu.Lock()
	documentCh := p.documentCh
	p.mu.Unlock()

	select {
	case <-documentCh:
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return nil, ctx.Err()
	}

	p.mu.Lock()
	loaderID := p.lastLoader
	p.mu.Unlock()

	if err := p.waitLoaded(waitCtx, loaderID); err != nil {
		if ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return nil, err
	}
	return p.documentResponse(), nil
}

// Metrics returns the renderer's performance counters.
func (p *Page) Metrics(ctx context.Context) (map[string]float64, error) {
	var metrics []*performance.Metric
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out[m.Name] = m.Value
	}
	return out, nil
}

// Close closes the tab and disposes its browser context.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.queue.close()

		closeCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if cerr := p.run(closeCtx, page.Close()); cerr != nil {
			err = cerr
		}

		if cerr := chromedp.Cancel(p.ctx); cerr != nil && err == nil {
			err = cerr
		}
		p.cancel()
	})
	return err
}
