// Package browsing wraps one isolated browser context and its page for the
// lifetime of a single task.
package browsing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/render/filter"
)

var (
	// ErrUnsafeRedirect is returned by Serialize when the page location
	// changed while the document was being read.
	ErrUnsafeRedirect = errors.New("unsafe redirect")
	// ErrAlreadyLinked is returned when a second task is linked to a context.
	ErrAlreadyLinked = errors.New("browsing context already linked to a task")
)

const (
	locationExpression = "window.location.href"
	closeTimeout       = 5 * time.Second
)

// PageSource opens isolated pages. *browser.Process satisfies it.
type PageSource interface {
	ID() string
	NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error)
}

// Recorder receives per-context telemetry.
type Recorder interface {
	ContextCreated(d time.Duration)
	Resource(resourceType string, blocked bool)
}

type nopRecorder struct{}

func (nopRecorder) ContextCreated(time.Duration) {}
func (nopRecorder) Resource(string, bool)        {}

// Options configures Open.
type Options struct {
	Viewport browser.PageOptions
	Filter   *filter.Filter
	Recorder Recorder
	Logger   *zap.Logger
}

// Link carries the task parameters installed on the context.
type Link struct {
	URL       string
	UserAgent string
	// Headers are forwarded on the top-level navigation request. A Cookie
	// entry is applied through the cookie API instead.
	Headers map[string]string
	Adblock bool
}

// Context is one browser context dedicated to one task.
type Context struct {
	source   PageSource
	page     browser.Page
	filter   *filter.Filter
	recorder Recorder
	logger   *zap.Logger

	created time.Duration
	linked  atomic.Bool

	requests           atomic.Int64
	blocked            atomic.Int64
	contentLength      atomic.Int64
	contentLengthTotal atomic.Int64
	documentSeen       atomic.Bool

	closeOnce sync.Once
}

// Open creates a context with a blank page on source.
func Open(ctx context.Context, source PageSource, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	start := time.Now()
	page, err := source.NewPage(ctx, opts.Viewport)
	if err != nil {
		return nil, fmt.Errorf("create browsing context: %w", err)
	}
	created := time.Since(start)
	recorder.ContextCreated(created)

	return &Context{
		source:   source,
		page:     page,
		filter:   opts.Filter,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "browsing_context"), zap.String("process_id", source.ID())),
		created:  created,
	}, nil
}

// Page exposes the underlying page.
func (c *Context) Page() browser.Page {
	return c.page
}

// LinkTask installs the interception pipeline and user agent for one task.
// Cookies found in a forwarded Cookie header are set on the context before
// navigation; failing to set them is logged and ignored.
func (c *Context) LinkTask(ctx context.Context, link Link) error {
	if !c.linked.CompareAndSwap(false, true) {
		return ErrAlreadyLinked
	}

	headers, cookieHeader := splitCookieHeader(link.Headers)

	hooks := browser.Hooks{
		Request:  func(req *browser.Request) browser.Decision { return c.onRequest(ctx, req, headers, link.Adblock) },
		Response: c.onResponse,
	}
	if err := c.page.Intercept(ctx, hooks); err != nil {
		return fmt.Errorf("install interception: %w", err)
	}

	if err := c.page.SetUserAgent(ctx, link.UserAgent); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	if cookieHeader != "" {
		cookies := parseCookies(cookieHeader, link.URL)
		if err := c.page.SetCookies(ctx, cookies); err != nil {
			c.logger.Warn("failed to set forwarded cookies", zap.Int("count", len(cookies)), zap.Error(err))
		}
	}
	return nil
}

func (c *Context) onRequest(ctx context.Context, req *browser.Request, headers map[string]string, adblock bool) browser.Decision {
	c.requests.Add(1)

	if c.filter != nil {
		if v := c.filter.Allow(ctx, req, adblock); !v.Allow {
			c.blocked.Add(1)
			c.recorder.Resource(req.ResourceType, true)
			return browser.Decision{Block: true, Reason: v.Reason}
		}
	}
	c.recorder.Resource(req.ResourceType, false)

	if !req.Navigation || len(headers) == 0 {
		return browser.Decision{}
	}
	merged := make(map[string]string, len(req.Headers)+len(headers))
	for k, v := range req.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	return browser.Decision{Headers: merged}
}

func (c *Context) onResponse(resp *browser.Response) {
	c.contentLengthTotal.Add(resp.ContentLength)
	if resp.ResourceType == browser.ResourceDocument && c.documentSeen.CompareAndSwap(false, true) {
		c.contentLength.Store(resp.ContentLength)
	}
}

// Navigate loads url. It returns browser.ErrNavigationTimeout once timeout
// elapses even if the engine never answers, and a nil response when the
// navigation finished without one.
func (c *Context) Navigate(ctx context.Context, url string, timeout time.Duration) (*browser.Response, error) {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *browser.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.page.Navigate(navCtx, url, timeout)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, browser.ErrNavigationTimeout
		}
		return r.resp, r.err
	case <-navCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, browser.ErrNavigationTimeout
	}
}

// Serialize returns the document markup. The base URI is pinned first so
// relative links resolve against the final location, scripts are halted, and
// the location is read before and after the markup. A change between the two
// reads yields ErrUnsafeRedirect.
func (c *Context) Serialize(ctx context.Context, url string) (string, error) {
	if err := c.page.Evaluate(ctx, baseHrefScript(url), nil); err != nil {
		return "", fmt.Errorf("rewrite base uri: %w", err)
	}
	if err := c.page.HaltScripts(ctx); err != nil {
		return "", fmt.Errorf("halt scripts: %w", err)
	}

	before, err := c.location(ctx)
	if err != nil {
		return "", err
	}
	html, err := c.page.OuterHTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	after, err := c.location(ctx)
	if err != nil {
		return "", err
	}

	if before != after {
		c.logger.Warn("location changed during serialization",
			zap.String("before", before), zap.String("after", after))
		return "", ErrUnsafeRedirect
	}
	return html, nil
}

func (c *Context) location(ctx context.Context) (string, error) {
	var href string
	if err := c.page.Evaluate(ctx, locationExpression, &href); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return href, nil
}

// baseHrefScript pins document.baseURI to the current location, or to an
// existing base element resolved to an absolute URL. fallback stands in for
// about:blank.
func baseHrefScript(fallback string) string {
	lit, _ := json.Marshal(fallback)
	return fmt.Sprintf(`(() => {
	let base = document.querySelector('base[href]');
	const current = location.href === 'about:blank' ? %s : location.href;
	const href = base ? new URL(base.getAttribute('href'), current).href : current;
	if (!base) {
		base = document.createElement('base');
		(document.head || document.documentElement).prepend(base);
	}
	base.setAttribute('href', href);
})()`, lit)
}

// Cookies returns the context's cookie jar.
func (c *Context) Cookies(ctx context.Context) ([]*browser.Cookie, error) {
	return c.page.Cookies(ctx)
}

// Metrics snapshots the context's counters and the renderer's performance
// counters. Engine failures leave the performance fields zero.
func (c *Context) Metrics(ctx context.Context) Metrics {
	m := Metrics{
		ContextCreation:    c.created,
		Requests:           c.requests.Load(),
		BlockedRequests:    c.blocked.Load(),
		ContentLength:      c.contentLength.Load(),
		ContentLengthTotal: c.contentLengthTotal.Load(),
	}

	perf, err := c.page.Metrics(ctx)
	if err != nil {
		c.logger.Debug("performance metrics unavailable", zap.Error(err))
		return m
	}
	m.LayoutDuration = perf["LayoutDuration"]
	m.ScriptDuration = perf["ScriptDuration"]
	m.TaskDuration = perf["TaskDuration"]
	m.JSHeapUsedSize = int64(perf["JSHeapUsedSize"])
	m.JSHeapTotalSize = int64(perf["JSHeapTotalSize"])
	return m
}

// Close closes the page and its browser context. Errors are logged only.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.page.Close(ctx); err != nil {
			c.logger.Debug("failed to close browsing context", zap.Error(err))
		}
	})
}

func splitCookieHeader(headers map[string]string) (map[string]string, string) {
	rest := make(map[string]string, len(headers))
	var cookie string
	for k, v := range headers {
		if strings.EqualFold(k, "cookie") {
			cookie = v
			continue
		}
		rest[k] = v
	}
	return rest, cookie
}

func parseCookies(header, url string) []*browser.Cookie {
	parsed, err := http.ParseCookie(header)
	if err != nil {
		// Keep the well-formed pairs.
		parsed = nil
		for _, part := range strings.Split(header, ";") {
			if c, err := http.ParseCookie(strings.TrimSpace(part)); err == nil {
				parsed = append(parsed, c...)
			}
		}
	}

	cookies := make([]*browser.Cookie, 0, len(parsed))
	for _, c := range parsed {
		cookies = append(cookies, &browser.Cookie{Name: c.Name, Value: c.Value, URL: url})
	}
	return cookies
}
