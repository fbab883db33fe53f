package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/renderd/internal/browser"
)

// Site maps URLs to canned documents. A fake page "loads" a URL by looking
// it up here.
type Site map[string]*Document

// Document is a canned response served by a Site.
type Document struct {
	Status  int
	Headers map[string]string
	HTML    string
	// Subresources are requested, in order, after the document.
	Subresources []Subresource
	// SetCookies are stored in the page's jar when the document loads.
	SetCookies []*browser.Cookie
}

// Subresource is a request issued by a document.
type Subresource struct {
	URL          string
	ResourceType string
	Size         int64
}

// Page is a fake isolated page. Each page owns its own cookie jar.
type Page struct {
	Site Site
	// NavigateDelay delays Navigate; a negative value never resolves.
	NavigateDelay time.Duration
	// NoResponse makes Navigate finish without a response.
	NoResponse bool
	// NavigateErr fails Navigate.
	NavigateErr error
	// RedirectDuringSerialize changes the location between the two reads
	// that surround OuterHTML.
	RedirectDuringSerialize string
	// Stall makes OuterHTML and Fill block until their context is done.
	Stall bool
	// SubmitTarget is the URL loaded by Submit.
	SubmitTarget string
	// PerfMetrics is returned by Metrics.
	PerfMetrics map[string]float64
	// CloseErr is returned by Close.
	CloseErr error

	mu          sync.Mutex
	hooks       browser.Hooks
	userAgent   string
	url         string
	html        string
	cookies     map[string]*browser.Cookie
	halted      bool
	closed      bool
	requests    []*browser.Request
	filled      map[string]string
	submitted   string
	evaluations []string
	outerReads  int
}

// NewPage returns a blank page serving site.
func NewPage() *Page {
	return &Page{
		Site:    Site{},
		url:     "about:blank",
		cookies: make(map[string]*browser.Cookie),
		filled:  make(map[string]string),
	}
}

// SetUserAgent implements browser.Page.
func (p *Page) SetUserAgent(_ context.Context, userAgent string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userAgent = userAgent
	return nil
}

// UserAgent returns the last user agent set.
func (p *Page) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgent
}

// Intercept implements browser.Page.
func (p *Page) Intercept(_ context.Context, hooks browser.Hooks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = hooks
	return nil
}

// SetCookies implements browser.Page.
func (p *Page) SetCookies(_ context.Context, cookies []*browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		cp := *c
		p.cookies[c.Name] = &cp
	}
	return nil
}

// Cookies implements browser.Page.
func (p *Page) Cookies(context.Context) ([]*browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*browser.Cookie, 0, len(p.cookies))
	for _, c := range p.cookies {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// Navigate implements browser.Page.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) (*browser.Response, error) {
	switch {
	case p.NavigateDelay < 0:
		<-ctx.Done()
		return nil, ctx.Err()
	case p.NavigateDelay > 0:
		select {
		case <-time.After(p.NavigateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.NavigateErr != nil {
		return nil, p.NavigateErr
	}
	return p.load(url, true)
}

// load issues the document request and its subresources through the
// installed hooks.
func (p *Page) load(url string, navigation bool) (*browser.Response, error) {
	p.mu.Lock()
	hooks := p.hooks
	p.mu.Unlock()

	req := &browser.Request{
		URL:          url,
		Method:       "GET",
		ResourceType: browser.ResourceDocument,
		Navigation:   navigation,
		Headers:      map[string]string{"Accept": "text/html"},
	}
	decision := p.issue(hooks, req)
	if decision.Block {
		return nil, nil
	}

	doc, ok := p.Site[url]
	if !ok || p.NoResponse {
		return nil, nil
	}

	resp := &browser.Response{
		URL:           url,
		Status:        doc.Status,
		Headers:       doc.Headers,
		ResourceType:  browser.ResourceDocument,
		ContentLength: int64(len(doc.HTML)),
	}

	p.mu.Lock()
	p.url = url
	p.html = doc.HTML
	for _, c := range doc.SetCookies {
		cp := *c
		p.cookies[c.Name] = &cp
	}
	p.mu.Unlock()

	if hooks.Response != nil {
		hooks.Response(resp)
	}

	for _, sub := range doc.Subresources {
		d := p.issue(hooks, &browser.Request{URL: sub.URL, Method: "GET", ResourceType: sub.ResourceType})
		if !d.Block && hooks.Response != nil {
			hooks.Response(&browser.Response{URL: sub.URL, Status: 200, ResourceType: sub.ResourceType, ContentLength: sub.Size})
		}
	}

	return resp, nil
}

func (p *Page) issue(hooks browser.Hooks, req *browser.Request) browser.Decision {
	var decision browser.Decision
	if hooks.Request != nil {
		decision = hooks.Request(req)
	}
	if decision.Headers != nil {
		req.Headers = decision.Headers
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return decision
}

// Requests returns every request issued through the hooks.
func (p *Page) Requests() []*browser.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*browser.Request(nil), p.requests...)
}

// Evaluate implements browser.Page. It understands the location read and
// treats any other expression as a statement with a null result.
func (p *Page) Evaluate(_ context.Context, expression string, res any) error {
	p.mu.Lock()
	p.evaluations = append(p.evaluations, expression)
	var value any
	if strings.Contains(expression, "location.href") {
		value = p.url
	}
	p.mu.Unlock()

	if res == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, res)
}

// Evaluations returns every evaluated expression.
func (p *Page) Evaluations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluations...)
}

// HaltScripts implements browser.Page.
func (p *Page) HaltScripts(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	return nil
}

// Halted reports whether HaltScripts was called.
func (p *Page) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// OuterHTML implements browser.Page.
func (p *Page) OuterHTML(ctx context.Context) (string, error) {
	if p.Stall {
		<-ctx.Done()
		return "", ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outerReads++
	html := p.html
	if p.RedirectDuringSerialize != "" {
		p.url = p.RedirectDuringSerialize
	}
	return html, nil
}

// Fill implements browser.Page.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if p.Stall {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.filled[selector] = value
	return nil
}

// Filled returns the value set for selector.
func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled[selector]
}

// Submit implements browser.Page by loading SubmitTarget.
func (p *Page) Submit(_ context.Context, selector string, _ time.Duration) (*browser.Response, error) {
	p.mu.Lock()
	p.submitted = selector
	target := p.SubmitTarget
	p.mu.Unlock()

	if target == "" {
		return nil, errors.New("browsertest: no submit target")
	}
	return p.load(target, true)
}

// Submitted returns the selector passed to Submit.
func (p *Page) Submitted() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

// Metrics implements browser.Page.
func (p *Page) Metrics(context.Context) (map[string]float64, error) {
	if p.PerfMetrics == nil {
		return map[string]float64{}, nil
	}
	return p.PerfMetrics, nil
}

// Close implements browser.Page.
func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.CloseErr
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// URL returns the current location.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}
