package browsing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/browser/browsertest"
	"github.com/GriffinCanCode/renderd/internal/render/filter"
)

// source hands out a single fake page.
type source struct {
	page *browsertest.Page
	err  error
}

func (s *source) ID() string { return "proc-test" }

func (s *source) NewPage(ctx context.Context, opts browser.PageOptions) (browser.Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.page, nil
}

type recorder struct {
	mu        sync.Mutex
	created   int
	resources map[string][2]int
}

func (r *recorder) ContextCreated(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recorder) Resource(kind string, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resources == nil {
		r.resources = make(map[string][2]int)
	}
	c := r.resources[kind]
	if blocked {
		c[1]++
	} else {
		c[0]++
	}
	r.resources[kind] = c
}

const pageURL = "https://example.com/"

func newSite() browsertest.Site {
	return browsertest.Site{
		pageURL: {
			Status:  200,
			Headers: map[string]string{"content-type": "text/html"},
			HTML:    "<html><head></head><body><p>hi</p></body></html>",
			Subresources: []browsertest.Subresource{
				{URL: "https://example.com/app.css", ResourceType: browser.ResourceStylesheet, Size: 10},
				{URL: "https://example.com/logo.png", ResourceType: browser.ResourceImage, Size: 1000},
				{URL: "data:image/png;base64,AAAA", ResourceType: browser.ResourceImage},
			},
		},
	}
}

func openContext(t *testing.T, page *browsertest.Page, rec Recorder) *Context {
	t.Helper()
	f := filter.New(nil, nil, []string{"Image", "Font"}, nil)
	c, err := Open(context.Background(), &source{page: page}, Options{Filter: f, Recorder: rec})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(context.Background(), &source{err: browser.ErrProcessStopping}, Options{})
	assert.ErrorIs(t, err, browser.ErrProcessStopping)
}

func TestLinkTaskOnce(t *testing.T) {
	c := openContext(t, browsertest.NewPage(), nil)

	require.NoError(t, c.LinkTask(context.Background(), Link{URL: pageURL, UserAgent: "renderd-test"}))
	assert.ErrorIs(t, c.LinkTask(context.Background(), Link{URL: pageURL}), ErrAlreadyLinked)
}

func TestNavigateCountsRequests(t *testing.T) {
	page := browsertest.NewPage()
	page.Site = newSite()
	rec := &recorder{}
	c := openContext(t, page, rec)

	require.NoError(t, c.LinkTask(context.Background(), Link{URL: pageURL, UserAgent: "renderd-test"}))
	resp, err := c.Navigate(context.Background(), pageURL, time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "renderd-test", page.UserAgent())

	m := c.Metrics(context.Background())
	assert.Equal(t, int64(4), m.Requests)
	assert.Equal(t, int64(2), m.BlockedRequests)
	assert.Equal(t, int64(len(page.Site[pageURL].HTML)), m.ContentLength)
	assert.Equal(t, int64(len(page.Site[pageURL].HTML))+10, m.ContentLengthTotal)

	assert.Equal(t, 1, rec.created)
	assert.Equal(t, [2]int{0, 2}, rec.resources[browser.ResourceImage])
	assert.Equal(t, [2]int{1, 0}, rec.resources[browser.ResourceDocument])
}

func TestForwardedHeaders(t *testing.T) {
	page := browsertest.NewPage()
	page.Site = newSite()
	c := openContext(t, page, nil)

	err := c.LinkTask(context.Background(), Link{
		URL: pageURL,
		Headers: map[string]string{
			"Authorization": "Bearer abc",
			"Cookie":        "session=s1; theme=dark",
		},
	})
	require.NoError(t, err)

	_, err = c.Navigate(context.Background(), pageURL, time.Second)
	require.NoError(t, err)

	requests := page.Requests()
	require.NotEmpty(t, requests)

	doc := requests[0]
	assert.True(t, doc.Navigation)
	assert.Equal(t, "Bearer abc", doc.Headers["Authorization"])
	assert.Equal(t, "text/html", doc.Headers["Accept"])
	assert.NotContains(t, doc.Headers, "Cookie")

	for _, r := range requests[1:] {
		assert.NotContains(t, r.Headers, "Authorization", r.URL)
	}

	cookies, err := c.Cookies(context.Background())
	require.NoError(t, err)
	names := map[string]string{}
	for _, ck := range cookies {
		names[ck.Name] = ck.Value
	}
	assert.Equal(t, map[string]string{"session": "s1", "theme": "dark"}, names)
}

func TestNavigateTimeout(t *testing.T) {
	page := browsertest.NewPage()
	page.NavigateDelay = -1
	c := openContext(t, page, nil)

	start := time.Now()
	_, err := c.Navigate(context.Background(), pageURL, 100*time.Millisecond)
	assert.ErrorIs(t, err, browser.ErrNavigationTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNavigateParentCancelled(t *testing.T) {
	page := browsertest.NewPage()
	page.NavigateDelay = -1
	c := openContext(t, page, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Navigate(ctx, pageURL, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSerialize(t *testing.T) {
	page := browsertest.NewPage()
	page.Site = newSite()
	c := openContext(t, page, nil)

	require.NoError(t, c.LinkTask(context.Background(), Link{URL: pageURL}))
	_, err := c.Navigate(context.Background(), pageURL, time.Second)
	require.NoError(t, err)

	html, err := c.Serialize(context.Background(), pageURL)
	require.NoError(t, err)
	assert.Equal(t, page.Site[pageURL].HTML, html)
	assert.True(t, page.Halted())

	evals := page.Evaluations()
	require.Len(t, evals, 3)
	assert.Contains(t, evals[0], "createElement('base')")
	assert.Equal(t, locationExpression, evals[1])
	assert.Equal(t, locationExpression, evals[2])
}

func TestSerializeUnsafeRedirect(t *testing.T) {
	page := browsertest.NewPage()
	page.Site = newSite()
	page.RedirectDuringSerialize = "https://evil.example/"
	c := openContext(t, page, nil)

	_, err := c.Navigate(context.Background(), pageURL, time.Second)
	require.NoError(t, err)

	html, err := c.Serialize(context.Background(), pageURL)
	assert.ErrorIs(t, err, ErrUnsafeRedirect)
	assert.Empty(t, html)
}

func TestCloseSwallowsErrors(t *testing.T) {
	page := browsertest.NewPage()
	page.CloseErr = errors.New("target already gone")
	c, err := Open(context.Background(), &source{page: page}, Options{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
	assert.True(t, page.Closed())
}

func TestMetricsIncludesPerformance(t *testing.T) {
	page := browsertest.NewPage()
	page.PerfMetrics = map[string]float64{
		"LayoutDuration":  0.25,
		"ScriptDuration":  0.5,
		"TaskDuration":    1.5,
		"JSHeapUsedSize":  1024,
		"JSHeapTotalSize": 4096,
	}
	c := openContext(t, page, nil)

	m := c.Metrics(context.Background())
	assert.Equal(t, 0.25, m.LayoutDuration)
	assert.Equal(t, 0.5, m.ScriptDuration)
	assert.Equal(t, 1.5, m.TaskDuration)
	assert.Equal(t, int64(1024), m.JSHeapUsedSize)
	assert.Equal(t, int64(4096), m.JSHeapTotalSize)
}

func TestParseCookies(t *testing.T) {
	cookies := parseCookies("a=1; bad cookie; b=2", pageURL)
	require.Len(t, cookies, 2)
	assert.Equal(t, "a", cookies[0].Name)
	assert.Equal(t, "b", cookies[1].Name)
	assert.Equal(t, pageURL, cookies[1].URL)
}
