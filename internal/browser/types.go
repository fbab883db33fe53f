package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNavigationTimeout is returned by Page.Navigate when the page did not
	// reach DOMContentLoaded and network idle within the allotted time.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrProcessStopping is returned when a page is requested from a process
	// that has been marked stopping.
	ErrProcessStopping = errors.New("browser process is stopping")
	// ErrProcessNotReady is returned when a page is requested from a process
	// that has not finished its launch smoke test.
	ErrProcessNotReady = errors.New("browser process is not ready")
)

// Resource types as reported by the engine.
const (
	ResourceDocument   = "Document"
	ResourceStylesheet = "Stylesheet"
	ResourceImage      = "Image"
	ResourceMedia      = "Media"
	ResourceFont       = "Font"
	ResourceScript     = "Script"
	ResourceXHR        = "XHR"
	ResourceFetch      = "Fetch"
	ResourceOther      = "Other"
)

// Launcher starts browser engine processes.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// Engine is a live browser engine process.
type Engine interface {
	// NewPage opens a blank page inside a new isolated browser context.
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Version is a cheap introspection call used for health checks.
	Version(ctx context.Context) (string, error)
	// Pages lists the URLs of currently open pages.
	Pages(ctx context.Context) ([]string, error)
	Close() error
}

// PageOptions configures a freshly created page.
type PageOptions struct {
	ViewportWidth  int
	ViewportHeight int
}

// Page is a single tab living in its own isolated browser context.
type Page interface {
	SetUserAgent(ctx context.Context, userAgent string) error
	// Intercept installs the request/response pipeline. It must be called
	// before Navigate.
	Intercept(ctx context.Context, hooks Hooks) error
	SetCookies(ctx context.Context, cookies []*Cookie) error
	Cookies(ctx context.Context) ([]*Cookie, error)
	// Navigate loads url and returns the first response observed for the
	// top-level document. A nil response with a nil error means the
	// navigation completed without any observable response.
	Navigate(ctx context.Context, url string, timeout time.Duration) (*Response, error)
	Evaluate(ctx context.Context, expression string, res any) error
	// HaltScripts suspends further script execution on the page.
	HaltScripts(ctx context.Context) error
	OuterHTML(ctx context.Context) (string, error)
	// Fill sets the value of the element matched by the CSS selector.
	Fill(ctx context.Context, selector, value string) error
	// Submit submits the form owning the element matched by selector and
	// waits for the resulting top-level response.
	Submit(ctx context.Context, selector string, timeout time.Duration) (*Response, error)
	Metrics(ctx context.Context) (map[string]float64, error)
	Close(ctx context.Context) error
}

// Request is an outbound request paused by the interception pipeline.
type Request struct {
	URL          string
	Method       string
	ResourceType string
	// Navigation is set for the top-level document request of the main frame.
	Navigation bool
	Headers    map[string]string
}

// Decision is the pipeline's verdict for a paused request.
type Decision struct {
	Block  bool
	Reason string
	// Headers, when non-nil, replace the outgoing request headers.
	Headers map[string]string
}

// Response describes a received response.
type Response struct {
	URL           string
	Status        int
	Headers       map[string]string
	ResourceType  string
	ContentLength int64
}

// Hooks are invoked by the engine, in emission order, for every request a
// page issues and every response it finishes loading.
type Hooks struct {
	Request  func(*Request) Decision
	Response func(*Response)
}

// Cookie is a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	URL      string    `json:"-"`
	Expires  time.Time `json:"expires,omitzero"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"sameSite,omitempty"`
}
