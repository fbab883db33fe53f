package task

import (
	"time"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/render/browsing"
)

// Result error codes.
const (
	CodeNoResponse          = "no_response"
	CodeUnsafeRedirect      = "unsafe_redirect"
	CodeNavigationFailed    = "navigation_failed"
	CodeSerializeFailed     = "serialize_failed"
	CodeLoginFormNotFound   = "login_form_not_found"
	CodeContextCreateFailed = "context_create_failed"
	CodeProcessUnavailable  = "process_unavailable"
	CodeInternal            = "internal_error"
)

// Result is what a caller receives. Exactly one of StatusCode with Body,
// Error or Timeout describes the outcome; unsafe_redirect may carry the
// status code of the rejected document.
type Result struct {
	StatusCode  int               `json:"statusCode,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Cookies     []*browser.Cookie `json:"cookies,omitempty"`
	ResolvedURL string            `json:"resolvedUrl,omitempty"`
	Timeout     bool              `json:"timeout,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metrics     Metrics           `json:"metrics"`
}

// Outcome is a short label for telemetry.
func (r *Result) Outcome() string {
	switch {
	case r.Timeout:
		return "timeout"
	case r.Error != "":
		return r.Error
	default:
		return "ok"
	}
}

// Failure returns a result carrying only an error code.
func Failure(code string) Result {
	return Result{Error: code}
}

// Metrics are timings collected while processing.
type Metrics struct {
	Goto      time.Duration    `json:"goto"`
	MinWait   time.Duration    `json:"minWait"`
	Serialize time.Duration    `json:"serialize"`
	Total     time.Duration    `json:"total"`
	Page      browsing.Metrics `json:"page"`
}
