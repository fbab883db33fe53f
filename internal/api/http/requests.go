package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/renderd/internal/render/task"
	"github.com/GriffinCanCode/renderd/internal/shared/utils"
)

// WaitTime is given in milliseconds.
type WaitTime struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// RenderRequest is the body of POST /render.
type RenderRequest struct {
	URL          string            `json:"url" binding:"required"`
	UserAgent    string            `json:"userAgent"`
	Headers      map[string]string `json:"headers"`
	WaitTime     *WaitTime         `json:"waitTime"`
	Adblock      bool              `json:"adblock"`
	StripScripts bool              `json:"stripScripts"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	URL        string    `json:"url" binding:"required"`
	UserAgent  string    `json:"userAgent"`
	Username   string    `json:"username" binding:"required"`
	Password   string    `json:"password"`
	WaitTime   *WaitTime `json:"waitTime"`
	RenderHTML bool      `json:"renderHTML"`
}

func (r RenderRequest) spec(inbound http.Header, waitLimit time.Duration) (task.Spec, error) {
	if err := validate(r.URL, r.UserAgent, r.WaitTime, waitLimit); err != nil {
		return task.Spec{}, err
	}
	if err := utils.ValidateHeaders(r.Headers); err != nil {
		return task.Spec{}, err
	}
	headers := forwardable(inbound)
	for k, v := range r.Headers {
		headers[k] = v
	}
	return task.Spec{
		Kind:         task.KindRender,
		URL:          r.URL,
		UserAgent:    r.UserAgent,
		Headers:      headers,
		WaitTime:     r.WaitTime.toTask(),
		Adblock:      r.Adblock,
		StripScripts: r.StripScripts,
	}, nil
}

func (r LoginRequest) spec(inbound http.Header, waitLimit time.Duration) (task.Spec, error) {
	if err := validate(r.URL, r.UserAgent, r.WaitTime, waitLimit); err != nil {
		return task.Spec{}, err
	}
	if err := utils.ValidateCredentials(r.Username, r.Password); err != nil {
		return task.Spec{}, err
	}
	return task.Spec{
		Kind:        task.KindLogin,
		URL:         r.URL,
		UserAgent:   r.UserAgent,
		Headers:     forwardable(inbound),
		WaitTime:    r.WaitTime.toTask(),
		Credentials: &task.Credentials{Username: r.Username, Password: r.Password},
		RenderHTML:  r.RenderHTML,
	}, nil
}

// toTask converts to durations. Zero values are filled in by the manager.
// The bounds must have passed utils.ValidateWaitTime so the conversion
// cannot overflow.
func (w *WaitTime) toTask() task.WaitTime {
	if w == nil {
		return task.WaitTime{}
	}
	return task.WaitTime{
		Min: time.Duration(w.Min) * time.Millisecond,
		Max: time.Duration(w.Max) * time.Millisecond,
	}
}

func validate(rawURL, userAgent string, wait *WaitTime, waitLimit time.Duration) error {
	if err := utils.ValidateURL(rawURL, "url"); err != nil {
		return err
	}
	if err := utils.ValidateUserAgent(userAgent); err != nil {
		return err
	}
	if wait != nil {
		return utils.ValidateWaitTime(wait.Min, wait.Max, waitLimit)
	}
	return nil
}

// forwardable flattens the inbound headers. The manager drops everything
// outside its whitelist.
func forwardable(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		sep := ", "
		if strings.EqualFold(k, "cookie") {
			sep = "; "
		}
		out[k] = strings.Join(v, sep)
	}
	return out
}
