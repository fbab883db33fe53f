// Package filter decides whether a request issued by a rendered page may
// leave the browser.
package filter

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/security/ssrf"
)

// Block reasons.
const (
	ReasonDataURI           = "data_uri"
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonDeniedAddress     = "denied_address"
	ReasonIgnoredResource   = "ignored_resource"
	ReasonAdblock           = "adblock"
	ReasonCancelled         = "cancelled"
)

// Validator checks a URL's resolved addresses against the denylist.
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Blocklist is an ad and tracker matcher.
type Blocklist interface {
	Match(rawURL string) bool
}

// Verdict is the outcome for one request.
type Verdict struct {
	Allow  bool
	Reason string
}

func allow() Verdict              { return Verdict{Allow: true} }
func block(reason string) Verdict { return Verdict{Reason: reason} }

// Filter is safe for concurrent use.
type Filter struct {
	validator Validator
	blocklist Blocklist
	ignored   map[string]struct{}
	logger    *zap.Logger
}

// New creates a filter. A nil validator skips address checks and a nil
// blocklist never matches.
func New(validator Validator, blocklist Blocklist, ignoredResourceTypes []string, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	ignored := make(map[string]struct{}, len(ignoredResourceTypes))
	for _, t := range ignoredResourceTypes {
		ignored[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Filter{
		validator: validator,
		blocklist: blocklist,
		ignored:   ignored,
		logger:    logger.With(zap.String("component", "request_filter")),
	}
}

// Allow evaluates req. Checks run in order: data URI, scheme, resolved
// address, resource type, then the blocklist when adblock is set.
func (f *Filter) Allow(ctx context.Context, req *browser.Request, adblock bool) Verdict {
	scheme, _, _ := strings.Cut(req.URL, ":")
	switch strings.ToLower(scheme) {
	case "data":
		return block(ReasonDataURI)
	case "http", "https", "ws", "wss":
		if v := f.checkAddress(ctx, req.URL); !v.Allow {
			return v
		}
	case "file", "ftp":
		return block(ReasonUnsupportedScheme)
	}

	if _, ok := f.ignored[strings.ToLower(req.ResourceType)]; ok {
		return block(ReasonIgnoredResource)
	}

	if adblock && f.blocklist != nil && f.blocklist.Match(req.URL) {
		return block(ReasonAdblock)
	}
	return allow()
}

func (f *Filter) checkAddress(ctx context.Context, rawURL string) Verdict {
	if f.validator == nil {
		return allow()
	}
	err := f.validator.Validate(ctx, rawURL)
	switch {
	case err == nil:
		return allow()
	case ctx.Err() != nil:
		return block(ReasonCancelled)
	case errors.Is(err, ssrf.ErrResolve):
		f.logger.Debug("address validation skipped, host did not resolve",
			zap.String("url", redact(rawURL)), zap.Error(err))
		return allow()
	default:
		f.logger.Info("request blocked by address policy",
			zap.String("url", redact(rawURL)), zap.Error(err))
		return block(ReasonDeniedAddress)
	}
}

// redact drops the query and credentials from a URL before logging.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
