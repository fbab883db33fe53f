// Package ssrf checks outbound URLs against denied IP ranges.
//
// A Validator resolves the URL's host and rejects it when any resolved
// address falls inside a denied prefix. In relaxed mode, addresses that also
// fall inside an explicitly allowed prefix pass, which lets a deployment
// reach selected internal services.
//
// Example:
//
//	v := ssrf.New(ssrf.DefaultDenied(), nil, false)
//	if err := v.Validate(ctx, "http://169.254.169.254/"); err != nil {
//		// ErrDeniedAddress
//	}
package ssrf
