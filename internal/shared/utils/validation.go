package utils

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Request field limits
const (
	MaxURLLength       = 8 * 1024
	MaxUserAgentLength = 512
	MaxUsernameLength  = 256
	MaxPasswordLength  = 1024
	MaxHeaderCount     = 64
	MaxHeaderNameLen   = 256
	MaxHeaderValueLen  = 8 * 1024
)

// DefaultWaitLimit caps waitTime bounds when no limit is configured.
const DefaultWaitLimit = 5 * time.Minute

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Null bytes never reach the browser.
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateURL requires an absolute http or https URL with a host.
func ValidateURL(raw, fieldName string) error {
	if err := ValidateString(raw, fieldName, 1, MaxURLLength, true); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http or https URL", fieldName)
	}
	return nil
}

// ValidateUserAgent validates an optional user agent override.
func ValidateUserAgent(ua string) error {
	return ValidateString(ua, "userAgent", 1, MaxUserAgentLength, false)
}

// ValidateCredentials validates login credentials. The password may be empty.
func ValidateCredentials(username, password string) error {
	if err := ValidateString(username, "username", 1, MaxUsernameLength, true); err != nil {
		return err
	}
	return ValidateString(password, "password", 0, MaxPasswordLength, false)
}

// ValidateHeaders bounds the number and size of caller supplied headers.
func ValidateHeaders(headers map[string]string) error {
	if len(headers) > MaxHeaderCount {
		return fmt.Errorf("too many headers: %d (max %d)", len(headers), MaxHeaderCount)
	}
	for name, value := range headers {
		if err := ValidateString(name, "header name", 1, MaxHeaderNameLen, true); err != nil {
			return err
		}
		if strings.ContainsAny(name, " :\r\n") {
			return fmt.Errorf("header name %q contains invalid characters", name)
		}
		if err := ValidateString(value, "header "+name, 0, MaxHeaderValueLen, false); err != nil {
			return err
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("header %s contains invalid characters", name)
		}
	}
	return nil
}

// ValidateWaitTime checks millisecond wait bounds. Zero means unset. Both
// bounds must stay within limit, or DefaultWaitLimit when limit is not
// positive, which also keeps their conversion to time.Duration in range.
func ValidateWaitTime(minMs, maxMs int64, limit time.Duration) error {
	if minMs < 0 || maxMs < 0 {
		return fmt.Errorf("waitTime must not be negative")
	}
	if limit <= 0 {
		limit = DefaultWaitLimit
	}
	if ceiling := limit.Milliseconds(); minMs > ceiling || maxMs > ceiling {
		return fmt.Errorf("waitTime must not exceed %d ms", ceiling)
	}
	if maxMs > 0 && minMs > maxMs {
		return fmt.Errorf("waitTime.min must not exceed waitTime.max")
	}
	return nil
}
