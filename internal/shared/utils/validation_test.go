package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateString(t *testing.T) {
	assert.Error(t, ValidateString("", "name", 1, 10, true))
	assert.NoError(t, ValidateString("", "name", 1, 10, false))
	assert.Error(t, ValidateString("ab", "name", 3, 10, true))
	assert.Error(t, ValidateString(strings.Repeat("x", 11), "name", 1, 10, true))
	assert.Error(t, ValidateString("a\x00b", "name", 1, 10, true))
	assert.NoError(t, ValidateString("héllo", "name", 5, 5, true))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/", true},
		{"http://example.com:8080/a?b=c", true},
		{"", false},
		{"/relative", false},
		{"ftp://example.com/", false},
		{"file:///etc/passwd", false},
		{"http://", false},
		{"https://" + strings.Repeat("a", MaxURLLength), false},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url, "url")
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}

func TestValidateHeaders(t *testing.T) {
	assert.NoError(t, ValidateHeaders(nil))
	assert.NoError(t, ValidateHeaders(map[string]string{"Cookie": "a=b", "X-Empty": ""}))
	assert.Error(t, ValidateHeaders(map[string]string{"Bad Name": "x"}))
	assert.Error(t, ValidateHeaders(map[string]string{"X-Split": "a\r\nInjected: 1"}))

	many := make(map[string]string, MaxHeaderCount+1)
	for i := 0; i <= MaxHeaderCount; i++ {
		many["X-H"+strings.Repeat("a", i)] = "v"
	}
	assert.Error(t, ValidateHeaders(many))
}

func TestValidateCredentials(t *testing.T) {
	assert.NoError(t, ValidateCredentials("alice", ""))
	assert.Error(t, ValidateCredentials("", "secret"))
	assert.Error(t, ValidateCredentials("alice", strings.Repeat("p", MaxPasswordLength+1)))
}

func TestValidateWaitTime(t *testing.T) {
	limit := 60 * time.Second
	assert.NoError(t, ValidateWaitTime(0, 0, limit))
	assert.NoError(t, ValidateWaitTime(500, 0, limit))
	assert.NoError(t, ValidateWaitTime(100, 1000, limit))
	assert.NoError(t, ValidateWaitTime(0, 60000, limit))
	assert.Error(t, ValidateWaitTime(-1, 0, limit))
	assert.Error(t, ValidateWaitTime(2000, 1000, limit))
	assert.Error(t, ValidateWaitTime(0, 60001, limit))
	assert.Error(t, ValidateWaitTime(60001, 0, limit))
}

func TestValidateWaitTimeRejectsOverflow(t *testing.T) {
	// Each of these wraps negative or past a year once multiplied into a
	// time.Duration.
	for _, ms := range []int64{31536000000, 9300000000000, 1 << 62} {
		assert.Error(t, ValidateWaitTime(0, ms, time.Minute), "max %d", ms)
		assert.Error(t, ValidateWaitTime(ms, ms, time.Minute), "min %d", ms)
		assert.Error(t, ValidateWaitTime(0, ms, 0), "default limit %d", ms)
	}
}
