package adblock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rules = `
# comment
! another comment
ads.example.com
||tracker.test^
0.0.0.0 hosts.example.net
127.0.0.1 localhost
*.cdn.test/pixel/**
`

func TestMatch(t *testing.T) {
	m, err := Parse(strings.NewReader(rules))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Len())

	tests := []struct {
		url   string
		match bool
	}{
		{"https://ads.example.com/banner.js", true},
		{"https://eu.ads.example.com/x", true},
		{"https://example.com/ads.example.com", false},
		{"https://badads.example.com/", false},
		{"http://tracker.test/t.gif", true},
		{"http://hosts.example.net:8080/", true},
		{"http://localhost/", false},
		{"https://img.cdn.test/pixel/a/b.gif", true},
		{"https://img.cdn.test/static/app.js", false},
		{"https://ADS.EXAMPLE.COM/", true},
		{"not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.match, m.Match(tt.url))
		})
	}
}

func TestZeroMatcher(t *testing.T) {
	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Match("https://ads.example.com/"))
	assert.Equal(t, 0, nilMatcher.Len())

	var zero Matcher
	assert.False(t, zero.Match("https://ads.example.com/"))
}

func TestParseInvalidPattern(t *testing.T) {
	_, err := Parse(strings.NewReader("bad.test/[unclosed"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.True(t, m.Match("https://ads.example.com/"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFetchRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(rules))
	}))
	defer srv.Close()

	m, err := NewFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, m.Match("http://tracker.test/"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshKeepsRulesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m, err := Parse(strings.NewReader("ads.example.com"))
	require.NoError(t, err)

	err = NewFetcher().Refresh(context.Background(), m, srv.URL)
	assert.Error(t, err)
	assert.True(t, m.Match("https://ads.example.com/"))
}
