package adblock

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Load reads a rule list from disk.
func Load(path string) (*Matcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Fetcher downloads rule lists over HTTP.
type Fetcher struct {
	client *resty.Client
}

// NewFetcher creates a fetcher. Connection errors and 5xx responses are
// retried three times by the transport.
func NewFetcher() *Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "renderd-adblock/1.0")

	return &Fetcher{client: client}
}

// Fetch downloads and parses the list at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Matcher, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download block list: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download block list: status %d", resp.StatusCode())
	}
	return Parse(bytes.NewReader(resp.Body()))
}

// Refresh downloads the list at url into m, keeping the current rules on
// failure.
func (f *Fetcher) Refresh(ctx context.Context, m *Matcher, url string) error {
	fresh, err := f.Fetch(ctx, url)
	if err != nil {
		return err
	}
	fresh.mu.RLock()
	domains, globs := fresh.domains, fresh.globs
	fresh.mu.RUnlock()

	m.mu.Lock()
	m.domains, m.globs = domains, globs
	m.mu.Unlock()
	return nil
}
