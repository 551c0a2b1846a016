package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"webintel/internal/logging"
)

const (
	fetchUserAgent = "Mozilla/5.0 (compatible; webintel/1.0)"
	maxFetchBytes  = 4 << 20
)

// Fetcher retrieves raw HTML for a URL. Implementations must honor the
// context for cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTTPFetcher fetches over plain HTTP with a per-request timeout.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads a page body. Non-HTML content and error statuses are
// reported as errors; the explorer treats them as empty pages.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	timer := logging.StartTimer(logging.CategoryCrawl, "Fetch "+url)
	defer timer.StopWithThreshold(2 * time.Second)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url %s: %w", url, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("fetch %s: unsupported content type %s", url, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", url, err)
	}
	return string(body), nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
