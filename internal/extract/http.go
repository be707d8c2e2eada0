package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const defaultUserAgent = "briefd/1.0 (+https://github.com/signalbrief/briefd)"

// HTTPExtractor fetches pages with a plain HTTP client and extracts the
// readable article. It is safe for concurrent use.
type HTTPExtractor struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewHTTPExtractor builds the pool-friendly extractor.
func NewHTTPExtractor(timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		userAgent: defaultUserAgent,
	}
}

func (e *HTTPExtractor) Name() string         { return "http" }
func (e *HTTPExtractor) ConcurrentSafe() bool { return true }

// Extract downloads the page and runs readability over it.
func (e *HTTPExtractor) Extract(ctx context.Context, rawURL string) (Article, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Article{}, fmt.Errorf("url required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Article{}, fmt.Errorf("parse url: %w", err)
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Article{}, err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return Article{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Article{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Article{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return Article{}, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	return Article{
		Title:   sanitizeText(article.Title),
		Byline:  sanitizeText(article.Byline),
		Text:    clampChars(sanitizeText(article.TextContent), maxArticleChars),
		Excerpt: sanitizeText(article.Excerpt),
	}, nil
}
