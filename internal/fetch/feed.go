package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedItem is one entry discovered in a source's feed.
type FeedItem struct {
	URL         string
	Title       string
	Summary     string
	PublishedAt *time.Time
}

// Fetcher retrieves the current items of one source. Implementations must
// be safe for concurrent use; the coordinator fans out across sources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]FeedItem, error)
}

// FeedFetcher pulls RSS and Atom feeds over HTTP.
type FeedFetcher struct {
	client    *http.Client
	userAgent string
}

// NewFeedFetcher builds a feed fetcher with the given per-request timeout.
func NewFeedFetcher(timeout time.Duration) *FeedFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FeedFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "briefd/1.0 (+https://github.com/signalbrief/briefd)",
	}
}

// Fetch downloads and parses one feed. Entries without a usable link are
// skipped.
func (f *FeedFetcher) Fetch(ctx context.Context, url string) ([]FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return ParseFeed(string(body))
}

// ParseFeed parses a feed document into items, preferring the entry link and
// falling back to a URL-shaped GUID.
func ParseFeed(body string) ([]FeedItem, error) {
	parsed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	items := make([]FeedItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		link := entry.Link
		if link == "" && strings.HasPrefix(entry.GUID, "http") {
			link = entry.GUID
		}
		if link == "" {
			continue
		}
		items = append(items, FeedItem{
			URL:         link,
			Title:       strings.TrimSpace(entry.Title),
			Summary:     strings.TrimSpace(entry.Description),
			PublishedAt: entry.PublishedParsed,
		})
	}
	return items, nil
}
