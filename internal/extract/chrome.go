package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// ChromeExtractor renders pages in headless Chrome before extraction, for
// sources whose articles only materialize after scripts run. A single
// browser allocator backs every call, so it is not safe for concurrent use;
// the normalizer drives it sequentially.
type ChromeExtractor struct {
	timeout time.Duration
}

// NewChromeExtractor builds the headless extractor.
func NewChromeExtractor(timeout time.Duration) *ChromeExtractor {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &ChromeExtractor{timeout: timeout}
}

func (e *ChromeExtractor) Name() string         { return "chrome" }
func (e *ChromeExtractor) ConcurrentSafe() bool { return false }

// Extract renders the page and runs readability over the settled DOM.
func (e *ChromeExtractor) Extract(ctx context.Context, rawURL string) (Article, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Article{}, fmt.Errorf("url required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Article{}, fmt.Errorf("parse url: %w", err)
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	html, err := e.renderHTML(ctx, rawURL)
	if err != nil {
		return Article{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
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

func (e *ChromeExtractor) renderHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(defaultUserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}
