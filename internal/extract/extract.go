// Package extract turns article URLs into clean text. Two extractors are
// provided: a plain HTTP one that can run from a worker pool, and a headless
// browser one for script-rendered pages that must run sequentially because
// it shares a single browser context.
package extract

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Article is the extracted content of one page.
type Article struct {
	Title   string
	Byline  string
	Text    string
	Excerpt string
}

// Extractor fetches and extracts one URL. ConcurrentSafe tells the
// normalizer whether instances may be driven from multiple goroutines.
type Extractor interface {
	Name() string
	ConcurrentSafe() bool
	Extract(ctx context.Context, url string) (Article, error)
}

// maxArticleChars bounds extracted text so one huge page cannot dominate
// storage or prompt budgets.
const maxArticleChars = 40_000

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func strictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// sanitizeText strips any HTML that survived extraction and trims
// whitespace, yielding plain text safe to store and render.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(strictHTMLPolicy().Sanitize(s))
}

func clampChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
