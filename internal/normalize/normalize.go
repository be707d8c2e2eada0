// Package normalize turns fetched items into clean, fingerprinted records:
// extracted body text, entities, word count, and a SimHash for dedup. The
// worker layout follows the extractor: concurrent-safe extractors run from a
// pool, others are driven one item at a time.
package normalize

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalbrief/briefd/internal/extract"
	"github.com/signalbrief/briefd/internal/simhash"
	"github.com/signalbrief/briefd/internal/store"
	"github.com/signalbrief/briefd/internal/textutil"
)

// StoreAPI is the slice of the store the normalizer needs.
type StoreAPI interface {
	ListUnnormalizedItems(ctx context.Context, since time.Time, limit int) ([]store.ItemRecord, error)
	MarkItemNormalized(ctx context.Context, id int64, content string, entities []string, wordCount int, simhash int64) error
}

// Config bounds one normalizer pass.
type Config struct {
	Workers        int
	MaxItemsPerRun int
	MaxEntities    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxItemsPerRun <= 0 {
		c.MaxItemsPerRun = 100
	}
	if c.MaxEntities <= 0 {
		c.MaxEntities = 10
	}
	return c
}

// Result summarizes one normalizer pass.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Normalizer runs the normalize stage.
type Normalizer struct {
	st        StoreAPI
	extractor extract.Extractor
	cfg       Config
	logger    *log.Logger
}

// New builds a normalizer over the given extractor.
func New(st StoreAPI, extractor extract.Extractor, cfg Config, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{st: st, extractor: extractor, cfg: cfg.withDefaults(), logger: logger}
}

// Run normalizes pending items fetched since the cutoff. An item whose
// extraction fails falls back to its feed summary so it still enters
// clustering; items with no text at all are counted failed and left
// unnormalized for the next pass.
func (n *Normalizer) Run(ctx context.Context, since time.Time) (Result, error) {
	items, err := n.st.ListUnnormalizedItems(ctx, since, n.cfg.MaxItemsPerRun)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	var res Result
	if n.extractor != nil && !n.extractor.ConcurrentSafe() {
		res = n.runSequential(ctx, items)
	} else {
		res = n.runPooled(ctx, items)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	n.logger.Printf("normalized %d items, %d failed", res.Processed, res.Failed)
	return res, nil
}

func (n *Normalizer) runPooled(ctx context.Context, items []store.ItemRecord) Result {
	var mu sync.Mutex
	var res Result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			ok := n.normalizeOne(gctx, item)
			mu.Lock()
			if ok {
				res.Processed++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (n *Normalizer) runSequential(ctx context.Context, items []store.ItemRecord) Result {
	var res Result
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if n.normalizeOne(ctx, item) {
			res.Processed++
		} else {
			res.Failed++
		}
	}
	return res
}

func (n *Normalizer) normalizeOne(ctx context.Context, item store.ItemRecord) bool {
	text := ""
	if n.extractor != nil {
		article, err := n.extractor.Extract(ctx, item.URL)
		if err != nil {
			n.logger.Printf("extract item %d: %v", item.ID, err)
		} else {
			text = article.Text
		}
	}
	if text == "" {
		text = textutil.CleanText(item.Summary)
	}
	if text == "" {
		return false
	}

	entities := make([]string, 0, n.cfg.MaxEntities)
	for _, e := range textutil.ExtractEntities(item.Title+". "+text, n.cfg.MaxEntities) {
		entities = append(entities, e.Name)
	}
	fingerprint := simhash.Fingerprint(item.Title + " " + text)
	wordCount := textutil.WordCount(text)

	if err := n.st.MarkItemNormalized(ctx, item.ID, text, entities, wordCount, fingerprint); err != nil {
		n.logger.Printf("persist normalized item %d: %v", item.ID, err)
		return false
	}
	return true
}
