// Package fetch pulls current items from every healthy source. Sources are
// fetched concurrently with a bounded worker count; each outcome feeds the
// per-source circuit breaker so flapping feeds take themselves out of
// rotation.
package fetch

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalbrief/briefd/internal/health"
	"github.com/signalbrief/briefd/internal/store"
)

// StoreAPI is the slice of the store the coordinator needs.
type StoreAPI interface {
	ListFetchableSources(ctx context.Context, now time.Time) ([]store.SourceRecord, error)
	UpdateSourceHealth(ctx context.Context, id int64, upd store.SourceHealthUpdate) error
	InsertItem(ctx context.Context, rec store.ItemRecord) (int64, bool, error)
}

// Result summarizes one coordinator pass.
type Result struct {
	SourcesTried  int `json:"sources_tried"`
	SourcesFailed int `json:"sources_failed"`
	ItemsInserted int `json:"items_inserted"`
	ItemsSkipped  int `json:"items_skipped"`
}

// Coordinator fans fetches out across sources.
type Coordinator struct {
	st      StoreAPI
	fetcher Fetcher
	tracker *health.Tracker
	workers int
	logger  *log.Logger
	now     func() time.Time
}

// NewCoordinator builds a coordinator with the given bounded worker count.
func NewCoordinator(st StoreAPI, fetcher Fetcher, tracker *health.Tracker, workers int, logger *log.Logger) *Coordinator {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		st:      st,
		fetcher: fetcher,
		tracker: tracker,
		workers: workers,
		logger:  logger,
		now:     time.Now,
	}
}

// Run fetches every fetchable source once. A failing source marks its own
// breaker and never fails the pass; the pass errors only when the source
// list cannot be loaded or the context ends.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	sources, err := c.st.ListFetchableSources(ctx, c.now())
	if err != nil {
		return Result{}, err
	}

	var mu sync.Mutex
	res := Result{SourcesTried: len(sources)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			inserted, skipped, err := c.fetchOne(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.SourcesFailed++
				c.logger.Printf("source %q failed: %v", src.Name, err)
				return nil
			}
			res.ItemsInserted += inserted
			res.ItemsSkipped += skipped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	c.logger.Printf("fetched %d sources: %d items new, %d duplicate, %d sources failed",
		res.SourcesTried, res.ItemsInserted, res.ItemsSkipped, res.SourcesFailed)
	return res, nil
}

func (c *Coordinator) fetchOne(ctx context.Context, src store.SourceRecord) (inserted, skipped int, err error) {
	start := c.now()
	items, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		upd := c.tracker.RecordFailure(src, err)
		if uerr := c.st.UpdateSourceHealth(ctx, src.ID, upd); uerr != nil {
			c.logger.Printf("persist breaker state for %q: %v", src.Name, uerr)
		}
		return 0, 0, err
	}

	upd := c.tracker.RecordSuccess(src, c.now().Sub(start))
	if uerr := c.st.UpdateSourceHealth(ctx, src.ID, upd); uerr != nil {
		c.logger.Printf("persist breaker state for %q: %v", src.Name, uerr)
	}

	for _, item := range items {
		rec := store.ItemRecord{
			SourceID:    src.ID,
			Section:     src.Section,
			URL:         item.URL,
			Title:       item.Title,
			Summary:     item.Summary,
			PublishedAt: item.PublishedAt,
		}
		_, ok, err := c.st.InsertItem(ctx, rec)
		if err != nil {
			c.logger.Printf("insert item %q from %q: %v", item.URL, src.Name, err)
			continue
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}
