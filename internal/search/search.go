// Package search maintains a BM25 index over normalized items so readers
// can search the archive behind the daily brief. The index is rebuildable
// from Postgres at any time; it is a cache, not a source of truth.
package search

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/signalbrief/briefd/internal/store"
)

// Doc is the indexed shape of one item.
type Doc struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Section string `json:"section"`
	URL     string `json:"url"`
}

// Hit is one search result.
type Hit struct {
	ItemID  int64   `json:"item_id"`
	Score   float64 `json:"score"`
	Title   string  `json:"title"`
	Section string  `json:"section"`
	URL     string  `json:"url"`
}

// Index wraps a bleve index with item-shaped operations.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index
}

// Open opens or creates a disk-backed index at path; an empty path builds
// an in-memory index.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("open search index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// IndexItem adds or replaces one normalized item.
func (x *Index) IndexItem(item store.ItemRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Index(fmt.Sprintf("%d", item.ID), Doc{
		Title:   item.Title,
		Body:    item.Content,
		Section: item.Section,
		URL:     item.URL,
	})
}

// IndexBatch indexes many items in one bleve batch.
func (x *Index) IndexBatch(items []store.ItemRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	batch := x.idx.NewBatch()
	for _, item := range items {
		if err := batch.Index(fmt.Sprintf("%d", item.ID), Doc{
			Title:   item.Title,
			Body:    item.Content,
			Section: item.Section,
			URL:     item.URL,
		}); err != nil {
			return err
		}
	}
	return x.idx.Batch(batch)
}

// Search runs a query-string search and returns up to k hits.
func (x *Index) Search(q string, k int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("query required")
	}
	if k <= 0 {
		k = 10
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), k, 0, false)
	req.Fields = []string{"title", "section", "url"}
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		var id int64
		if _, err := fmt.Sscanf(h.ID, "%d", &id); err != nil {
			continue
		}
		hit := Hit{ItemID: id, Score: h.Score}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["section"].(string); ok {
			hit.Section = v
		}
		if v, ok := h.Fields["url"].(string); ok {
			hit.URL = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}
