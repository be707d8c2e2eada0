package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ItemRecord is one fetched content item.
type ItemRecord struct {
	ID           int64
	SourceID     int64
	Section      string
	URL          string
	URLHash      string
	Title        string
	Summary      string
	Content      string
	Entities     []string
	WordCount    int
	SimHash      *int64
	PublishedAt  *time.Time
	FetchedAt    time.Time
	NormalizedAt *time.Time
	DuplicateOf  *int64
}

// HashURL produces the canonical dedup key for an item URL.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

const itemColumns = `id, source_id, section, url, url_hash, title, summary, content,
entities, word_count, simhash, published_at, fetched_at, normalized_at, duplicate_of`

func scanItem(row interface{ Scan(...interface{}) error }) (ItemRecord, error) {
	var rec ItemRecord
	var summary, content sql.NullString
	var entities []byte
	var simhash, dupOf sql.NullInt64
	var published, normalized sql.NullTime
	err := row.Scan(&rec.ID, &rec.SourceID, &rec.Section, &rec.URL, &rec.URLHash, &rec.Title,
		&summary, &content, &entities, &rec.WordCount, &simhash, &published, &rec.FetchedAt,
		&normalized, &dupOf)
	if err != nil {
		return ItemRecord{}, err
	}
	if summary.Valid {
		rec.Summary = summary.String
	}
	if content.Valid {
		rec.Content = content.String
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &rec.Entities); err != nil {
			return ItemRecord{}, fmt.Errorf("decode entities: %w", err)
		}
	}
	if simhash.Valid {
		v := simhash.Int64
		rec.SimHash = &v
	}
	if published.Valid {
		ts := published.Time
		rec.PublishedAt = &ts
	}
	if normalized.Valid {
		ts := normalized.Time
		rec.NormalizedAt = &ts
	}
	if dupOf.Valid {
		v := dupOf.Int64
		rec.DuplicateOf = &v
	}
	return rec, nil
}

// InsertItem stores a fetched item. A second item with the same URL hash is
// skipped and reported via inserted=false rather than an error, so re-runs
// are idempotent.
func (s *Store) InsertItem(ctx context.Context, rec ItemRecord) (int64, bool, error) {
	if strings.TrimSpace(rec.URL) == "" {
		return 0, false, fmt.Errorf("item url required")
	}
	if rec.URLHash == "" {
		rec.URLHash = HashURL(rec.URL)
	}
	var published sql.NullTime
	if rec.PublishedAt != nil {
		published = sql.NullTime{Time: rec.PublishedAt.UTC(), Valid: true}
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO items (source_id, section, url, url_hash, title, summary, published_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (url_hash) DO NOTHING
RETURNING id
`, rec.SourceID, rec.Section, rec.URL, rec.URLHash, rec.Title, nullableString(rec.Summary), published).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ListUnnormalizedItems returns items fetched since the cutoff that have not
// been normalized yet, oldest first, capped at limit.
func (s *Store) ListUnnormalizedItems(ctx context.Context, since time.Time, limit int) ([]ItemRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+itemColumns+` FROM items
WHERE normalized_at IS NULL AND fetched_at >= $1
ORDER BY fetched_at ASC
LIMIT $2
`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// MarkItemNormalized records the normalizer output for an item.
func (s *Store) MarkItemNormalized(ctx context.Context, id int64, content string, entities []string, wordCount int, simhash int64) error {
	if entities == nil {
		entities = []string{}
	}
	encoded, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE items SET content=$2, entities=$3, word_count=$4, simhash=$5, normalized_at=NOW()
WHERE id=$1
`, id, content, encoded, wordCount, simhash)
	return err
}

// MarkItemDuplicate links an item to the earlier item it duplicates.
func (s *Store) MarkItemDuplicate(ctx context.Context, id, duplicateOf int64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE items SET duplicate_of=$2 WHERE id=$1
`, id, duplicateOf)
	return err
}

// ListClusterableItems returns normalized, non-duplicate items for one
// section since the cutoff. A non-empty region narrows the result to items
// whose source carries that region.
func (s *Store) ListClusterableItems(ctx context.Context, section, region string, since time.Time) ([]ItemRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+itemColumns+` FROM items
WHERE section=$1
  AND ($2 = '' OR source_id IN (SELECT id FROM sources WHERE region = $2))
  AND normalized_at IS NOT NULL AND duplicate_of IS NULL AND fetched_at >= $3
ORDER BY id ASC
`, section, region, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (ItemRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=$1`, id)
	rec, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemRecord{}, false, nil
	}
	if err != nil {
		return ItemRecord{}, false, err
	}
	return rec, true, nil
}

func collectItems(rows *sql.Rows) ([]ItemRecord, error) {
	var out []ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertItemEmbedding stores the semantic vector for an item.
func (s *Store) UpsertItemEmbedding(ctx context.Context, itemID int64, model string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector required")
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO item_embeddings (item_id, model, vector)
VALUES ($1,$2,$3)
ON CONFLICT (item_id) DO UPDATE SET model=EXCLUDED.model, vector=EXCLUDED.vector, created_at=NOW()
`, itemID, model, encoded)
	return err
}

// GetItemEmbeddings loads vectors for the given item ids.
func (s *Store) GetItemEmbeddings(ctx context.Context, itemIDs []int64) (map[int64][]float32, error) {
	if len(itemIDs) == 0 {
		return map[int64][]float32{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT item_id, vector FROM item_embeddings WHERE item_id = ANY($1)
`, pq.Array(itemIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]float32, len(itemIDs))
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err != nil {
			return nil, fmt.Errorf("decode embedding for item %d: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}
