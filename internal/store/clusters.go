package store

import (
	"context"
	"time"
)

// ClusterRecord is one story cluster produced by a run.
type ClusterRecord struct {
	ID                   int64
	RunID                int64
	Section              string
	RepresentativeItemID int64
	Size                 int
	Score                float64
	Rank                 *int
	Members              []ClusterMember
	CreatedAt            time.Time
}

// ClusterMember links an item to its cluster with the item's similarity to
// the cluster centroid.
type ClusterMember struct {
	ItemID     int64
	Similarity float64
}

// ReplaceClusters atomically swaps the cluster set for one run+section.
// Re-running a stage overwrites its own earlier output instead of appending.
func (s *Store) ReplaceClusters(ctx context.Context, runID int64, section string, clusters []ClusterRecord) ([]ClusterRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM clusters WHERE run_id=$1 AND section=$2
`, runID, section); err != nil {
		return nil, err
	}

	out := make([]ClusterRecord, 0, len(clusters))
	for _, c := range clusters {
		c.RunID = runID
		c.Section = section
		var rank interface{}
		if c.Rank != nil {
			rank = *c.Rank
		}
		err = tx.QueryRowContext(ctx, `
INSERT INTO clusters (run_id, section, representative_item_id, size, score, rank)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, created_at
`, runID, section, c.RepresentativeItemID, c.Size, c.Score, rank).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		for _, m := range c.Members {
			if _, err = tx.ExecContext(ctx, `
INSERT INTO cluster_memberships (cluster_id, item_id, similarity)
VALUES ($1,$2,$3)
`, c.ID, m.ItemID, m.Similarity); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateClusterRanking persists the rank and score assigned by the ranking
// stage.
func (s *Store) UpdateClusterRanking(ctx context.Context, clusterID int64, rank int, score float64) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE clusters SET rank=$2, score=$3 WHERE id=$1
`, clusterID, rank, score)
	return err
}

// ListClusters returns a run's clusters for one section, ranked first.
func (s *Store) ListClusters(ctx context.Context, runID int64, section string) ([]ClusterRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, section, representative_item_id, size, score, rank, created_at
FROM clusters
WHERE run_id=$1 AND section=$2
ORDER BY rank NULLS LAST, score DESC, id ASC
`, runID, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClusterRecord
	for rows.Next() {
		var c ClusterRecord
		var rank *int
		if err := rows.Scan(&c.ID, &c.RunID, &c.Section, &c.RepresentativeItemID, &c.Size, &c.Score, &rank, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Rank = rank
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		members, err := s.listClusterMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Members = members
	}
	return out, nil
}

func (s *Store) listClusterMembers(ctx context.Context, clusterID int64) ([]ClusterMember, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT item_id, similarity FROM cluster_memberships WHERE cluster_id=$1 ORDER BY similarity DESC
`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClusterMember
	for rows.Next() {
		var m ClusterMember
		if err := rows.Scan(&m.ItemID, &m.Similarity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
