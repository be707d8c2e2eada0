package store

import (
	"context"
	"time"
)

// SectionRecord is the generated text for one brief section of a run.
type SectionRecord struct {
	ID         int64
	RunID      int64
	Section    string
	Body       string
	Extractive bool
	TokensUsed int64
	CreatedAt  time.Time
}

// UpsertBriefSection writes a section body, replacing any earlier attempt
// from the same run.
func (s *Store) UpsertBriefSection(ctx context.Context, rec SectionRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO brief_sections (run_id, section, body, extractive, tokens_used)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_id, section) DO UPDATE SET
  body = EXCLUDED.body,
  extractive = EXCLUDED.extractive,
  tokens_used = EXCLUDED.tokens_used,
  created_at = NOW()
`, rec.RunID, rec.Section, rec.Body, rec.Extractive, rec.TokensUsed)
	return err
}

// ListBriefSections returns all generated sections for a run.
func (s *Store) ListBriefSections(ctx context.Context, runID int64) ([]SectionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, section, body, extractive, tokens_used, created_at
FROM brief_sections
WHERE run_id=$1
ORDER BY section
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SectionRecord
	for rows.Next() {
		var rec SectionRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Section, &rec.Body, &rec.Extractive, &rec.TokensUsed, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
