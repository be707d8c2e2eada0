package store

import (
	"context"
	"database/sql"
	"time"
)

// LedgerEntry is one metered provider call.
type LedgerEntry struct {
	ID               int64
	RunID            *int64
	Section          string
	Purpose          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	LatencyMS        int64
	CreatedAt        time.Time
}

// RecordCall appends a provider call to the ledger. The ledger is
// append-only: spend is never decremented, even for failed calls whose
// tokens were still consumed.
func (s *Store) RecordCall(ctx context.Context, e LedgerEntry) (int64, error) {
	var runID sql.NullInt64
	if e.RunID != nil {
		runID = sql.NullInt64{Int64: *e.RunID, Valid: true}
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO call_ledger (run_id, section, purpose, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, runID, nullableString(e.Section), e.Purpose, e.Model,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD, e.LatencyMS).Scan(&id)
	return id, err
}

// SpentSince returns total tokens and cost recorded since the cutoff.
func (s *Store) SpentSince(ctx context.Context, since time.Time) (int64, float64, error) {
	var tokens int64
	var cost float64
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(total_tokens),0), COALESCE(SUM(cost_usd),0)
FROM call_ledger
WHERE created_at >= $1
`, since.UTC()).Scan(&tokens, &cost)
	return tokens, cost, err
}

// SectionSpentSince returns tokens recorded for one section since the cutoff.
func (s *Store) SectionSpentSince(ctx context.Context, section string, since time.Time) (int64, error) {
	var tokens int64
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(total_tokens),0)
FROM call_ledger
WHERE section=$1 AND created_at >= $2
`, section, since.UTC()).Scan(&tokens)
	return tokens, err
}

// ListCalls returns recent ledger entries, newest first.
func (s *Store) ListCalls(ctx context.Context, since time.Time, limit int) ([]LedgerEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, section, purpose, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, created_at
FROM call_ledger
WHERE created_at >= $1
ORDER BY created_at DESC
LIMIT $2
`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var runID sql.NullInt64
		var section sql.NullString
		if err := rows.Scan(&e.ID, &runID, &section, &e.Purpose, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CostUSD, &e.LatencyMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			v := runID.Int64
			e.RunID = &v
		}
		if section.Valid {
			e.Section = section.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
