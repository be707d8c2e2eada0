package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceRecord is a feed source plus its persisted circuit-breaker state.
type SourceRecord struct {
	ID                   int64
	Name                 string
	Kind                 string
	URL                  string
	Section              string
	Region               string
	TrustScore           float64
	Enabled              bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalFailures        int64
	TotalSuccesses       int64
	DisabledUntil        *time.Time
	LastError            string
	LastSuccessAt        *time.Time
	AvgLatencyMS         *float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SourceHealthUpdate carries the recomputed breaker state for one source
// after a fetch attempt.
type SourceHealthUpdate struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalFailures        int64
	TotalSuccesses       int64
	DisabledUntil        *time.Time
	LastError            string
	LastSuccessAt        *time.Time
	AvgLatencyMS         *float64
}

const sourceColumns = `id, name, kind, url, section, region, trust_score, enabled,
consecutive_failures, consecutive_successes, total_failures, total_successes,
disabled_until, last_error, last_success_at, avg_latency_ms, created_at, updated_at`

func scanSource(row interface{ Scan(...interface{}) error }) (SourceRecord, error) {
	var rec SourceRecord
	var region, lastError sql.NullString
	var disabledUntil, lastSuccess sql.NullTime
	var avgLatency sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.URL, &rec.Section, &region, &rec.TrustScore, &rec.Enabled,
		&rec.ConsecutiveFailures, &rec.ConsecutiveSuccesses, &rec.TotalFailures, &rec.TotalSuccesses, &disabledUntil,
		&lastError, &lastSuccess, &avgLatency, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return SourceRecord{}, err
	}
	if region.Valid {
		rec.Region = region.String
	}
	if disabledUntil.Valid {
		ts := disabledUntil.Time
		rec.DisabledUntil = &ts
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if lastSuccess.Valid {
		ts := lastSuccess.Time
		rec.LastSuccessAt = &ts
	}
	if avgLatency.Valid {
		v := avgLatency.Float64
		rec.AvgLatencyMS = &v
	}
	return rec, nil
}

// CreateSource inserts a source and returns it with generated fields.
func (s *Store) CreateSource(ctx context.Context, rec SourceRecord) (SourceRecord, error) {
	if strings.TrimSpace(rec.Name) == "" || strings.TrimSpace(rec.URL) == "" {
		return SourceRecord{}, fmt.Errorf("source name and url required")
	}
	kind := rec.Kind
	if kind == "" {
		kind = "rss"
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (name, kind, url, section, region, trust_score, enabled)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+sourceColumns+`
`, rec.Name, kind, rec.URL, rec.Section, nullableString(rec.Region), rec.TrustScore, rec.Enabled)
	return scanSource(row)
}

// GetSource fetches one source by id.
func (s *Store) GetSource(ctx context.Context, id int64) (SourceRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+sourceColumns+` FROM sources WHERE id=$1
`, id)
	rec, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceRecord{}, false, nil
	}
	if err != nil {
		return SourceRecord{}, false, err
	}
	return rec, true, nil
}

// ListSources returns all sources ordered by section then name.
func (s *Store) ListSources(ctx context.Context) ([]SourceRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+sourceColumns+` FROM sources ORDER BY section, name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceRecord
	for rows.Next() {
		rec, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFetchableSources returns enabled sources whose breaker cooldown has
// elapsed, as of now.
func (s *Store) ListFetchableSources(ctx context.Context, now time.Time) ([]SourceRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+sourceColumns+` FROM sources
WHERE enabled = TRUE AND (disabled_until IS NULL OR disabled_until <= $1)
ORDER BY section, name
`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceRecord
	for rows.Next() {
		rec, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSource updates operator-editable fields.
func (s *Store) UpdateSource(ctx context.Context, rec SourceRecord) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE sources SET name=$2, kind=$3, url=$4, section=$5, region=$6, trust_score=$7, enabled=$8, updated_at=NOW()
WHERE id=$1
`, rec.ID, rec.Name, rec.Kind, rec.URL, rec.Section, nullableString(rec.Region), rec.TrustScore, rec.Enabled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSource removes a source and cascades to its items.
func (s *Store) DeleteSource(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE id=$1`, id)
	return err
}

// UpdateSourceHealth persists the breaker state computed after a fetch.
func (s *Store) UpdateSourceHealth(ctx context.Context, id int64, upd SourceHealthUpdate) error {
	var disabledUntil sql.NullTime
	if upd.DisabledUntil != nil {
		disabledUntil = sql.NullTime{Time: upd.DisabledUntil.UTC(), Valid: true}
	}
	var lastSuccess sql.NullTime
	if upd.LastSuccessAt != nil {
		lastSuccess = sql.NullTime{Time: upd.LastSuccessAt.UTC(), Valid: true}
	}
	var avgLatency sql.NullFloat64
	if upd.AvgLatencyMS != nil {
		avgLatency = sql.NullFloat64{Float64: *upd.AvgLatencyMS, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE sources SET
  consecutive_failures=$2,
  consecutive_successes=$3,
  total_failures=$4,
  total_successes=$5,
  disabled_until=$6,
  last_error=$7,
  last_success_at=$8,
  avg_latency_ms=$9,
  updated_at=NOW()
WHERE id=$1
`, id, upd.ConsecutiveFailures, upd.ConsecutiveSuccesses, upd.TotalFailures, upd.TotalSuccesses,
		disabledUntil, nullableString(upd.LastError), lastSuccess, avgLatency)
	return err
}
