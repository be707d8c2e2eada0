package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// RunRecord is one daily pipeline run.
type RunRecord struct {
	ID               int64
	RunDate          string // YYYY-MM-DD
	Status           string
	StartedAt        *time.Time
	FinishedAt       *time.Time
	DegradationLevel int
	TokensSpent      int64
	StageResults     json.RawMessage
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const runColumns = `id, run_date::text, status, started_at, finished_at,
degradation_level, tokens_spent, stage_results, error, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (RunRecord, error) {
	var rec RunRecord
	var started, finished sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&rec.ID, &rec.RunDate, &rec.Status, &started, &finished,
		&rec.DegradationLevel, &rec.TokensSpent, &rec.StageResults, &errMsg,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return RunRecord{}, err
	}
	if started.Valid {
		ts := started.Time
		rec.StartedAt = &ts
	}
	if finished.Valid {
		ts := finished.Time
		rec.FinishedAt = &ts
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return rec, nil
}

// EnsureRun creates the pending run row for a date if it does not exist and
// returns the current row either way.
func (s *Store) EnsureRun(ctx context.Context, runDate string) (RunRecord, error) {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO brief_runs (run_date) VALUES ($1)
ON CONFLICT (run_date) DO NOTHING
`, runDate)
	if err != nil {
		return RunRecord{}, err
	}
	rec, ok, err := s.GetRunByDate(ctx, runDate)
	if err != nil {
		return RunRecord{}, err
	}
	if !ok {
		return RunRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

// ClaimRun atomically moves a run from pending or failed to running. It
// returns claimed=false when the guard matched no row: the run is either
// already in flight or already complete, and the caller decides which from
// the run's current status.
func (s *Store) ClaimRun(ctx context.Context, runDate string) (RunRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE brief_runs
SET status='running', started_at=NOW(), finished_at=NULL, error=NULL, updated_at=NOW()
WHERE run_date=$1 AND status IN ('pending','failed')
RETURNING `+runColumns+`
`, runDate)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// ResetRun force-resets a terminal run to pending so it can be claimed
// again. Used for explicit force re-runs of complete dates.
func (s *Store) ResetRun(ctx context.Context, runDate string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE brief_runs
SET status='pending', started_at=NULL, finished_at=NULL, error=NULL,
    tokens_spent=0, degradation_level=0, stage_results='{}'::jsonb, updated_at=NOW()
WHERE run_date=$1 AND status IN ('complete','failed')
`, runDate)
	return err
}

// GetRunByDate fetches the run for one date.
func (s *Store) GetRunByDate(ctx context.Context, runDate string) (RunRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+runColumns+` FROM brief_runs WHERE run_date=$1
`, runDate)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+runColumns+` FROM brief_runs ORDER BY run_date DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetRunStatus moves a run between stages.
func (s *Store) SetRunStatus(ctx context.Context, runID int64, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE brief_runs SET status=$2, updated_at=NOW() WHERE id=$1
`, runID, status)
	return err
}

// RecordStageResult merges one stage's outcome into the run's stage_results
// JSON document.
func (s *Store) RecordStageResult(ctx context.Context, runID int64, stage string, result interface{}) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE brief_runs
SET stage_results = stage_results || jsonb_build_object($2::text, $3::jsonb), updated_at=NOW()
WHERE id=$1
`, runID, stage, encoded)
	return err
}

// FinishRun marks a run terminal with its spend and degradation level.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, degradation int, tokensSpent int64, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE brief_runs
SET status=$2, degradation_level=$3, tokens_spent=$4, error=$5, finished_at=NOW(), updated_at=NOW()
WHERE id=$1
`, runID, status, degradation, tokensSpent, nullableString(errMsg))
	return err
}
