package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ScheduleSettings is the hot-reloadable pipeline schedule stored under the
// pipeline_schedule system_settings key. The scheduler re-reads it each
// minute, so changes apply without a restart.
type ScheduleSettings struct {
	Enabled  bool   `json:"enabled"`
	Hour     int    `json:"hour"`
	Minute   int    `json:"minute"`
	Timezone string `json:"timezone"`
}

// PipelineSettings are the operator-editable breaker and budget knobs,
// stored under the pipeline_tuning system_settings key and re-read at the
// start of every run so changes apply without a restart.
type PipelineSettings struct {
	FailureThreshold int                `json:"failure_threshold"`
	DisableMinutes   int                `json:"disable_minutes"`
	LatencyAlpha     float64            `json:"latency_alpha"`
	SectionFractions map[string]float64 `json:"section_fractions"`
}

// Validate checks the tuning values before they are persisted.
func (p PipelineSettings) Validate() error {
	if p.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if p.DisableMinutes < 1 {
		return fmt.Errorf("disable_minutes must be >= 1")
	}
	if p.LatencyAlpha <= 0 || p.LatencyAlpha > 1 {
		return fmt.Errorf("latency_alpha must be within (0,1]")
	}
	for section, frac := range p.SectionFractions {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("section fraction for %q out of range: %v", section, frac)
		}
	}
	return nil
}

const (
	scheduleSettingsKey = "pipeline_schedule"
	pipelineSettingsKey = "pipeline_tuning"
)

// GetSetting reads one system_settings value.
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT value FROM system_settings WHERE key=$1
`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// SetSetting upserts one system_settings value.
func (s *Store) SetSetting(ctx context.Context, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO system_settings (key, value) VALUES ($1,$2)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
`, key, encoded)
	return err
}

// GetScheduleSettings loads the pipeline schedule, falling back to the given
// defaults when the row is absent.
func (s *Store) GetScheduleSettings(ctx context.Context, defaults ScheduleSettings) (ScheduleSettings, error) {
	raw, ok, err := s.GetSetting(ctx, scheduleSettingsKey)
	if err != nil {
		return defaults, err
	}
	if !ok {
		return defaults, nil
	}
	out := defaults
	if err := json.Unmarshal(raw, &out); err != nil {
		return defaults, fmt.Errorf("decode %s: %w", scheduleSettingsKey, err)
	}
	return out, nil
}

// SetScheduleSettings persists the pipeline schedule.
func (s *Store) SetScheduleSettings(ctx context.Context, settings ScheduleSettings) error {
	if settings.Hour < 0 || settings.Hour > 23 || settings.Minute < 0 || settings.Minute > 59 {
		return fmt.Errorf("schedule out of range: %02d:%02d", settings.Hour, settings.Minute)
	}
	return s.SetSetting(ctx, scheduleSettingsKey, settings)
}

// GetPipelineSettings loads the pipeline tuning, falling back to the given
// defaults when the row is absent. Absent fields inherit the defaults.
func (s *Store) GetPipelineSettings(ctx context.Context, defaults PipelineSettings) (PipelineSettings, error) {
	raw, ok, err := s.GetSetting(ctx, pipelineSettingsKey)
	if err != nil {
		return defaults, err
	}
	if !ok {
		return defaults, nil
	}
	out := defaults
	if err := json.Unmarshal(raw, &out); err != nil {
		return defaults, fmt.Errorf("decode %s: %w", pipelineSettingsKey, err)
	}
	return out, nil
}

// SetPipelineSettings persists the pipeline tuning.
func (s *Store) SetPipelineSettings(ctx context.Context, settings PipelineSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.SetSetting(ctx, pipelineSettingsKey, settings)
}
