package server

import "time"

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// SourceRequest creates or updates a feed source.
type SourceRequest struct {
	Name       string  `json:"name"`
	FeedURL    string  `json:"feed_url"`
	Section    string  `json:"section"`
	Region     string  `json:"region,omitempty"`
	TrustScore float64 `json:"trust_score"`
	Enabled    *bool   `json:"enabled,omitempty"`
}

// SourceResponse is the API view of a source, health fields included.
type SourceResponse struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	FeedURL             string     `json:"feed_url"`
	Section             string     `json:"section"`
	Region              string     `json:"region,omitempty"`
	TrustScore          float64    `json:"trust_score"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
}

// SourceHealthResponse pairs a source with its breaker classification.
type SourceHealthResponse struct {
	SourceResponse
	Status string `json:"status"`
}

// RunResponse is the API view of a pipeline run.
type RunResponse struct {
	ID               int64      `json:"id"`
	RunDate          string     `json:"run_date"`
	Status           string     `json:"status"`
	DegradationLevel int        `json:"degradation_level"`
	TokensSpent      int64      `json:"tokens_spent"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// TriggerRunRequest asks for a pipeline run.
type TriggerRunRequest struct {
	Date  string `json:"date,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// BriefSectionResponse is one section of a daily brief.
type BriefSectionResponse struct {
	Section    string `json:"section"`
	Body       string `json:"body"`
	Extractive bool   `json:"extractive"`
	TokensUsed int64  `json:"tokens_used"`
}

// BriefResponse is a full daily brief.
type BriefResponse struct {
	RunDate          string                 `json:"run_date"`
	Status           string                 `json:"status"`
	DegradationLevel int                    `json:"degradation_level"`
	Sections         []BriefSectionResponse `json:"sections"`
}

// FeedbackRequest records a reader action against an item, source, or
// entity.
type FeedbackRequest struct {
	ItemID   *int64 `json:"item_id,omitempty"`
	SourceID *int64 `json:"source_id,omitempty"`
	Entity   string `json:"entity,omitempty"`
	Action   string `json:"action"`
}

// InsightRequest records a deliberate interest signal for an entity.
type InsightRequest struct {
	Entity string  `json:"entity"`
	Weight float64 `json:"weight,omitempty"`
}

// ScheduleRequest updates the pipeline schedule.
type ScheduleRequest struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Hour     *int    `json:"hour,omitempty"`
	Minute   *int    `json:"minute,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
}

// PipelineSettingsRequest updates the hot-reloadable pipeline tuning.
type PipelineSettingsRequest struct {
	FailureThreshold *int               `json:"failure_threshold,omitempty"`
	DisableMinutes   *int               `json:"disable_minutes,omitempty"`
	LatencyAlpha     *float64           `json:"latency_alpha,omitempty"`
	SectionFractions map[string]float64 `json:"section_fractions,omitempty"`
}

// BudgetStatusResponse reports today's spend against the daily budget.
type BudgetStatusResponse struct {
	DailyTokens      int64   `json:"daily_tokens"`
	TokensSpent      int64   `json:"tokens_spent"`
	TokensRemaining  int64   `json:"tokens_remaining"`
	CostUSD          float64 `json:"cost_usd"`
	DegradationLevel int     `json:"degradation_level"`
}

// SearchHitResponse is one search result.
type SearchHitResponse struct {
	ItemID  int64   `json:"item_id"`
	Title   string  `json:"title"`
	Section string  `json:"section"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}
