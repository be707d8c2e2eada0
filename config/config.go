// Package config loads and validates briefd configuration from file and
// environment. Values that operators may change between runs (pipeline
// schedule, budget fractions, health tuning) also live in the
// system_settings table and are re-read by the pipeline on every run;
// this package only provides the boot-time defaults for those.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the briefd services.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Health    HealthConfig    `mapstructure:"health"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Search    SearchConfig    `mapstructure:"search"`
	Sections  []SectionConfig `mapstructure:"sections"`
}

// SectionConfig names one brief section. Key is the budget and storage key;
// Source is the item section it draws from (defaults to Key); Region, when
// set, restricts it to sources in that region, which is how general news is
// partitioned into regional sections.
type SectionConfig struct {
	Key    string `mapstructure:"key"`
	Source string `mapstructure:"source"`
	Region string `mapstructure:"region"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains the optional Redis connection used for the
// scheduler's distributed trigger lock. Leaving Host empty disables it.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// LLMConfig configures the metered synthesis/embedding provider.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	return nil
}

// BudgetConfig defines the daily token budget and per-section fractions.
type BudgetConfig struct {
	DailyTokens      int64              `mapstructure:"daily_tokens"`
	DailyCostUSD     float64            `mapstructure:"daily_cost_usd"`
	SectionFractions map[string]float64 `mapstructure:"section_fractions"`
}

func (b BudgetConfig) Validate() error {
	if b.DailyTokens < 0 {
		return fmt.Errorf("budget.daily_tokens cannot be negative")
	}
	for section, frac := range b.SectionFractions {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("budget.section_fractions.%s must be within [0,1]", section)
		}
	}
	return nil
}

// FetchConfig bounds the fetch coordinator.
type FetchConfig struct {
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NormalizeConfig bounds the content normalizer. Renderer picks the page
// extractor: "http" fetches raw HTML, "chrome" drives headless Chrome for
// pages that only render with JavaScript.
type NormalizeConfig struct {
	Workers        int    `mapstructure:"workers"`
	BatchSize      int    `mapstructure:"batch_size"`
	MaxItemsPerRun int    `mapstructure:"max_items_per_run"`
	Renderer       string `mapstructure:"renderer"`
}

func (n NormalizeConfig) Validate() error {
	switch n.Renderer {
	case "", "http", "chrome":
		return nil
	}
	return fmt.Errorf("normalize.renderer must be http or chrome, got %q", n.Renderer)
}

// ClusterConfig tunes dedup and clustering.
type ClusterConfig struct {
	HammingThreshold  int     `mapstructure:"hamming_threshold"`
	DistanceThreshold float64 `mapstructure:"distance_threshold"`
	MaxClusters       int     `mapstructure:"max_clusters"`
}

// HealthConfig tunes the source circuit breaker. These are defaults;
// system_settings overrides take effect on the next run.
type HealthConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	DisableMinutes   int     `mapstructure:"disable_minutes"`
	LatencyAlpha     float64 `mapstructure:"latency_alpha"`
}

func (h HealthConfig) Validate() error {
	if h.LatencyAlpha < 0 || h.LatencyAlpha > 1 {
		return fmt.Errorf("health.latency_alpha must be within [0,1]")
	}
	return nil
}

// SchedulerConfig holds the boot-time pipeline schedule defaults.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Hour     int    `mapstructure:"hour"`
	Minute   int    `mapstructure:"minute"`
	Timezone string `mapstructure:"timezone"`
	Cron     string `mapstructure:"cron"`
}

func (s SchedulerConfig) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("scheduler.hour must be between 0 and 23")
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("scheduler.minute must be between 0 and 59")
	}
	return nil
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// SearchConfig controls the item search index.
type SearchConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultSectionFractions is the section budget split used when no
// override is configured.
var DefaultSectionFractions = map[string]float64{
	"general_news_us":          0.12,
	"general_news_india":       0.08,
	"general_news_geopolitics": 0.08,
	"market":                   0.14,
	"ai_news":                  0.11,
	"science":                  0.07,
	"health":                   0.06,
	"feel_good":                0.04,
}

// DefaultSections is the standard brief roster. General news is split by
// source region; the remaining sections draw items by their own key.
var DefaultSections = []SectionConfig{
	{Key: "general_news_us", Source: "general_news", Region: "us"},
	{Key: "general_news_india", Source: "general_news", Region: "india"},
	{Key: "general_news_geopolitics", Source: "general_news", Region: "global"},
	{Key: "market"},
	{Key: "ai_news"},
	{Key: "science"},
	{Key: "health"},
	{Key: "feel_good"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "INFO")
	v.SetDefault("general.run_timeout", 30*time.Minute)
	v.SetDefault("general.stage_timeout", 10*time.Minute)
	v.SetDefault("general.default_timeout", 30*time.Second)

	v.SetDefault("server.address", ":10010")

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("budget.daily_tokens", 100_000)
	v.SetDefault("budget.daily_cost_usd", 1.00)

	v.SetDefault("fetch.workers", 8)
	v.SetDefault("fetch.timeout", 30*time.Second)

	v.SetDefault("normalize.workers", 10)
	v.SetDefault("normalize.batch_size", 20)
	v.SetDefault("normalize.max_items_per_run", 100)
	v.SetDefault("normalize.renderer", "http")

	v.SetDefault("cluster.hamming_threshold", 3)
	v.SetDefault("cluster.distance_threshold", 0.35)
	v.SetDefault("cluster.max_clusters", 15)

	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.disable_minutes", 180)
	v.SetDefault("health.latency_alpha", 0.30)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.hour", 5)
	v.SetDefault("scheduler.minute", 30)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 9464)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.path", "")
}

// LoadConfig reads configuration from the given path (or the working
// directory when empty), overlaying BRIEFD_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("BRIEFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Budget.SectionFractions) == 0 {
		cfg.Budget.SectionFractions = DefaultSectionFractions
	}
	if len(cfg.Sections) == 0 {
		cfg.Sections = DefaultSections
	}
	for i := range cfg.Sections {
		if cfg.Sections[i].Source == "" {
			cfg.Sections[i].Source = cfg.Sections[i].Key
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs all section validators.
func (c *Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if err := c.Normalize.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	for _, section := range c.Sections {
		if strings.TrimSpace(section.Key) == "" {
			return fmt.Errorf("sections entries need a key")
		}
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}
