package config

import (
	"testing"

	"github.com/spf13/viper"
)

func defaultsConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	if len(cfg.Budget.SectionFractions) == 0 {
		cfg.Budget.SectionFractions = DefaultSectionFractions
	}
	return &cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultsConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Budget.DailyTokens != 100_000 {
		t.Fatalf("daily_tokens default = %d, want 100000", cfg.Budget.DailyTokens)
	}
	if cfg.Health.FailureThreshold != 3 || cfg.Health.DisableMinutes != 180 {
		t.Fatalf("unexpected health defaults: %+v", cfg.Health)
	}
	if cfg.Cluster.MaxClusters != 15 || cfg.Cluster.DistanceThreshold != 0.35 {
		t.Fatalf("unexpected cluster defaults: %+v", cfg.Cluster)
	}
	if cfg.Normalize.Renderer != "http" {
		t.Fatalf("renderer default = %q, want http", cfg.Normalize.Renderer)
	}
}

func TestDefaultSectionsPartitionGeneralNews(t *testing.T) {
	regions := map[string]string{}
	for _, s := range DefaultSections {
		if s.Source == "general_news" {
			regions[s.Key] = s.Region
		}
	}
	want := map[string]string{
		"general_news_us":          "us",
		"general_news_india":       "india",
		"general_news_geopolitics": "global",
	}
	for key, region := range want {
		if regions[key] != region {
			t.Fatalf("section %q region = %q, want %q", key, regions[key], region)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultsConfig(t)
	cfg.Health.LatencyAlpha = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for latency_alpha out of range")
	}

	cfg = defaultsConfig(t)
	cfg.Scheduler.Hour = 24
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for scheduler hour out of range")
	}

	cfg = defaultsConfig(t)
	cfg.Budget.SectionFractions = map[string]float64{"market": 1.2}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for section fraction out of range")
	}

	cfg = defaultsConfig(t)
	cfg.Normalize.Renderer = "phantomjs"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown renderer")
	}

	cfg = defaultsConfig(t)
	cfg.Sections = []SectionConfig{{Source: "general_news"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for section without key")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{URL: "postgres://u:p@db:5432/briefd?sslmode=disable"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if dsn != p.URL {
		t.Fatalf("DSN = %q, want url passthrough", dsn)
	}

	p = PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "briefd"}
	dsn, err = p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://u:p@db:5432/briefd?sslmode=disable"
	if dsn != want {
		t.Fatalf("DSN = %q, want %q", dsn, want)
	}

	p = PostgresConfig{}
	if _, err := p.DSN(); err == nil {
		t.Fatal("expected error for empty postgres config")
	}
}

func TestRedisAddr(t *testing.T) {
	if addr := (RedisConfig{}).Addr(); addr != "" {
		t.Fatalf("empty redis config should produce empty addr, got %q", addr)
	}
	if addr := (RedisConfig{Host: "cache"}).Addr(); addr != "cache:6379" {
		t.Fatalf("addr = %q, want cache:6379", addr)
	}
}
