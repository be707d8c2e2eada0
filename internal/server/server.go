package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	appconfig "github.com/signalbrief/briefd/config"
	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/cluster"
	"github.com/signalbrief/briefd/internal/extract"
	"github.com/signalbrief/briefd/internal/fetch"
	"github.com/signalbrief/briefd/internal/health"
	"github.com/signalbrief/briefd/internal/llm"
	"github.com/signalbrief/briefd/internal/normalize"
	"github.com/signalbrief/briefd/internal/pipeline"
	"github.com/signalbrief/briefd/internal/runtime"
	"github.com/signalbrief/briefd/internal/search"
	"github.com/signalbrief/briefd/internal/store"
)

// Run wires the full service and serves the API until the listener stops.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "briefd",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	orch, gateway, index, err := buildPipeline(cfg, st, meter, tracer)
	if err != nil {
		return err
	}
	if index != nil {
		defer index.Close()
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware([]byte(secret)))

	runsLogger := log.New(log.Writer(), "[RUNS] ", log.LstdFlags)
	rh := &RunsHandler{Store: st, Runner: orch, Logger: runsLogger}
	rh.Register(protected.Group("/runs"), []byte(secret))

	(&BriefsHandler{Store: st}).Register(protected.Group("/briefs"))
	(&SourcesHandler{Store: st}).Register(protected.Group("/sources"))
	(&FeedbackHandler{Store: st}).Register(protected.Group("/feedback"))

	scheduleDefaults := store.ScheduleSettings{
		Enabled:  cfg.Scheduler.Enabled,
		Hour:     cfg.Scheduler.Hour,
		Minute:   cfg.Scheduler.Minute,
		Timezone: cfg.Scheduler.Timezone,
	}
	fractions := cfg.Budget.SectionFractions
	if len(fractions) == 0 {
		fractions = appconfig.DefaultSectionFractions
	}
	(&SettingsHandler{
		Store:          st,
		Defaults:       scheduleDefaults,
		TuningDefaults: tuningDefaults(cfg, fractions),
	}).Register(protected.Group("/settings"))
	(&BudgetHandler{Store: st, Gateway: gateway, Daily: cfg.Budget.DailyTokens}).Register(protected.Group("/budget"))
	(&SearchHandler{Index: index}).Register(protected.Group("/search"))

	var rdb *redis.Client
	if redisAddr := cfg.Storage.Redis.Addr(); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", redisAddr, err)
		}
	}
	sched := &Scheduler{
		Store:    st,
		Runner:   orch,
		Rdb:      rdb,
		Defaults: scheduleDefaults,
		Cron:     cfg.Scheduler.Cron,
		Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		Stop:     make(chan struct{}),
	}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// buildPipeline assembles the run orchestrator and its collaborators from
// the application config.
func buildPipeline(cfg *appconfig.Config, st *store.Store, meter otelmetric.Meter, tracer trace.Tracer) (*pipeline.Orchestrator, *budget.Gateway, *search.Index, error) {
	fractions := cfg.Budget.SectionFractions
	if len(fractions) == 0 {
		fractions = appconfig.DefaultSectionFractions
	}
	gateway, err := budget.NewGateway(st, budget.Config{
		DailyTokens:      cfg.Budget.DailyTokens,
		DailyCostUSD:     cfg.Budget.DailyCostUSD,
		SectionFractions: fractions,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := gateway.InstrumentWith(meter); err != nil {
		return nil, nil, nil, err
	}

	var provider llm.Client
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewOpenAIClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		provider = client
	}

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		DisableFor:       time.Duration(cfg.Health.DisableMinutes) * time.Minute,
		LatencyAlpha:     cfg.Health.LatencyAlpha,
	})
	fetchLogger := log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	coordinator := fetch.NewCoordinator(st, fetch.NewFeedFetcher(cfg.Fetch.Timeout), tracker, cfg.Fetch.Workers, fetchLogger)

	var extractor extract.Extractor = extract.NewHTTPExtractor(cfg.Fetch.Timeout)
	if cfg.Normalize.Renderer == "chrome" {
		extractor = extract.NewChromeExtractor(cfg.Fetch.Timeout)
	}
	normLogger := log.New(log.Writer(), "[NORM] ", log.LstdFlags)
	normalizer := normalize.New(st, extractor, normalize.Config{
		Workers:        cfg.Normalize.Workers,
		MaxItemsPerRun: cfg.Normalize.MaxItemsPerRun,
	}, normLogger)

	engine := cluster.NewEngine(cluster.Config{
		HammingThreshold:  cfg.Cluster.HammingThreshold,
		DistanceThreshold: cfg.Cluster.DistanceThreshold,
		MaxClusters:       cfg.Cluster.MaxClusters,
	})

	var index *search.Index
	if cfg.Search.Enabled {
		index, err = search.Open(cfg.Search.Path)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	metrics, err := pipeline.NewMetrics(meter)
	if err != nil {
		return nil, nil, nil, err
	}
	tuner := &pipeline.Reloader{
		Store:    st,
		Tracker:  tracker,
		Gateway:  gateway,
		Defaults: tuningDefaults(cfg, fractions),
	}

	pipeLogger := log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	var indexer pipeline.Indexer
	if index != nil {
		indexer = index
	}
	orch := pipeline.New(st, coordinator, normalizer, engine, gateway, provider, indexer, pipeline.Config{
		Sections:     sectionSpecs(cfg.Sections),
		StageTimeout: cfg.General.StageTimeout,
		Tuner:        tuner,
		Metrics:      metrics,
		Tracer:       tracer,
	}, pipeLogger)
	return orch, gateway, index, nil
}

func sectionSpecs(sections []appconfig.SectionConfig) []pipeline.SectionSpec {
	if len(sections) == 0 {
		sections = appconfig.DefaultSections
	}
	specs := make([]pipeline.SectionSpec, 0, len(sections))
	for _, s := range sections {
		specs = append(specs, pipeline.SectionSpec{Key: s.Key, Source: s.Source, Region: s.Region})
	}
	return specs
}

func tuningDefaults(cfg *appconfig.Config, fractions map[string]float64) store.PipelineSettings {
	return store.PipelineSettings{
		FailureThreshold: cfg.Health.FailureThreshold,
		DisableMinutes:   cfg.Health.DisableMinutes,
		LatencyAlpha:     cfg.Health.LatencyAlpha,
		SectionFractions: fractions,
	}
}
