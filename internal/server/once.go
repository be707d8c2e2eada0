package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"

	appconfig "github.com/signalbrief/briefd/config"
	"github.com/signalbrief/briefd/internal/pipeline"
	"github.com/signalbrief/briefd/internal/store"
)

// RunOnce executes a single pipeline run and exits. Used by the CLI for
// manual and cron-driven runs outside the API server.
func RunOnce(ctx context.Context, cfg *appconfig.Config, date string, force bool) error {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.DB.Close()

	orch, _, index, err := buildPipeline(cfg, st, otel.Meter("briefd"), otel.Tracer("briefd"))
	if err != nil {
		return err
	}
	if index != nil {
		defer index.Close()
	}

	run, err := orch.Run(ctx, date, force)
	if errors.Is(err, pipeline.ErrRunComplete) {
		log.Printf("run %s already complete (use --force to re-run)", date)
		return nil
	}
	if errors.Is(err, pipeline.ErrRunInProgress) {
		return fmt.Errorf("run %s already in progress", date)
	}
	if err != nil {
		return err
	}
	log.Printf("run %s finished: status=%s degradation=%d tokens=%d",
		date, run.Status, run.DegradationLevel, run.TokensSpent)
	return nil
}
