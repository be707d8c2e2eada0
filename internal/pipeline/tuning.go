package pipeline

import (
	"context"
	"time"

	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/health"
	"github.com/signalbrief/briefd/internal/store"
)

// TuningStore reads the operator-editable tuning row.
type TuningStore interface {
	GetPipelineSettings(ctx context.Context, defaults store.PipelineSettings) (store.PipelineSettings, error)
}

// Reloader re-reads pipeline tuning from system_settings and pushes it into
// the health tracker and budget gateway. The orchestrator applies it at the
// start of every run, so edits land without a restart.
type Reloader struct {
	Store    TuningStore
	Tracker  *health.Tracker
	Gateway  *budget.Gateway
	Defaults store.PipelineSettings
}

// Apply loads the current tuning and reconfigures the tracker and gateway.
func (r *Reloader) Apply(ctx context.Context) error {
	settings, err := r.Store.GetPipelineSettings(ctx, r.Defaults)
	if err != nil {
		return err
	}
	if r.Tracker != nil {
		r.Tracker.Reconfigure(health.Config{
			FailureThreshold: settings.FailureThreshold,
			DisableFor:       time.Duration(settings.DisableMinutes) * time.Minute,
			LatencyAlpha:     settings.LatencyAlpha,
		})
	}
	if r.Gateway != nil {
		if err := r.Gateway.Reconfigure(settings.SectionFractions); err != nil {
			return err
		}
	}
	return nil
}
