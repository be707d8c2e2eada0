package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/store"
)

type SettingsHandler struct {
	Store          *store.Store
	Defaults       store.ScheduleSettings
	TuningDefaults store.PipelineSettings
}

func (h *SettingsHandler) Register(g *echo.Group) {
	g.GET("/schedule", h.getSchedule)
	g.PUT("/schedule", h.putSchedule)
	g.GET("/pipeline", h.getPipeline)
	g.PUT("/pipeline", h.putPipeline)
}

func (h *SettingsHandler) getSchedule(c echo.Context) error {
	settings, err := h.Store.GetScheduleSettings(c.Request().Context(), h.Defaults)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

// putSchedule merges the patch into the stored schedule. The scheduler
// re-reads settings every tick, so changes take effect without a restart.
func (h *SettingsHandler) putSchedule(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	settings, err := h.Store.GetScheduleSettings(ctx, h.Defaults)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.Hour != nil {
		settings.Hour = *req.Hour
	}
	if req.Minute != nil {
		settings.Minute = *req.Minute
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown timezone")
		}
		settings.Timezone = *req.Timezone
	}
	if err := h.Store.SetScheduleSettings(ctx, settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

func (h *SettingsHandler) getPipeline(c echo.Context) error {
	settings, err := h.Store.GetPipelineSettings(c.Request().Context(), h.TuningDefaults)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

// putPipeline merges the patch into the stored tuning. The orchestrator
// re-reads it at the start of every run, so changes land without a restart.
func (h *SettingsHandler) putPipeline(c echo.Context) error {
	var req PipelineSettingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	settings, err := h.Store.GetPipelineSettings(ctx, h.TuningDefaults)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if req.FailureThreshold != nil {
		settings.FailureThreshold = *req.FailureThreshold
	}
	if req.DisableMinutes != nil {
		settings.DisableMinutes = *req.DisableMinutes
	}
	if req.LatencyAlpha != nil {
		settings.LatencyAlpha = *req.LatencyAlpha
	}
	if req.SectionFractions != nil {
		settings.SectionFractions = req.SectionFractions
	}
	if err := h.Store.SetPipelineSettings(ctx, settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}
