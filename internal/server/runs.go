package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/pipeline"
	"github.com/signalbrief/briefd/internal/store"
)

// Runner is the orchestrator surface the API needs.
type Runner interface {
	Run(ctx context.Context, runDate string, force bool) (store.RunRecord, error)
}

type RunsHandler struct {
	Store  *store.Store
	Runner Runner
	Logger *log.Logger
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.GET("", h.list)
	g.GET("/:date", h.get)
	g.POST("/trigger", h.trigger)
}

func (h *RunsHandler) list(c echo.Context) error {
	limit := 30
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-365")
		}
		limit = n
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) get(c echo.Context) error {
	date := c.Param("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	run, ok, err := h.Store.GetRunByDate(c.Request().Context(), date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no run for date")
	}
	return c.JSON(http.StatusOK, runResponse(run))
}

// trigger claims the date's run and executes the pipeline in the
// background. The claim itself is synchronous so concurrent triggers get a
// clean conflict instead of a duplicate run.
func (h *RunsHandler) trigger(c echo.Context) error {
	var req TriggerRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date := req.Date
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	run, ok, err := h.Store.GetRunByDate(c.Request().Context(), date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if ok {
		switch run.Status {
		case store.RunStatusRunning, store.RunStatusGenerating:
			return echo.NewHTTPError(http.StatusConflict, pipeline.ErrRunInProgress.Error())
		case store.RunStatusComplete:
			if !req.Force {
				return echo.NewHTTPError(http.StatusConflict, pipeline.ErrRunComplete.Error())
			}
		}
	}

	go func(date string, force bool) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := h.Runner.Run(ctx, date, force); err != nil {
			h.logf("triggered run %s failed: %v", date, err)
		}
	}(date, req.Force)

	return c.JSON(http.StatusAccepted, map[string]string{"run_date": date, "status": "triggered"})
}

func (h *RunsHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func runResponse(r store.RunRecord) RunResponse {
	return RunResponse{
		ID:               r.ID,
		RunDate:          r.RunDate,
		Status:           r.Status,
		DegradationLevel: r.DegradationLevel,
		TokensSpent:      r.TokensSpent,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}
