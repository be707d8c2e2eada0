package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/store"
)

type BudgetHandler struct {
	Store   *store.Store
	Gateway *budget.Gateway
	Daily   int64
}

func (h *BudgetHandler) Register(g *echo.Group) {
	g.GET("", h.status)
	g.GET("/ledger", h.ledger)
}

func (h *BudgetHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	tokens, cost, err := h.Store.SpentSince(ctx, dayStart)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	remaining, err := h.Gateway.Remaining(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	level, err := h.Gateway.Level(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, BudgetStatusResponse{
		DailyTokens:      h.Daily,
		TokensSpent:      tokens,
		TokensRemaining:  remaining,
		CostUSD:          cost,
		DegradationLevel: level,
	})
}

func (h *BudgetHandler) ledger(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-1000")
		}
		limit = n
	}
	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if raw := c.QueryParam("since"); raw != "" {
		ts, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be YYYY-MM-DD")
		}
		since = ts
	}
	calls, err := h.Store.ListCalls(c.Request().Context(), since, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, calls)
}
