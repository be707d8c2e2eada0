package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/store"
)

type BriefsHandler struct {
	Store *store.Store
}

func (h *BriefsHandler) Register(g *echo.Group) {
	g.GET("/:date", h.get)
}

// get returns the brief for a date. A failed run may still have sections
// from before the failure; they are returned with the run status so the
// caller can tell a partial brief from a finished one.
func (h *BriefsHandler) get(c echo.Context) error {
	date := c.Param("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	ctx := c.Request().Context()
	run, ok, err := h.Store.GetRunByDate(ctx, date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no brief for date")
	}
	sections, err := h.Store.ListBriefSections(ctx, run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := BriefResponse{
		RunDate:          run.RunDate,
		Status:           run.Status,
		DegradationLevel: run.DegradationLevel,
		Sections:         make([]BriefSectionResponse, 0, len(sections)),
	}
	for _, s := range sections {
		resp.Sections = append(resp.Sections, BriefSectionResponse{
			Section:    s.Section,
			Body:       s.Body,
			Extractive: s.Extractive,
			TokensUsed: s.TokensUsed,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
