package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"

	"github.com/signalbrief/briefd/internal/health"
	"github.com/signalbrief/briefd/internal/store"
)

type SourcesHandler struct {
	Store *store.Store
}

func (h *SourcesHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/health", h.health)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.remove)
}

func (h *SourcesHandler) list(c echo.Context) error {
	sources, err := h.Store.ListSources(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SourceResponse, 0, len(sources))
	for _, s := range sources {
		out = append(out, sourceResponse(s))
	}
	return c.JSON(http.StatusOK, out)
}

// health reports every source with its breaker classification.
func (h *SourcesHandler) health(c echo.Context) error {
	sources, err := h.Store.ListSources(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	now := time.Now()
	out := make([]SourceHealthResponse, 0, len(sources))
	for _, s := range sources {
		out = append(out, SourceHealthResponse{
			SourceResponse: sourceResponse(s),
			Status:         string(health.Classify(s, now)),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SourcesHandler) create(c echo.Context) error {
	var req SourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validateSource(req); err != nil {
		return err
	}
	rec := store.SourceRecord{
		Name:       req.Name,
		Kind:       "rss",
		URL:        req.FeedURL,
		Section:    req.Section,
		Region:     req.Region,
		TrustScore: req.TrustScore,
		Enabled:    true,
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	created, err := h.Store.CreateSource(c.Request().Context(), rec)
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return echo.NewHTTPError(http.StatusConflict, "feed url already registered")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sourceResponse(created))
}

func (h *SourcesHandler) get(c echo.Context) error {
	id, err := sourceID(c)
	if err != nil {
		return err
	}
	src, ok, err := h.Store.GetSource(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	return c.JSON(http.StatusOK, sourceResponse(src))
}

func (h *SourcesHandler) update(c echo.Context) error {
	id, err := sourceID(c)
	if err != nil {
		return err
	}
	var req SourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validateSource(req); err != nil {
		return err
	}
	src, ok, err := h.Store.GetSource(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	src.Name = req.Name
	src.URL = req.FeedURL
	src.Section = req.Section
	src.Region = req.Region
	src.TrustScore = req.TrustScore
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if err := h.Store.UpdateSource(c.Request().Context(), src); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sourceResponse(src))
}

func (h *SourcesHandler) remove(c echo.Context) error {
	id, err := sourceID(c)
	if err != nil {
		return err
	}
	if err := h.Store.DeleteSource(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func sourceID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid source id")
	}
	return id, nil
}

func validateSource(req SourceRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if !strings.HasPrefix(req.FeedURL, "http://") && !strings.HasPrefix(req.FeedURL, "https://") {
		return echo.NewHTTPError(http.StatusBadRequest, "feed_url must be http(s)")
	}
	if strings.TrimSpace(req.Section) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "section is required")
	}
	if req.TrustScore < 0 || req.TrustScore > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "trust_score must be within [0,1]")
	}
	return nil
}

func sourceResponse(s store.SourceRecord) SourceResponse {
	resp := SourceResponse{
		ID:                  s.ID,
		Name:                s.Name,
		FeedURL:             s.URL,
		Section:             s.Section,
		Region:              s.Region,
		TrustScore:          s.TrustScore,
		Enabled:             s.Enabled,
		ConsecutiveFailures: s.ConsecutiveFailures,
		DisabledUntil:       s.DisabledUntil,
		LastError:           s.LastError,
		LastSuccessAt:       s.LastSuccessAt,
	}
	if s.AvgLatencyMS != nil {
		resp.AvgLatencyMs = *s.AvgLatencyMS
	}
	return resp
}
