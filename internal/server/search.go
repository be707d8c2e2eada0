package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/search"
)

type SearchHandler struct {
	Index *search.Index
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.GET("", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index disabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-100")
		}
		limit = n
	}
	hits, err := h.Index.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out := make([]SearchHitResponse, 0, len(hits))
	for _, hit := range hits {
		out = append(out, SearchHitResponse{
			ItemID:  hit.ItemID,
			Title:   hit.Title,
			Section: hit.Section,
			URL:     hit.URL,
			Score:   hit.Score,
		})
	}
	return c.JSON(http.StatusOK, out)
}
