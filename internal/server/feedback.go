package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/signalbrief/briefd/internal/runtime"
	"github.com/signalbrief/briefd/internal/store"
)

type FeedbackHandler struct {
	Store *store.Store
}

func (h *FeedbackHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.POST("/insights", h.insight)
}

func (h *FeedbackHandler) create(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.Action {
	case store.FeedbackUpvote, store.FeedbackDownvote, store.FeedbackMuteEntity, store.FeedbackMuteSource, store.FeedbackSave:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action")
	}
	if req.Action == store.FeedbackMuteEntity && strings.TrimSpace(req.Entity) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mute_entity requires an entity")
	}
	if req.Action == store.FeedbackMuteSource && req.SourceID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "mute_source requires a source_id")
	}
	if req.ItemID == nil && req.SourceID == nil && strings.TrimSpace(req.Entity) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "item_id, source_id or entity is required")
	}

	rec := store.FeedbackRecord{
		ItemID:   req.ItemID,
		SourceID: req.SourceID,
		Action:   req.Action,
		Entity:   strings.TrimSpace(req.Entity),
	}
	if uid, ok := runtime.UserIDFromContext(c.Request().Context()); ok {
		rec.UserID = &uid
	}
	id, err := h.Store.InsertFeedback(c.Request().Context(), rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func (h *FeedbackHandler) insight(c echo.Context) error {
	var req InsightRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entity := strings.TrimSpace(req.Entity)
	if entity == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity is required")
	}
	weight := req.Weight
	if weight <= 0 {
		weight = 1.0
	}
	var userID *int64
	if uid, ok := runtime.UserIDFromContext(c.Request().Context()); ok {
		userID = &uid
	}
	id, err := h.Store.InsertInsight(c.Request().Context(), userID, entity, weight)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}
