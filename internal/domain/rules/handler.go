package rules

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/validation/internal/platform/audit"
	"github.com/ehr/validation/pkg/pagination"
)

// ActorHeader names the caller recorded on audit events.
const ActorHeader = "X-Actor"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/rules")
	g.GET("", h.ListRules)
	g.POST("", h.CreateRule)
	g.GET("/:id", h.GetRule)
	g.PUT("/:id", h.UpdateRule)
	g.DELETE("/:id", h.DeleteRule)
	g.GET("/:id/history", h.GetHistory)
	g.POST("/:id/rollback/:snapshotId", h.Rollback)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var in RuleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Create(withActor(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// ListRules handles GET /api/v1/rules?resourceType=&category=&includeDeleted=
func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	includeDeleted, _ := strconv.ParseBool(c.QueryParam("includeDeleted"))
	items, total, err := h.svc.List(c.Request().Context(), ListFilter{
		ResourceType:   c.QueryParam("resourceType"),
		Category:       c.QueryParam("category"),
		IncludeDeleted: includeDeleted,
		Limit:          pg.Limit,
		Offset:         pg.Offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in RuleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Update(withActor(c), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(withActor(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	snaps, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snaps)
}

func (h *Handler) Rollback(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	snapID, err := uuid.Parse(c.Param("snapshotId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot id")
	}
	r, err := h.svc.Rollback(withActor(c), id, snapID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func withActor(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if actor := c.Request().Header.Get(ActorHeader); actor != "" {
		ctx = audit.WithActor(ctx, actor)
	}
	return ctx
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRuleDeleted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidExpression),
		errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrSnapshotMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
