package settings

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/validation/internal/domain/validation"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/settings", h.Get)
	g.PUT("/settings", h.Put)
	g.GET("/settings/hash", h.GetHash)
}

func (h *Handler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Current())
}

// Put replaces the settings. The response carries the stored settings with
// defaults filled in.
func (h *Handler) Put(c echo.Context) error {
	var s validation.Settings
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.store.Update(c.Request().Context(), &s)
	if errors.Is(err, validation.ErrConfiguration) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) GetHash(c echo.Context) error {
	s := h.store.Current()
	return c.JSON(http.StatusOK, map[string]any{
		"hash":    s.Hash(),
		"version": s.Version,
	})
}
