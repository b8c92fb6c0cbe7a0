package provider

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
	"github.com/claimsgate/claimsgate/pkg/pagination"
)

type Handler struct {
	svc *Registry
}

func NewHandler(svc *Registry) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleOperator))
	read.GET("/providers", h.ListProviders)
	read.GET("/providers/:id", h.GetProvider)

	write := api.Group("", auth.RequireRole(auth.RoleOperator))
	write.POST("/providers", h.CreateProvider)
	write.PATCH("/providers/:id", h.UpdateProvider)
	write.POST("/providers/:id/test", h.TestConnection)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/providers/:id", h.DeleteProvider)
}

func (h *Handler) CreateProvider(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Create(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p.View())
}

func (h *Handler) GetProvider(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p.View())
}

func (h *Handler) ListProviders(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:      Status(c.QueryParam("status")),
		Environment: c.QueryParam("environment"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	views := make([]*View, 0, len(items))
	for _, p := range items {
		views = append(views, p.View())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateProvider(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Update(c.Request().Context(), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p.View())
}

func (h *Handler) DeleteProvider(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var override *TestRequest
	if c.Request().ContentLength > 0 {
		var req TestRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if req.Username != nil || req.Password != nil {
			override = &req
		}
	}
	result, err := h.svc.TestConnection(c.Request().Context(), id, override)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInUse), errors.Is(err, ErrStatusChanged):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case claimerr.IsKind(err, claimerr.KindValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
