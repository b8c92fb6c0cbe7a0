package auditlog

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleOperator))
	read.GET("/logs", h.ListLogs)
	read.GET("/jobs/:id/logs", h.ListJobLogs)
}

func (h *Handler) ListLogs(c echo.Context) error {
	f := Filter{
		Level:     Level(c.QueryParam("level")),
		Operation: c.QueryParam("operation"),
	}
	if v := c.QueryParam("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid job_id")
		}
		f.JobID = &id
	}
	if v := c.QueryParam("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &id
	}
	return h.list(c, f)
}

func (h *Handler) ListJobLogs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return h.list(c, Filter{JobID: &id})
}

func (h *Handler) list(c echo.Context, f Filter) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		if f.Level != "" && !f.Level.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
