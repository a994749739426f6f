package clinic

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opdflow/opdflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated clinic endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistration, auth.RoleNursing))
	read.GET("/clinics", h.ListClinics)
	read.GET("/clinics/:code", h.GetClinic)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/clinics", h.CreateClinic)
	admin.PUT("/clinics/:code", h.UpdateClinic)
	admin.POST("/clinics/:code/activate", h.ActivateClinic)
	admin.DELETE("/clinics/:code", h.DeactivateClinic)
}

// RegisterPublicRoutes mounts the clinic list used by kiosks and boards.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.GET("/clinics/public", h.ListClinics)
}

func (h *Handler) ListClinics(c echo.Context) error {
	activeOnly := true
	if v := c.QueryParam("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active_only")
		}
		activeOnly = b
	}
	list, err := h.svc.List(c.Request().Context(), activeOnly)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if list == nil {
		list = []*Clinic{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) GetClinic(c echo.Context) error {
	cl, err := h.svc.Get(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) CreateClinic(c echo.Context) error {
	var cl Clinic
	if err := c.Bind(&cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &cl); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) UpdateClinic(c echo.Context) error {
	var u Update
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.Update(c.Request().Context(), c.Param("code"), u)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ActivateClinic(c echo.Context) error {
	cl, err := h.svc.Activate(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": fmt.Sprintf("OPD %s has been activated", cl.Name),
	})
}

func (h *Handler) DeactivateClinic(c echo.Context) error {
	cl, err := h.svc.Deactivate(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": fmt.Sprintf("OPD %s has been deactivated", cl.Name),
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
