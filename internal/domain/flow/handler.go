package flow

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opdflow/opdflow/internal/platform/auth"
	"github.com/opdflow/opdflow/pkg/pagination"
)

const defaultWaitingListLimit = 10

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistration, auth.RoleNursing))
	read.GET("/patients/referred", h.ListReferred)
	read.GET("/patients/:id/history", h.History)
	read.GET("/opd/stats", h.AllStats)
	read.GET("/opd/:code/queue", h.ListQueue)
	read.GET("/opd/:code/stats", h.Stats)

	reg := api.Group("", auth.RequireRole(auth.RoleRegistration))
	reg.POST("/patients/:id/allocate", h.Allocate)

	nursing := api.Group("", auth.RequireRole(auth.RoleNursing))
	nursing.POST("/patients/:id/refer", h.Refer)
	nursing.POST("/patients/:id/return-from-referral", h.ReturnFromReferral)
	nursing.POST("/patients/:id/dilate", h.Dilate)
	nursing.POST("/patients/:id/return-from-dilation", h.ReturnFromDilation)
	nursing.POST("/patients/:id/end-visit", h.EndVisit)

	clinicOps := nursing.Group("", auth.RequireOPDAccess("code"))
	clinicOps.POST("/opd/:code/call-next", h.CallNext)
	clinicOps.POST("/opd/:code/call/:patient_id", h.CallOutOfOrder)
	clinicOps.POST("/opd/:code/send-back/:patient_id", h.SendBack)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/patients/:id", h.Purge)
	admin.POST("/opd/:code/repair", h.Repair)
	admin.GET("/admin/dashboard", h.Dashboard)
	admin.GET("/admin/reports/daily", h.DailyReport)
	admin.GET("/admin/flow-log", h.FlowLog)
}

// RegisterPublicRoutes mounts the unauthenticated display boards.
func (h *Handler) RegisterPublicRoutes(public *echo.Group) {
	public.GET("/display", h.DisplayAll)
	public.GET("/display/:code", h.Display)
	public.GET("/display/:code/waiting-list", h.WaitingList)
}

// httpError maps engine failures onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidClinic), errors.Is(err, ErrNoCandidate):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSlotOccupied), errors.Is(err, ErrOriginMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// queryDate parses a YYYY-MM-DD query parameter as midnight in loc. The
// zero time means the parameter was absent.
func queryDate(c echo.Context, name string, loc *time.Location) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s, want YYYY-MM-DD", name))
	}
	return t, nil
}

func paramUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

type allocateRequest struct {
	OPDCode string `json:"opd_code"`
	// OPDType is the older name of the field.
	OPDType string `json:"opd_type"`
}

type referRequest struct {
	ToOPD   string `json:"to_opd"`
	Remarks string `json:"remarks"`
}

type returnRequest struct {
	OPDCode string `json:"opd_code"`
	Remarks string `json:"remarks"`
}

type remarksRequest struct {
	Remarks string `json:"remarks"`
}

// -- Patient operations --

func (h *Handler) Allocate(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req allocateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	code := req.OPDCode
	if code == "" {
		code = req.OPDType
	}
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "opd_code is required")
	}
	p, err := h.engine.Allocate(c.Request().Context(), id, code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Refer(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req referRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToOPD == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to_opd is required")
	}
	p, err := h.engine.Refer(c.Request().Context(), id, req.ToOPD, req.Remarks)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReturnFromReferral(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req returnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OPDCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "opd_code is required")
	}
	ctx := c.Request().Context()
	if !auth.CanAccessOPD(auth.RolesFromContext(ctx), auth.OPDsFromContext(ctx), req.OPDCode) {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("no access to OPD %q", req.OPDCode))
	}
	p, err := h.engine.ReturnFromReferral(ctx, id, req.OPDCode, req.Remarks)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Dilate(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req remarksRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.engine.Dilate(c.Request().Context(), id, req.Remarks)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReturnFromDilation(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.engine.ReturnFromDilation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) EndVisit(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	var req remarksRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.engine.EndVisit(c.Request().Context(), id, req.Remarks)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Purge(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.engine.Purge(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) History(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.engine.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if records == nil {
		records = []*FlowRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) ListReferred(c echo.Context) error {
	list, err := h.engine.ListReferred(c.Request().Context(), c.QueryParam("from_opd"), c.QueryParam("to_opd"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// -- Clinic operations --

func (h *Handler) CallNext(c echo.Context) error {
	adm, err := h.engine.CallNext(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, adm)
}

func (h *Handler) CallOutOfOrder(c echo.Context) error {
	id, err := paramUUID(c, "patient_id")
	if err != nil {
		return err
	}
	adm, err := h.engine.CallOutOfOrder(c.Request().Context(), c.Param("code"), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, adm)
}

func (h *Handler) SendBack(c echo.Context) error {
	id, err := paramUUID(c, "patient_id")
	if err != nil {
		return err
	}
	p, err := h.engine.SendBackToQueue(c.Request().Context(), c.Param("code"), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Repair(c echo.Context) error {
	fixed, err := h.engine.RepairOccupancy(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"fixed": fixed})
}

func (h *Handler) ListQueue(c echo.Context) error {
	items, err := h.engine.ListQueue(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Stats(c echo.Context) error {
	s, err := h.engine.Stats(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) AllStats(c echo.Context) error {
	list, err := h.engine.AllStats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Display(c echo.Context) error {
	b, err := h.engine.Display(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DisplayAll(c echo.Context) error {
	list, err := h.engine.DisplayAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) WaitingList(c echo.Context) error {
	limit := defaultWaitingListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > pagination.MaxLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	w, err := h.engine.WaitingList(c.Request().Context(), c.Param("code"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// -- Administration --

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.engine.Dashboard(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DailyReport(c echo.Context) error {
	day, err := queryDate(c, "date", h.engine.loc)
	if err != nil {
		return err
	}
	if day.IsZero() {
		day = h.engine.now()
	}
	r, err := h.engine.DailyReport(c.Request().Context(), day)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// FlowLog accepts patient_id, opd_code and an inclusive start_date and
// end_date, paged with limit and offset.
func (h *Handler) FlowLog(c echo.Context) error {
	var filter FlowFilter
	if raw := c.QueryParam("patient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = id
	}
	filter.OPDCode = c.QueryParam("opd_code")

	var err error
	if filter.From, err = queryDate(c, "start_date", h.engine.loc); err != nil {
		return err
	}
	end, err := queryDate(c, "end_date", h.engine.loc)
	if err != nil {
		return err
	}
	if !end.IsZero() {
		filter.To = end.AddDate(0, 0, 1)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return echo.NewHTTPError(http.StatusBadRequest, "start_date is after end_date")
	}

	pg := pagination.FromContext(c)
	list, total, err := h.engine.FlowLog(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if list == nil {
		list = []*FlowLogItem{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}
