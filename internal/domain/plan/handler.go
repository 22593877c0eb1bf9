package plan

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/fault"
	"github.com/carebill/carebill/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	read := api.Group("", auth.RequireRole("admin", "practitioner", "billing"))
	read.GET("/plans", h.ListPlans)
	read.GET("/plans/:id", h.GetPlan)
	read.GET("/plans/:id/items", h.GetItems)
	read.GET("/plans/:id/progress", h.GetProgress)

	write := api.Group("", policy.Require(auth.OpPlanWrite))
	write.POST("/plans", h.CreatePlan)
	write.POST("/plans/:id/items", h.AddItem)
	write.PUT("/plans/:id/items/:itemId", h.EditItem)
	write.DELETE("/plans/:id/items/:itemId", h.RemoveItem)
	write.PUT("/plans/:id/discount", h.SetDiscount)
	write.POST("/plans/:id/cancel", h.Cancel)
	write.POST("/plans/:id/items/:itemId/cancel", h.CancelItem)

	api.POST("/plans/:id/approve", h.Approve, policy.Require(auth.OpPlanApprove))

	exec := api.Group("", policy.Require(auth.OpPlanExecute))
	exec.POST("/plans/:id/start", h.StartExecution)
	exec.POST("/plans/:id/pause", h.Pause)
	exec.POST("/plans/:id/resume", h.Resume)
	exec.POST("/plans/:id/complete", h.Complete)
	exec.POST("/plans/:id/items/:itemId/sessions", h.RecordSession)
}

func httpError(err error) error {
	if f, ok := fault.As(err); ok {
		return echo.NewHTTPError(fault.HTTPStatus(err), map[string]string{
			"code":    f.Code,
			"message": f.Message,
		})
	}
	return err
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createPlanRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Currency       string    `json:"currency"`
	Notes          *string   `json:"notes"`
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p := &Plan{
		PatientID:      req.PatientID,
		PractitionerID: req.PractitionerID,
		Currency:       req.Currency,
		Notes:          req.Notes,
	}
	if err := h.svc.Create(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	pg := pagination.FromContext(c)
	plans, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"plans": plans, "total": total})
}

func (h *Handler) GetItems(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.Items(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pct, err := h.svc.Progress(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"progress": pct})
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var spec ItemSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it, err := h.svc.AddItem(c.Request().Context(), id, spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) EditItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "itemId")
	if err != nil {
		return err
	}
	var spec ItemSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it, err := h.svc.EditItem(c.Request().Context(), id, itemID, spec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "itemId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveItem(c.Request().Context(), id, itemID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetDiscount(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Discount decimal.Decimal `json:"discount"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.SetDiscount(c.Request().Context(), id, req.Discount)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Approve(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) StartExecution(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.StartExecution(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Pause(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Pause(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Resume(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Resume(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RecordSession(c echo.Context) error {
	itemID, err := parseID(c, "itemId")
	if err != nil {
		return err
	}
	var req struct {
		Progress int     `json:"progress"`
		Notes    *string `json:"notes"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it, err := h.svc.RecordSession(c.Request().Context(), itemID, req.Progress, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) CancelItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "itemId")
	if err != nil {
		return err
	}
	it, err := h.svc.CancelItem(c.Request().Context(), id, itemID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, it)
}
