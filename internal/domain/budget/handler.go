package budget

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/fault"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	read := api.Group("", auth.RequireRole("admin", "practitioner", "billing"))
	read.GET("/budgets/:id", h.GetBudget)
	read.GET("/budgets/:id/items", h.GetItems)
	read.GET("/budgets/:id/acceptance", h.GetAcceptance)
	read.GET("/plans/:planId/budgets", h.ListByPlan)

	manage := api.Group("", policy.Require(auth.OpBudgetManage))
	manage.POST("/plans/:planId/budgets", h.Generate)
	manage.POST("/budgets/:id/issue", h.Issue)
	manage.POST("/budgets/:id/expire", h.Expire)

	decide := api.Group("", policy.Require(auth.OpBudgetDecide))
	decide.POST("/budgets/:id/accept", h.Accept)
	decide.POST("/budgets/:id/reject", h.Reject)
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

type generateRequest struct {
	ItemIDs      []uuid.UUID `json:"item_ids"`
	ValidityDays int         `json:"validity_days"`
}

func (h *Handler) Generate(c echo.Context) error {
	planID, err := parseID(c, "planId")
	if err != nil {
		return err
	}
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.Generate(c.Request().Context(), planID, req.ItemIDs, req.ValidityDays)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBudget(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
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

func (h *Handler) ListByPlan(c echo.Context) error {
	planID, err := parseID(c, "planId")
	if err != nil {
		return err
	}
	budgets, err := h.svc.ListByPlan(c.Request().Context(), planID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"budgets": budgets})
}

func (h *Handler) Issue(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.Issue(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type acceptRequest struct {
	Mode            AcceptanceMode   `json:"mode"`
	AcceptedItemIDs []uuid.UUID      `json:"accepted_item_ids"`
	Signature       SignaturePayload `json:"signature"`
	Notes           *string          `json:"notes"`
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Accept(c.Request().Context(), id, AcceptParams{
		Mode:            req.Mode,
		AcceptedItemIDs: req.AcceptedItemIDs,
		Signature:       req.Signature,
		ActorIP:         c.RealIP(),
		Notes:           req.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"acceptance_id":     a.ID,
		"mode":              a.Mode,
		"accepted_amount":   a.AcceptedAmount,
		"verification_code": a.VerificationCode,
		"document_url":      a.DocumentURL,
	})
}

func (h *Handler) GetAcceptance(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.AcceptanceByBudget(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.Reject(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Expire(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.Expire(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}
