package payment

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/auth"
	"github.com/carebill/carebill/internal/platform/fault"
)

// maxEventBody bounds the webhook request body.
const maxEventBody = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	read := api.Group("", auth.RequireRole("admin", "practitioner", "billing"))
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/payments/:id/allocations", h.GetAllocations)
	read.GET("/payments/:id/receipt", h.GetReceipt)
	read.GET("/plans/:planId/payments", h.ListByPlan)
	read.GET("/plans/:planId/balance", h.GetBalance)

	create := api.Group("", policy.Require(auth.OpPaymentCreate))
	create.POST("/payments", h.CreatePayment)
	create.POST("/payments/:id/confirm", h.ConfirmLocally)

	api.POST("/payments/:id/refund", h.Refund, policy.Require(auth.OpPaymentRefund))
	api.POST("/payments/:id/cancel", h.Cancel, policy.Require(auth.OpPaymentCancel))
}

// RegisterPublicRoutes mounts the unauthenticated surface: the processor
// webhook and receipt verification.
func (h *Handler) RegisterPublicRoutes(e *echo.Echo) {
	e.POST("/webhooks/processor", h.Webhook)
	e.GET("/verify/:code", h.VerifyReceipt)
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

type createPaymentRequest struct {
	PlanID   uuid.UUID       `json:"plan_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Method   string          `json:"method"`
	ItemIDs  []uuid.UUID     `json:"item_ids"`
}

func (h *Handler) CreatePayment(c echo.Context) error {
	var req createPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Create(c.Request().Context(), CreateParams{
		PlanID:   req.PlanID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   req.Method,
		ItemIDs:  req.ItemIDs,
	})
	if err != nil {
		return httpError(err)
	}
	resp := map[string]interface{}{
		"payment_id": p.ID,
		"state":      p.State,
	}
	if p.ProviderRef != nil {
		resp["processor_client_token"] = *p.ProviderRef
	}
	if p.FailReason != nil {
		resp["fail_reason"] = *p.FailReason
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetPayment(c echo.Context) error {
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

func (h *Handler) ListByPlan(c echo.Context) error {
	planID, err := parseID(c, "planId")
	if err != nil {
		return err
	}
	payments, err := h.svc.ListByPlan(c.Request().Context(), planID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"payments": payments})
}

func (h *Handler) GetBalance(c echo.Context) error {
	planID, err := parseID(c, "planId")
	if err != nil {
		return err
	}
	outstanding, err := h.svc.Outstanding(c.Request().Context(), planID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"outstanding": outstanding})
}

func (h *Handler) GetAllocations(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	allocs, err := h.svc.Allocations(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"allocations": allocs})
}

func (h *Handler) GetReceipt(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	rec, err := h.svc.ReceiptByPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ConfirmLocally(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.ConfirmLocally(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (h *Handler) Refund(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req refundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Refund(c.Request().Context(), id, req.Amount, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// Webhook receives processor events. The signature travels in the
// X-Processor-Signature header and is verified against the raw body before
// any state is touched. Security failures return 401 with no detail.
func (h *Handler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read body")
	}
	sig := c.Request().Header.Get("X-Processor-Signature")

	result, err := h.svc.ApplyExternalEvent(c.Request().Context(), body, sig)
	if err != nil {
		if f, ok := fault.As(err); ok && f.Kind == fault.KindSecurity {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) VerifyReceipt(c echo.Context) error {
	res, err := h.svc.VerifyReceipt(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
