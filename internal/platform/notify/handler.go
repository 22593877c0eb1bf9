package notify

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler exposes subscriber endpoint management over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	store      Store
}

func NewHandler(dispatcher *Dispatcher, store Store) *Handler {
	return &Handler{dispatcher: dispatcher, store: store}
}

// RegisterRoutes binds endpoint management routes to the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.register)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
	g.GET("/:id/deliveries", h.deliveries)
	g.POST("/deliveries/:id/retry", h.retry)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one event subscription is required")
	}

	ep, err := h.dispatcher.Register(c.Request().Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) list(c echo.Context) error {
	endpoints, err := h.store.ListEndpoints(c.Request().Context())
	if err != nil {
		return err
	}
	// Secrets never leave the server after registration.
	out := make([]*Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		cp := *ep
		cp.Secret = ""
		out = append(out, &cp)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"endpoints": out})
}

func (h *Handler) get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	ep, err := h.store.GetEndpoint(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	cp := *ep
	cp.Secret = ""
	return c.JSON(http.StatusOK, &cp)
}

func (h *Handler) delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	if err := h.store.DeleteEndpoint(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) pause(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *Handler) resume(c echo.Context) error {
	return h.setActive(c, true)
}

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	if err := h.dispatcher.SetActive(c.Request().Context(), id, active); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) deliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	limit, offset := 50, 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	items, total, err := h.dispatcher.Deliveries(c.Request().Context(), id, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deliveries": items,
		"total":      total,
	})
}

func (h *Handler) retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delivery id")
	}
	attempt, err := h.dispatcher.Retry(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, attempt)
}
