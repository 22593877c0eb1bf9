package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func runTimedHandler(t *testing.T, timeout time.Duration, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, RequestTimeout(timeout)(handler)(c)
}

func TestRequestTimeout_FastHandlerPasses(t *testing.T) {
	called := false
	_, err := runTimedHandler(t, 5*time.Second, func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}
}

func TestRequestTimeout_SlowHandlerGets504(t *testing.T) {
	rec, err := runTimedHandler(t, 50*time.Millisecond, func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})

	// The middleware writes the 504 itself rather than returning an error.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode timeout body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected an error message in the timeout body")
	}
}

func TestRequestTimeout_DeadlineVisibleToHandler(t *testing.T) {
	_, err := runTimedHandler(t, 30*time.Second, func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_HandlerErrorPropagates(t *testing.T) {
	_, err := runTimedHandler(t, 5*time.Second, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	})

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}
