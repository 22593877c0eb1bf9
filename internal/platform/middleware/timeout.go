package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds how long a single request may run. The handler
// executes under a context with the given deadline; when it expires first,
// the client receives a 504 and the handler's context is cancelled so it
// can abandon any in-flight database work.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			result := make(chan error, 1)
			go func() { result <- next(c) }()

			select {
			case err := <-result:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					// Client went away; nothing useful to write.
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, echo.Map{
					"error": "request took too long to process",
				})
			}
		}
	}
}
