package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request with a context deadline and answers 504
// when the handler overran it without writing a response. The websocket
// endpoint is long-lived and is left alone.
//
// The handler runs on the request goroutine and must honour the context, so
// nothing writes to the response after the middleware returns. A write that
// overran may still have committed, so the body carries the unknown_outcome
// code; clients re-read before retrying.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isWebSocketPath(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			return gatewayTimeoutError(c)
		}
	}
}

func isWebSocketPath(p string) bool {
	return p == "/ws" || strings.HasPrefix(p, "/ws/")
}

func gatewayTimeoutError(c echo.Context) error {
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"error": "request exceeded the allowed time",
		"code":  "unknown_outcome",
	})
}
