package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
)

const maxStack = 8 << 10

// Recovery turns a handler panic into a 500 carrying the request id, so an
// operator can find the logged stack. The tenant and actor come from the
// request context set by the auth middleware; they are empty on public routes.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				stack := make([]byte, maxStack)
				stack = stack[:runtime.Stack(stack, false)]

				ctx := c.Request().Context()
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("tenant_id", db.TenantFromContext(ctx)).
					Str("actor", auth.ActorFromContext(ctx)).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bytes("stack", stack)
				if e, ok := r.(error); ok {
					evt = evt.Err(e)
				} else {
					evt = evt.Str("panic", fmt.Sprint(r))
				}
				evt.Msg("handler panic")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":      "internal server error",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
