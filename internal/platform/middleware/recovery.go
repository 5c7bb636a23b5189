package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/auth"
)

// errPanic wraps a recovered panic value so it can travel as an error.
type errPanic struct {
	value interface{}
	stack []byte
}

func (e *errPanic) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// internalError is the 500 returned for anything the handlers did not
// classify. Its body has the same shape as workflow errors.
func internalError(cause error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
		"reason":    "InternalError",
		"message":   "internal error",
		"retryable": false,
	}).SetInternal(cause)
}

// catchPanic converts a recovered value into an error. http.ErrAbortHandler
// is re-raised so net/http can abort the connection as intended.
func catchPanic(r interface{}) error {
	if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
		panic(r)
	}
	return internalError(&errPanic{value: r, stack: debug.Stack()})
}

// Recovery turns a panicking handler into a 500 and logs the panic with the
// request id and caller. Panics already converted further down the chain
// (see RequestTimeout) are logged the same way.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = catchPanic(r)
				}
				logPanic(logger, c, err)
			}()
			return next(c)
		}
	}
}

func logPanic(logger zerolog.Logger, c echo.Context, err error) {
	var he *echo.HTTPError
	var p *errPanic
	if !errors.As(err, &he) || !errors.As(he.Internal, &p) {
		return
	}
	rid, _ := c.Get("request_id").(string)
	evt := logger.Error().
		Str("request_id", rid).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Str("panic", fmt.Sprint(p.value)).
		Bytes("stack", p.stack)
	if caller, ok := auth.CallerFromContext(c.Request().Context()); ok {
		evt = evt.Str("user_id", caller.ID).Str("role", string(caller.Role))
	}
	evt.Msg("panic recovered")
}
