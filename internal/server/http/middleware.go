package httpserver

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/auth"
	"github.com/and161185/lockpay/internal/errs"
)

var errPanic = errors.New("internal")

// RequestLog logs one line per request. Payloads and headers are never logged.
func RequestLog(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			req := c.Request()
			log.Info("http",
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("dur", time.Since(start)),
				zap.String("remote", c.RealIP()),
			)
			return nil
		}
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						panic(r)
					}
					log.Error("panic",
						zap.Any("reason", r),
						zap.ByteString("stack", debug.Stack()),
						zap.String("route", c.Path()),
					)
					err = errPanic
				}
			}()
			return next(c)
		}
	}
}

// OperatorAuth requires a valid operator bearer token and stores the operator in the request context.
func OperatorAuth(tokens *auth.Tokens) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if tokens == nil {
				return errs.ErrUnauthorized
			}
			raw, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return errs.ErrUnauthorized
			}
			op, err := tokens.Verify(raw)
			if err != nil {
				return err
			}
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithOperator(req.Context(), op)))
			return next(c)
		}
	}
}

func operator(c echo.Context) string {
	op, _ := auth.OperatorFromCtx(c.Request().Context())
	return op
}
